// SPDX-License-Identifier: AGPL-3.0-only

package remotecache

import (
	"context"
	"flag"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache stores byte slices by key.
//
// Methods do not return errors: the tier is best effort, so implementations
// log failures and report them as misses.
type Cache interface {
	Store(ctx context.Context, keys []string, bufs [][]byte)
	Fetch(ctx context.Context, keys []string) (found []string, bufs [][]byte, missing []string)
	Stop()
}

const (
	BackendNone     = ""
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
)

var supportedBackends = []string{BackendNone, BackendInMemory, BackendRedis}

var errUnsupportedBackend = errors.New("unsupported remote cache backend")

// Config configures the second cache tier shared between processes.
type Config struct {
	Backend   string         `yaml:"backend"`
	TTL       time.Duration  `yaml:"ttl"`
	KeyPrefix string         `yaml:"key_prefix" category:"advanced"`
	InMemory  InMemoryConfig `yaml:"inmemory"`
	Redis     RedisConfig    `yaml:"redis"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", BackendNone, fmt.Sprintf("Backend of the remote cache tier. Supported values: %s.", strings.Join(supportedBackends[1:], ", ")))
	f.DurationVar(&cfg.TTL, prefix+"ttl", 24*time.Hour, "How long entries are kept in the remote cache tier. 0 keeps them forever.")
	f.StringVar(&cfg.KeyPrefix, prefix+"key-prefix", "mapcache:", "Prefix added to every key written to the remote cache tier.")
	cfg.InMemory.RegisterFlagsWithPrefix(prefix+"inmemory.", f)
	cfg.Redis.RegisterFlagsWithPrefix(prefix+"redis.", f)
}

func (cfg *Config) Validate() error {
	if !slices.Contains(supportedBackends, cfg.Backend) {
		return errors.Wrapf(errUnsupportedBackend, "%q", cfg.Backend)
	}
	switch cfg.Backend {
	case BackendInMemory:
		return cfg.InMemory.Validate()
	case BackendRedis:
		return cfg.Redis.Validate()
	}
	return nil
}

// New returns the configured cache, instrumented and prefixed, or nil when no backend is configured.
func New(name string, cfg Config, logger log.Logger, reg prometheus.Registerer) (Cache, error) {
	var c Cache
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendInMemory:
		c = NewInMemory(cfg.InMemory, cfg.TTL)
	case BackendRedis:
		var err error
		if c, err = NewRedis(cfg.Redis, cfg.TTL, logger); err != nil {
			return nil, errors.Wrapf(err, "%s", name)
		}
	default:
		return nil, errors.Wrapf(errUnsupportedBackend, "%q", cfg.Backend)
	}

	c = Instrument(name, c, reg)
	if cfg.KeyPrefix != "" {
		c = NewPrefixed(cfg.KeyPrefix, c)
	}
	return c, nil
}

type prefixed struct {
	prefix string
	next   Cache
}

// NewPrefixed prepends prefix to every key.
func NewPrefixed(prefix string, next Cache) Cache {
	return &prefixed{prefix: prefix, next: next}
}

func (p *prefixed) Store(ctx context.Context, keys []string, bufs [][]byte) {
	p.next.Store(ctx, p.addPrefix(keys), bufs)
}

func (p *prefixed) Fetch(ctx context.Context, keys []string) (found []string, bufs [][]byte, missing []string) {
	found, bufs, missing = p.next.Fetch(ctx, p.addPrefix(keys))
	return p.trimPrefix(found), bufs, p.trimPrefix(missing)
}

func (p *prefixed) Stop() { p.next.Stop() }

func (p *prefixed) addPrefix(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = p.prefix + k
	}
	return out
}

func (p *prefixed) trimPrefix(keys []string) []string {
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys
}
