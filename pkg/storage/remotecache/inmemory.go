// SPDX-License-Identifier: AGPL-3.0-only

package remotecache

import (
	"context"
	"flag"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
)

type InMemoryConfig struct {
	MaxItems int `yaml:"max_items"`
}

func (cfg *InMemoryConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxItems, prefix+"max-items", 1024, "Maximum number of entries kept by the in-memory cache.")
}

func (cfg *InMemoryConfig) Validate() error {
	if cfg.MaxItems <= 0 {
		return errors.New("in-memory cache max items must be greater than 0")
	}
	return nil
}

// InMemory is a process-local Cache backed by an expiring LRU.
type InMemory struct {
	lru *expirable.LRU[string, []byte]
}

func NewInMemory(cfg InMemoryConfig, ttl time.Duration) *InMemory {
	return &InMemory{lru: expirable.NewLRU[string, []byte](cfg.MaxItems, nil, ttl)}
}

func (c *InMemory) Store(_ context.Context, keys []string, bufs [][]byte) {
	for i, k := range keys {
		c.lru.Add(k, bufs[i])
	}
}

func (c *InMemory) Fetch(_ context.Context, keys []string) (found []string, bufs [][]byte, missing []string) {
	for _, k := range keys {
		if b, ok := c.lru.Get(k); ok {
			found = append(found, k)
			bufs = append(bufs, b)
			continue
		}
		missing = append(missing, k)
	}
	return found, bufs, missing
}

func (c *InMemory) Len() int { return c.lru.Len() }

func (c *InMemory) Stop() { c.lru.Purge() }
