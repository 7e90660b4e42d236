// SPDX-License-Identifier: AGPL-3.0-only

package remotecache

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	util_log "github.com/cognitedata/mapcache/pkg/util/log"
)

type RedisConfig struct {
	Endpoint     string         `yaml:"endpoint"`
	Username     string         `yaml:"username"`
	Password     flagext.Secret `yaml:"password"`
	DB           int            `yaml:"db"`
	DialTimeout  time.Duration  `yaml:"dial_timeout" category:"advanced"`
	ReadTimeout  time.Duration  `yaml:"read_timeout" category:"advanced"`
	WriteTimeout time.Duration  `yaml:"write_timeout" category:"advanced"`
	PoolSize     int            `yaml:"pool_size" category:"advanced"`

	// ErrorLogSampling logs one out of every N failed operations.
	ErrorLogSampling int64 `yaml:"error_log_sampling" category:"advanced"`
}

func (cfg *RedisConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"endpoint", "", "Redis server endpoint as host:port.")
	f.StringVar(&cfg.Username, prefix+"username", "", "Username to authenticate with.")
	f.Var(&cfg.Password, prefix+"password", "Password to authenticate with.")
	f.IntVar(&cfg.DB, prefix+"db", 0, "Database index.")
	f.DurationVar(&cfg.DialTimeout, prefix+"dial-timeout", 5*time.Second, "Timeout to establish a connection.")
	f.DurationVar(&cfg.ReadTimeout, prefix+"read-timeout", 3*time.Second, "Timeout of socket reads.")
	f.DurationVar(&cfg.WriteTimeout, prefix+"write-timeout", 3*time.Second, "Timeout of socket writes.")
	f.IntVar(&cfg.PoolSize, prefix+"pool-size", 0, "Maximum number of socket connections. 0 uses the client default.")
	f.Int64Var(&cfg.ErrorLogSampling, prefix+"error-log-sampling", 10, "Log one out of every N failed operations. 0 logs every failure.")
}

func (cfg *RedisConfig) Validate() error {
	if cfg.Endpoint == "" {
		return errors.New("the redis endpoint is required")
	}
	return nil
}

// Redis is a Cache stored in a redis server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger log.Logger
}

func NewRedis(cfg RedisConfig, ttl time.Duration, logger log.Logger) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Username:     cfg.Username,
		Password:     cfg.Password.String(),
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	return &Redis{
		client: client,
		ttl:    ttl,
		logger: util_log.NewSampledLogger(log.With(logger, "component", "redis-cache"), cfg.ErrorLogSampling),
	}, nil
}

func (c *Redis) Store(ctx context.Context, keys []string, bufs [][]byte) {
	pipe := c.client.Pipeline()
	for i, k := range keys {
		pipe.Set(ctx, k, bufs[i], c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "failed to store items to redis", "items", len(keys), "err", err)
	}
}

func (c *Redis) Fetch(ctx context.Context, keys []string) (found []string, bufs [][]byte, missing []string) {
	if len(keys) == 0 {
		return nil, nil, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to fetch items from redis", "items", len(keys), "err", err)
		return nil, nil, keys
	}

	for i, k := range keys {
		s, ok := values[i].(string)
		if !ok {
			missing = append(missing, k)
			continue
		}
		found = append(found, k)
		bufs = append(bufs, []byte(s))
	}
	return found, bufs, missing
}

// Ping checks the connection to the server.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Stop() {
	if err := c.client.Close(); err != nil {
		level.Warn(c.logger).Log("msg", "failed to close redis client", "err", err)
	}
}
