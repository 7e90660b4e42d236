// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"flag"
	"net/url"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

var (
	errMissingURL     = errors.New("the CDF base URL is required")
	errMissingProject = errors.New("the CDF project is required")
	errInvalidRetries = errors.New("max retries must be greater than 0")
	errInvalidLimit   = errors.New("rate limit must not be negative")
)

// ClientConfig configures the HTTP client of the data-fetching API.
type ClientConfig struct {
	URL     string         `yaml:"url"`
	Project string         `yaml:"project"`
	APIKey  flagext.Secret `yaml:"api_key"`
	Timeout time.Duration  `yaml:"timeout" category:"advanced"`

	RateLimit float64 `yaml:"rate_limit" category:"advanced"`
	RateBurst int     `yaml:"rate_burst" category:"advanced"`

	MinBackoff time.Duration `yaml:"min_backoff" category:"advanced"`
	MaxBackoff time.Duration `yaml:"max_backoff" category:"advanced"`
	MaxRetries int           `yaml:"max_retries" category:"advanced"`

	// SiteIDMetadataKey is the file metadata key holding the 360 image site ID.
	SiteIDMetadataKey string `yaml:"site_id_metadata_key" category:"advanced"`
}

func (cfg *ClientConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("cdf.", f)
}

func (cfg *ClientConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+"url", "https://api.cognitedata.com", "Base URL of the CDF API.")
	f.StringVar(&cfg.Project, prefix+"project", "", "CDF project to read from.")
	f.Var(&cfg.APIKey, prefix+"api-key", "API key sent as a bearer token.")
	f.DurationVar(&cfg.Timeout, prefix+"timeout", 60*time.Second, "Timeout of a single HTTP request.")
	f.Float64Var(&cfg.RateLimit, prefix+"rate-limit", 0, "Maximum number of requests per second sent to the API. 0 to disable.")
	f.IntVar(&cfg.RateBurst, prefix+"rate-burst", 10, "Burst size of the request rate limiter.")
	f.DurationVar(&cfg.MinBackoff, prefix+"min-backoff", 500*time.Millisecond, "Minimum backoff between retries of a failed request.")
	f.DurationVar(&cfg.MaxBackoff, prefix+"max-backoff", 5*time.Second, "Maximum backoff between retries of a failed request.")
	f.IntVar(&cfg.MaxRetries, prefix+"max-retries", 3, "Maximum number of attempts of a single request.")
	f.StringVar(&cfg.SiteIDMetadataKey, prefix+"site-id-metadata-key", "site_id", "File metadata key identifying the 360 image site a file belongs to.")
}

func (cfg *ClientConfig) Validate() error {
	if cfg.URL == "" {
		return errMissingURL
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return errors.Wrap(err, "invalid CDF base URL")
	}
	if cfg.Project == "" {
		return errMissingProject
	}
	if cfg.MaxRetries <= 0 {
		return errInvalidRetries
	}
	if cfg.RateLimit < 0 {
		return errInvalidLimit
	}
	return nil
}
