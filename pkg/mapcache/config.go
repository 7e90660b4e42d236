// SPDX-License-Identifier: AGPL-3.0-only

package mapcache

import (
	"flag"
	"time"

	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/annotations"
	"github.com/cognitedata/mapcache/pkg/assetmapping"
	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/storage/remotecache"
)

// Config is the root config of the service.
type Config struct {
	Server        ServerConfig                    `yaml:"server"`
	CDF           cdf.ClientConfig                `yaml:"cdf"`
	AssetMappings assetmapping.Config             `yaml:"asset_mappings"`
	Assets        annotations.AssetResolverConfig `yaml:"assets"`
	RemoteCache   remotecache.Config              `yaml:"remote_cache"`
	TreeView      TreeViewConfig                  `yaml:"tree_view"`
}

type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" category:"advanced"`
	LogFormat               string        `yaml:"log_format"`
	LogLevel                dslog.Level   `yaml:"log_level"`
}

func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 8080, "HTTP server listen port.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Timeout for graceful shutdowns.")
	f.StringVar(&cfg.LogFormat, "log.format", dslog.LogfmtFormat, "Output log messages in the given format. Valid formats: [logfmt, json]")
	cfg.LogLevel.RegisterFlags(f)
}

func (cfg *ServerConfig) Validate() error {
	if cfg.HTTPListenPort < 0 || cfg.HTTPListenPort > 65535 {
		return errors.Errorf("invalid HTTP listen port %d", cfg.HTTPListenPort)
	}
	if cfg.LogFormat != dslog.LogfmtFormat && cfg.LogFormat != dslog.JSONFormat {
		return errors.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return nil
}

type TreeViewConfig struct {
	ChildrenPageSize int `yaml:"children_page_size" category:"advanced"`
}

func (cfg *TreeViewConfig) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.ChildrenPageSize, "tree-view.children-page-size", cdf.MaxItemsPerRequest, "Number of node children loaded per page by the tree view.")
}

func (cfg *TreeViewConfig) Validate() error {
	if cfg.ChildrenPageSize <= 0 || cfg.ChildrenPageSize > cdf.MaxItemsPerRequest {
		return errors.Errorf("the tree view children page size must be between 1 and %d", cdf.MaxItemsPerRequest)
	}
	return nil
}

// RegisterFlags registers flags of every component.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.RegisterFlags(f)
	c.CDF.RegisterFlags(f)
	c.AssetMappings.RegisterFlags(f)
	c.Assets.RegisterFlagsWithPrefix("assets.", f)
	c.RemoteCache.RegisterFlagsWithPrefix("remote-cache.", f)
	c.TreeView.RegisterFlags(f)
}

// Validate the config and returns an error if the validation doesn't pass.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "invalid server config")
	}
	if err := c.CDF.Validate(); err != nil {
		return errors.Wrap(err, "invalid CDF client config")
	}
	if err := c.AssetMappings.Validate(); err != nil {
		return errors.Wrap(err, "invalid asset mappings config")
	}
	if err := c.Assets.Validate(); err != nil {
		return errors.Wrap(err, "invalid assets config")
	}
	if err := c.RemoteCache.Validate(); err != nil {
		return errors.Wrap(err, "invalid remote cache config")
	}
	if err := c.TreeView.Validate(); err != nil {
		return errors.Wrap(err, "invalid tree view config")
	}
	return nil
}
