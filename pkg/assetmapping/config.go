// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/cdf"
)

var (
	errInvalidAssetIDChunks = errors.New("the number of asset ID chunks must be greater than 0")
	errInvalidPageSize      = errors.Errorf("the model mappings page size must be between 1 and %d", cdf.MaxItemsPerRequest)
)

type Config struct {
	AssetIDChunks         int `yaml:"asset_id_chunks" category:"advanced"`
	ModelMappingsPageSize int `yaml:"model_mappings_page_size" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("asset-mappings.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.AssetIDChunks, prefix+"asset-id-chunks", 1, "Number of equally sized chunks the asset IDs of a nodes-for-assets lookup are split into. Chunks are resolved in parallel.")
	f.IntVar(&cfg.ModelMappingsPageSize, prefix+"model-mappings-page-size", cdf.MaxItemsPerRequest, "Page size used when listing every mapping of a model revision.")
}

func (cfg *Config) Validate() error {
	if cfg.AssetIDChunks <= 0 {
		return errInvalidAssetIDChunks
	}
	if cfg.ModelMappingsPageSize <= 0 || cfg.ModelMappingsPageSize > cdf.MaxItemsPerRequest {
		return errInvalidPageSize
	}
	return nil
}
