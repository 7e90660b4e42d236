// SPDX-License-Identifier: AGPL-3.0-only

package annotations

import (
	"context"
	"flag"
	"slices"

	"github.com/grafana/dskit/concurrency"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognitedata/mapcache/pkg/cdf"
)

type AssetResolverConfig struct {
	CacheSize        int `yaml:"cache_size"`
	FetchConcurrency int `yaml:"fetch_concurrency" category:"advanced"`
}

func (cfg *AssetResolverConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.CacheSize, prefix+"cache-size", 100_000, "Maximum number of resolved assets kept in memory.")
	f.IntVar(&cfg.FetchConcurrency, prefix+"fetch-concurrency", 4, "Maximum number of asset requests sent in parallel.")
}

func (cfg *AssetResolverConfig) Validate() error {
	if cfg.CacheSize <= 0 {
		return errors.New("the asset cache size must be greater than 0")
	}
	if cfg.FetchConcurrency <= 0 {
		return errors.New("the asset fetch concurrency must be greater than 0")
	}
	return nil
}

// AssetResolver fetches assets by classic ID or data-model identifier and
// remembers the ones it resolved.
type AssetResolver struct {
	api         cdf.API
	concurrency int
	assets      *lru.Cache[string, cdf.Asset]

	requests prometheus.Counter
	hits     prometheus.Counter
}

func NewAssetResolver(cfg AssetResolverConfig, api cdf.API, reg prometheus.Registerer) (*AssetResolver, error) {
	assets, err := lru.New[string, cdf.Asset](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating asset cache")
	}

	return &AssetResolver{
		api:         api,
		concurrency: cfg.FetchConcurrency,
		assets:      assets,
		requests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapcache_asset_resolver_requests_total",
			Help: "Total number of asset references looked up by the asset resolver.",
		}),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapcache_asset_resolver_hits_total",
			Help: "Total number of asset references resolved from memory.",
		}),
	}, nil
}

// FetchAssets returns the assets referenced by refs, in the order of their
// first reference. References are deduplicated before fetching and the missing
// ones are requested in chunks of cdf.MaxItemsPerRequest. Unknown references
// are skipped.
func (r *AssetResolver) FetchAssets(ctx context.Context, refs []cdf.InstanceRef) ([]cdf.Asset, error) {
	var (
		unique  []cdf.InstanceRef
		missing []cdf.InstanceRef
		seen    = make(map[string]struct{}, len(refs))
	)
	for _, ref := range refs {
		if !ref.IsValid() {
			continue
		}
		if _, ok := seen[ref.Key()]; ok {
			continue
		}
		seen[ref.Key()] = struct{}{}
		unique = append(unique, ref)
		if !r.assets.Contains(ref.Key()) {
			missing = append(missing, ref)
		}
	}
	r.requests.Add(float64(len(unique)))
	r.hits.Add(float64(len(unique) - len(missing)))

	chunks := slices.Collect(slices.Chunk(missing, cdf.MaxItemsPerRequest))
	fetched := make([][]cdf.Asset, len(chunks))
	err := concurrency.ForEachJob(ctx, len(chunks), r.concurrency, func(ctx context.Context, idx int) error {
		assets, err := r.api.FetchAssets(ctx, chunks[idx])
		if err != nil {
			return errors.Wrap(err, "fetching assets")
		}
		fetched[idx] = assets
		return nil
	})
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]cdf.Asset, len(unique))
	for i, chunk := range chunks {
		for _, asset := range fetched[i] {
			for _, ref := range chunk {
				if asset.Matches(ref) {
					resolved[ref.Key()] = asset
					r.assets.Add(ref.Key(), asset)
				}
			}
		}
	}

	assets := make([]cdf.Asset, 0, len(unique))
	returned := make(map[string]struct{}, len(unique))
	for _, ref := range unique {
		asset, ok := resolved[ref.Key()]
		if !ok {
			if asset, ok = r.assets.Get(ref.Key()); !ok {
				continue
			}
		}
		// A hybrid asset can be referenced both ways but is returned once.
		id := assetIdentity(asset)
		if _, dup := returned[id]; dup {
			continue
		}
		returned[id] = struct{}{}
		assets = append(assets, asset)
	}
	return assets, nil
}

func assetIdentity(a cdf.Asset) string {
	if a.ID != 0 {
		return cdf.ClassicRef(a.ID).Key()
	}
	if a.InstanceID != nil {
		return cdf.InstanceRef{InstanceID: a.InstanceID}.Key()
	}
	return a.Name
}
