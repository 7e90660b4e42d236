// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/storage/remotecache"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

const remoteKeyPrefix = "asset-mappings:"

// AssetMappingPerModelCache holds the full mapping list of model revisions,
// keyed by ModelRevisionKey.
//
// A failed fetch stays cached: every later caller for the same revision gets
// the same error until the cache is discarded.
type AssetMappingPerModelCache struct {
	api      cdf.API
	pageSize int
	items    *promise.Map[[]cdf.AssetMapping]
	logger   log.Logger
	metrics  *metrics

	// remote is an optional second tier shared with other processes.
	remote remotecache.Cache
	codec  remotecache.Codec[[]cdf.AssetMapping]
}

func newAssetMappingPerModelCache(api cdf.API, pageSize int, remote remotecache.Cache, logger log.Logger, m *metrics) *AssetMappingPerModelCache {
	return &AssetMappingPerModelCache{
		api:      api,
		pageSize: pageSize,
		items:    promise.NewMap[[]cdf.AssetMapping](),
		logger:   logger,
		metrics:  m,
		remote:   remote,
		codec:    remotecache.SnappyCodec[[]cdf.AssetMapping]{Codec: remotecache.JSONCodec[[]cdf.AssetMapping]{}},
	}
}

// Get returns the promise stored under a ModelRevisionKey, or nil on a miss.
func (c *AssetMappingPerModelCache) Get(key string) *promise.Promise[[]cdf.AssetMapping] {
	return c.items.Get(key)
}

// FetchAndCacheMappingsForModel returns every valid mapping of the revision.
// The in-flight fetch is stored before it starts, so concurrent callers share it.
func (c *AssetMappingPerModelCache) FetchAndCacheMappingsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) ([]cdf.AssetMapping, error) {
	key := ModelRevisionKey(modelID, revisionID)
	p, created := c.items.GetOrCreate(ctx, key, func(ctx context.Context) ([]cdf.AssetMapping, error) {
		return c.fetch(ctx, key, modelID, revisionID)
	})
	hits := 1
	if created {
		hits = 0
	}
	c.metrics.lookup(cachePerModel, 1, hits)
	return p.Wait(ctx)
}

func (c *AssetMappingPerModelCache) fetch(ctx context.Context, key string, modelID cdf.ModelID, revisionID cdf.RevisionID) ([]cdf.AssetMapping, error) {
	if mappings, ok := c.fetchRemote(ctx, key); ok {
		return mappings, nil
	}

	raw, err := c.api.FetchAssetMappingsForModel(ctx, modelID, revisionID, c.pageSize)
	c.metrics.fetch(cachePerModel, err)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching asset mappings of model %s", key)
	}

	mappings := cdf.ValidAssetMappings(raw)
	level.Debug(c.logger).Log("msg", "fetched asset mappings for model", "model", key, "mappings", len(mappings), "dropped", len(raw)-len(mappings))

	c.storeRemote(ctx, key, mappings)
	return mappings, nil
}

func (c *AssetMappingPerModelCache) fetchRemote(ctx context.Context, key string) ([]cdf.AssetMapping, bool) {
	if c.remote == nil {
		return nil, false
	}

	_, bufs, _ := c.remote.Fetch(ctx, []string{remoteKeyPrefix + key})
	if len(bufs) == 0 {
		return nil, false
	}

	mappings, err := c.codec.Decode(bufs[0])
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to decode cached asset mappings", "model", key, "err", err)
		return nil, false
	}
	return mappings, true
}

func (c *AssetMappingPerModelCache) storeRemote(ctx context.Context, key string, mappings []cdf.AssetMapping) {
	if c.remote == nil {
		return
	}

	b, err := c.codec.Encode(mappings)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to encode asset mappings", "model", key, "err", err)
		return
	}
	c.remote.Store(ctx, []string{remoteKeyPrefix + key}, [][]byte{b})
}
