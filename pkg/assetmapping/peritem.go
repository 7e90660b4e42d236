// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"context"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

// perItemCache holds the mappings of single nodes or assets. A miss returns nil,
// while an item known to have no mappings holds a resolved empty list.
type perItemCache struct {
	items *promise.Map[[]cdf.AssetMapping]
}

func newPerItemCache() perItemCache {
	return perItemCache{items: promise.NewMap[[]cdf.AssetMapping]()}
}

// Get returns the mappings promise stored under key, or nil on a miss.
func (c perItemCache) Get(key string) *promise.Promise[[]cdf.AssetMapping] {
	return c.items.Get(key)
}

func (c perItemCache) Set(key string, p *promise.Promise[[]cdf.AssetMapping]) {
	c.items.Set(key, p)
}

// setIfAbsent stores a resolved list under key unless the key is already populated.
func (c perItemCache) setIfAbsent(key string, mappings []cdf.AssetMapping) {
	c.items.SetIfAbsent(key, promise.Resolved(mappings))
}

// Append adds mapping to the list stored under key and waits for the write.
// Writes to the same key are applied in call order and exact duplicates are skipped.
func (c perItemCache) Append(ctx context.Context, key string, mapping cdf.AssetMapping) error {
	_, err := c.appendAsync(key, mapping).Wait(ctx)
	return err
}

func (c perItemCache) appendAsync(key string, mapping cdf.AssetMapping) *promise.Promise[[]cdf.AssetMapping] {
	return promise.Append(c.items, key, mapping, cdf.AssetMapping.Equal)
}

// Len returns the number of populated keys.
func (c perItemCache) Len() int {
	return c.items.Len()
}

// AssetMappingPerNodeIDCache holds mappings keyed by ModelNodeIDKey.
type AssetMappingPerNodeIDCache struct {
	perItemCache
}

func NewAssetMappingPerNodeIDCache() *AssetMappingPerNodeIDCache {
	return &AssetMappingPerNodeIDCache{perItemCache: newPerItemCache()}
}

// AssetMappingPerAssetIDCache holds mappings keyed by ModelAssetIDKey.
type AssetMappingPerAssetIDCache struct {
	perItemCache
}

func NewAssetMappingPerAssetIDCache() *AssetMappingPerAssetIDCache {
	return &AssetMappingPerAssetIDCache{perItemCache: newPerItemCache()}
}
