// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"context"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/storage/remotecache"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

type filterType int

const (
	filterNodeIDs filterType = iota
	filterAssetIDs
)

// id returns the ID of m the filter selects on.
func (f filterType) id(m cdf.AssetMapping) int64 {
	if f == filterNodeIDs {
		return m.NodeID
	}
	return m.AssetID
}

func (f filterType) other() filterType {
	if f == filterNodeIDs {
		return filterAssetIDs
	}
	return filterNodeIDs
}

func (f filterType) String() string {
	if f == filterNodeIDs {
		return "nodeIds"
	}
	return "assetIds"
}

// NodeAssetMappingResult is the lowest mapped ancestor of a node and its mappings.
// Node is nil when no ancestor has a mapping.
type NodeAssetMappingResult struct {
	Node     *cdf.Node3D        `json:"node,omitempty"`
	Mappings []cdf.AssetMapping `json:"mappings"`
}

// Cache resolves asset mappings and nodes, fetching only what its leaf caches
// are missing and populating them with everything it fetches.
type Cache struct {
	cfg    Config
	api    cdf.API
	logger log.Logger

	perModel   *AssetMappingPerModelCache
	perAssetID *AssetMappingPerAssetIDCache
	perNodeID  *AssetMappingPerNodeIDCache
	nodes      *Node3DPerNodeIDCache

	metrics *metrics
}

// New creates a Cache. remote may be nil.
func New(cfg Config, api cdf.API, remote remotecache.Cache, logger log.Logger, reg prometheus.Registerer) *Cache {
	m := newMetrics(reg)
	return &Cache{
		cfg:        cfg,
		api:        api,
		logger:     logger,
		perModel:   newAssetMappingPerModelCache(api, cfg.ModelMappingsPageSize, remote, logger, m),
		perAssetID: NewAssetMappingPerAssetIDCache(),
		perNodeID:  NewAssetMappingPerNodeIDCache(),
		nodes:      newNode3DPerNodeIDCache(api, logger, m),
		metrics:    m,
	}
}

// GetAssetMappingsForModel returns every mapping of the revision.
func (c *Cache) GetAssetMappingsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) ([]cdf.AssetMapping, error) {
	if p := c.perModel.Get(ModelRevisionKey(modelID, revisionID)); p != nil {
		c.metrics.lookup(cachePerModel, 1, 1)
		return p.Wait(ctx)
	}
	return c.perModel.FetchAndCacheMappingsForModel(ctx, modelID, revisionID)
}

// GetNodesForAssetIDs returns the nodes mapped to each of the given assets.
// Assets without nodes are absent from the result.
func (c *Cache) GetNodesForAssetIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, assetIDs []cdf.AssetID) (map[cdf.AssetID][]cdf.Node3D, error) {
	requested := dedupe(assetIDs)
	if len(requested) == 0 {
		return map[cdf.AssetID][]cdf.Node3D{}, nil
	}

	chunkSize := (len(requested) + c.cfg.AssetIDChunks - 1) / c.cfg.AssetIDChunks
	chunks := slices.Collect(slices.Chunk(requested, chunkSize))
	results := make([][]cdf.AssetMapping, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			mappings, err := c.GetAssetMappingsForAssetIDs(gctx, modelID, revisionID, chunk)
			results[i] = mappings
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	relevant := make(map[cdf.AssetID]struct{}, len(requested))
	for _, id := range requested {
		relevant[id] = struct{}{}
	}

	var mappings []cdf.AssetMapping
	for _, chunk := range results {
		for _, m := range chunk {
			if _, ok := relevant[m.AssetID]; ok {
				mappings = append(mappings, m)
			}
		}
	}

	nodeIDs := make([]cdf.NodeID, 0, len(mappings))
	for _, m := range mappings {
		nodeIDs = append(nodeIDs, m.NodeID)
	}
	nodes, err := c.nodes.GetNodesForNodeIDs(ctx, modelID, revisionID, nodeIDs)
	if err != nil {
		return nil, err
	}
	return groupNodes(mappings, nodes, func(m cdf.AssetMapping) cdf.AssetID { return m.AssetID }), nil
}

// GetNodesForInstanceIDs returns the nodes mapped to each of the given
// data-model instances through hybrid mappings. The lookup goes through the
// model-wide mapping list because mappings cannot be filtered by instance.
func (c *Cache) GetNodesForInstanceIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, instanceIDs []cdf.InstanceID) (map[cdf.InstanceID][]cdf.Node3D, error) {
	relevant := make(map[string]struct{}, len(instanceIDs))
	for _, id := range instanceIDs {
		relevant[ModelInstanceKey(modelID, revisionID, id)] = struct{}{}
	}
	if len(relevant) == 0 {
		return map[cdf.InstanceID][]cdf.Node3D{}, nil
	}

	all, err := c.GetAssetMappingsForModel(ctx, modelID, revisionID)
	if err != nil {
		return nil, err
	}

	var (
		mappings []cdf.AssetMapping
		nodeIDs  []cdf.NodeID
	)
	for _, m := range all {
		if m.AssetInstanceID == nil {
			continue
		}
		if _, ok := relevant[ModelInstanceKey(modelID, revisionID, *m.AssetInstanceID)]; ok {
			mappings = append(mappings, m)
			nodeIDs = append(nodeIDs, m.NodeID)
		}
	}

	nodes, err := c.nodes.GetNodesForNodeIDs(ctx, modelID, revisionID, nodeIDs)
	if err != nil {
		return nil, err
	}
	return groupNodes(mappings, nodes, func(m cdf.AssetMapping) cdf.InstanceID { return *m.AssetInstanceID }), nil
}

func groupNodes[K comparable](mappings []cdf.AssetMapping, nodes []cdf.Node3D, keyOf func(cdf.AssetMapping) K) map[K][]cdf.Node3D {
	byID := make(map[cdf.NodeID]cdf.Node3D, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	grouped := make(map[K][]cdf.Node3D)
	for _, m := range mappings {
		if n, ok := byID[m.NodeID]; ok {
			grouped[keyOf(m)] = append(grouped[keyOf(m)], n)
		}
	}
	return grouped
}

// GetAssetMappingsForLowestAncestor returns the mappings of the ancestor with
// the highest tree index among those that have any mapping.
func (c *Cache) GetAssetMappingsForLowestAncestor(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ancestors []cdf.Node3D) (NodeAssetMappingResult, error) {
	empty := NodeAssetMappingResult{Mappings: []cdf.AssetMapping{}}
	if len(ancestors) == 0 {
		return empty, nil
	}

	treeIndices := make(map[cdf.TreeIndex]struct{}, len(ancestors))
	nodeIDs := make([]cdf.NodeID, 0, len(ancestors))
	for _, a := range ancestors {
		treeIndices[a.TreeIndex] = struct{}{}
		nodeIDs = append(nodeIDs, a.ID)
	}

	all, err := c.GetAssetMappingsForNodes(ctx, modelID, revisionID, nodeIDs)
	if err != nil {
		return NodeAssetMappingResult{}, err
	}

	var (
		found    bool
		maxIndex cdf.TreeIndex
	)
	for _, m := range all {
		if _, ok := treeIndices[m.TreeIndex]; !ok {
			continue
		}
		if !found || m.TreeIndex > maxIndex {
			found, maxIndex = true, m.TreeIndex
		}
	}
	if !found {
		return empty, nil
	}

	result := NodeAssetMappingResult{Mappings: []cdf.AssetMapping{}}
	for _, m := range all {
		if m.TreeIndex == maxIndex {
			result.Mappings = append(result.Mappings, m)
		}
	}
	for i := range ancestors {
		if ancestors[i].TreeIndex == maxIndex {
			node := ancestors[i]
			result.Node = &node
			break
		}
	}
	return result, nil
}

// GetAssetMappingsForNodes returns the mappings of the given nodes, fetching
// only nodes not cached yet.
func (c *Cache) GetAssetMappingsForNodes(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) ([]cdf.AssetMapping, error) {
	return c.getAssetMappingsForIDs(ctx, modelID, revisionID, nodeIDs, filterNodeIDs)
}

// GetAssetMappingsForAssetIDs returns the mappings of the given assets, fetching
// only assets not cached yet.
func (c *Cache) GetAssetMappingsForAssetIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, assetIDs []cdf.AssetID) ([]cdf.AssetMapping, error) {
	return c.getAssetMappingsForIDs(ctx, modelID, revisionID, assetIDs, filterAssetIDs)
}

func (c *Cache) getAssetMappingsForIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ids []int64, filter filterType) ([]cdf.AssetMapping, error) {
	inCache, notInCache := c.splitChunkInCacheAssetMappings(modelID, revisionID, ids, filter)
	fetching, written := c.fetchAndCacheMappingsForIDs(ctx, modelID, revisionID, notInCache, filter)

	var mappings []cdf.AssetMapping
	for _, p := range append(inCache, fetching...) {
		m, err := p.Wait(ctx)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m...)
	}

	// Return once everything fetched on behalf of this call is cached under both keys.
	select {
	case <-written:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return mappings, nil
}

func (c *Cache) leafCache(filter filterType) perItemCache {
	if filter == filterNodeIDs {
		return c.perNodeID.perItemCache
	}
	return c.perAssetID.perItemCache
}

func leafMetricsName(filter filterType) string {
	if filter == filterNodeIDs {
		return cachePerNodeID
	}
	return cachePerAssetID
}

// splitChunkInCacheAssetMappings partitions ids by whether their entry in the
// leaf cache exists. Each ID is checked on its own: the entries of cached IDs,
// settled or still being fetched, are returned in order, the other IDs are
// returned in notInCache.
func (c *Cache) splitChunkInCacheAssetMappings(modelID cdf.ModelID, revisionID cdf.RevisionID, ids []int64, filter filterType) (inCache []*promise.Promise[[]cdf.AssetMapping], notInCache []int64) {
	leaf := c.leafCache(filter)
	ids = dedupe(ids)

	for _, id := range ids {
		if p := leaf.Get(modelIDKey(modelID, revisionID, id)); p != nil {
			inCache = append(inCache, p)
			continue
		}
		notInCache = append(notInCache, id)
	}

	c.metrics.lookup(leafMetricsName(filter), len(ids), len(ids)-len(notInCache))
	return inCache, notInCache
}

// fetchAndCacheMappingsForIDs publishes a pending entry for every ID of ids
// before fetching, so concurrent callers asking for any of them wait for this
// fetch instead of issuing their own. An ID published by someone else since
// the split is not fetched again, its entry is returned instead. The fetch runs
// detached from ctx. written is closed once the fetch has cached everything it
// got.
func (c *Cache) fetchAndCacheMappingsForIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ids []int64, filter filterType) (entries []*promise.Promise[[]cdf.AssetMapping], written <-chan struct{}) {
	done := make(chan struct{})
	if len(ids) == 0 {
		close(done)
		return nil, done
	}

	leaf := c.leafCache(filter)
	entries = make([]*promise.Promise[[]cdf.AssetMapping], 0, len(ids))
	var (
		owned   []int64
		created []*promise.Promise[[]cdf.AssetMapping]
	)
	for _, id := range ids {
		p, stored := leaf.items.SetIfAbsent(modelIDKey(modelID, revisionID, id), promise.New[[]cdf.AssetMapping]())
		entries = append(entries, p)
		if stored {
			owned = append(owned, id)
			created = append(created, p)
		}
	}

	if len(owned) == 0 {
		close(done)
		return entries, done
	}

	go func() {
		defer close(done)
		c.fetchAssetMappings(context.WithoutCancel(ctx), modelID, revisionID, owned, created, filter)
	}()
	return entries, done
}

// fetchAssetMappings settles the promises published for ids, fetching them in
// sequential chunks. IDs without any mapping resolve to an empty list. When a
// chunk fails, the promises of that chunk and of the following ones are removed
// and rejected, so a later call fetches them again.
//
// Appending to other keys waits for the entries already stored there, which may
// be pending on another fetch. It therefore only happens once every promise of
// this fetch is settled.
func (c *Cache) fetchAssetMappings(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ids []int64, promises []*promise.Promise[[]cdf.AssetMapping], filter filterType) {
	leaf := c.leafCache(filter)
	var fetched, outside []cdf.AssetMapping

	for start := 0; start < len(ids); start += cdf.MaxItemsPerRequest {
		end := min(start+cdf.MaxItemsPerRequest, len(ids))

		mappings, err := c.fetchAssetMappingsRequest(ctx, modelID, revisionID, ids[start:end], filter)
		if err != nil {
			level.Warn(c.logger).Log("msg", "failed to fetch asset mappings", "model", ModelRevisionKey(modelID, revisionID), "filter", filter, "ids", len(ids)-start, "err", err)
			for i := start; i < len(ids); i++ {
				leaf.items.CompareAndDelete(modelIDKey(modelID, revisionID, ids[i]), promises[i])
				promises[i].Reject(err)
			}
			break
		}

		byID := make(map[int64][]cdf.AssetMapping, end-start)
		for _, m := range mappings {
			id := filter.id(m)
			if !slices.ContainsFunc(byID[id], m.Equal) {
				byID[id] = append(byID[id], m)
			}
		}
		for i := start; i < end; i++ {
			found := byID[ids[i]]
			if found == nil {
				found = []cdf.AssetMapping{}
			}
			promises[i].Resolve(found)
			delete(byID, ids[i])
		}

		for _, extra := range byID {
			outside = append(outside, extra...)
		}
		fetched = append(fetched, mappings...)
	}

	// Mappings of IDs outside the requested chunks are cached like any other.
	for _, m := range outside {
		leaf.appendAsync(modelIDKey(modelID, revisionID, filter.id(m)), m)
	}
	other := c.leafCache(filter.other())
	for _, m := range fetched {
		other.appendAsync(modelIDKey(modelID, revisionID, filter.other().id(m)), m)
	}
}

// fetchAssetMappingsRequest fetches the valid mappings of one chunk.
func (c *Cache) fetchAssetMappingsRequest(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ids []int64, filter filterType) ([]cdf.AssetMapping, error) {
	var f cdf.AssetMappingsFilter
	if filter == filterNodeIDs {
		f.NodeIDs = ids
	} else {
		f.AssetIDs = ids
	}

	raw, err := c.api.FetchAssetMappings(ctx, modelID, revisionID, f, cdf.MaxItemsPerRequest)
	c.metrics.fetch(leafMetricsName(filter), err)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching asset mappings of model %s by %s", ModelRevisionKey(modelID, revisionID), filter)
	}

	mappings := cdf.ValidAssetMappings(raw)
	if dropped := len(raw) - len(mappings); dropped > 0 {
		level.Debug(c.logger).Log("msg", "dropped invalid asset mappings", "model", ModelRevisionKey(modelID, revisionID), "dropped", dropped)
	}
	return mappings, nil
}

// GenerateNode3DCachePerItem fetches and caches the given nodes.
func (c *Cache) GenerateNode3DCachePerItem(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return c.nodes.GenerateNode3DCachePerItem(ctx, modelID, revisionID, nodeIDs)
}

// SetNodes caches nodes the caller already has.
func (c *Cache) SetNodes(modelID cdf.ModelID, revisionID cdf.RevisionID, nodes []cdf.Node3D) {
	c.nodes.SetNodes(modelID, revisionID, nodes)
}

// GenerateAssetMappingsCachePerItemFromModelCache populates the asset and node
// keyed caches from mappings the caller already has, without any request.
func (c *Cache) GenerateAssetMappingsCachePerItemFromModelCache(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, mappings []cdf.AssetMapping) error {
	writes := make([]*promise.Promise[[]cdf.AssetMapping], 0, 2*len(mappings))
	for _, m := range mappings {
		writes = append(writes,
			c.perAssetID.appendAsync(ModelAssetIDKey(modelID, revisionID, m.AssetID), m),
			c.perNodeID.appendAsync(ModelNodeIDKey(modelID, revisionID, m.NodeID), m),
		)
	}
	for _, w := range writes {
		if _, err := w.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AssetMappingPerNodeIDCache returns the node keyed leaf cache.
func (c *Cache) AssetMappingPerNodeIDCache() *AssetMappingPerNodeIDCache { return c.perNodeID }

// AssetMappingPerAssetIDCache returns the asset keyed leaf cache.
func (c *Cache) AssetMappingPerAssetIDCache() *AssetMappingPerAssetIDCache { return c.perAssetID }

// Node3DPerNodeIDCache returns the node metadata cache.
func (c *Cache) Node3DPerNodeIDCache() *Node3DPerNodeIDCache { return c.nodes }

func dedupe[T comparable](ids []T) []T {
	seen := make(map[T]struct{}, len(ids))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
