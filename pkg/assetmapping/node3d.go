// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"context"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

// Node3DPerNodeIDCache holds node metadata keyed by ModelNodeIDKey. A node the
// API does not know about is cached as nil. Failed fetches are not cached.
type Node3DPerNodeIDCache struct {
	api     cdf.API
	items   *promise.Map[*cdf.Node3D]
	logger  log.Logger
	metrics *metrics
}

func newNode3DPerNodeIDCache(api cdf.API, logger log.Logger, m *metrics) *Node3DPerNodeIDCache {
	return &Node3DPerNodeIDCache{
		api:     api,
		items:   promise.NewMap[*cdf.Node3D](),
		logger:  logger,
		metrics: m,
	}
}

// GetNodesForNodeIDs returns the nodes in the order of nodeIDs, skipping unknown ones.
// Only the IDs not cached yet are fetched, at most cdf.MaxItemsPerRequest per request.
func (c *Node3DPerNodeIDCache) GetNodesForNodeIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) ([]cdf.Node3D, error) {
	pending := make(map[cdf.NodeID]*promise.Promise[*cdf.Node3D], len(nodeIDs))
	var (
		missing []cdf.NodeID
		created []*promise.Promise[*cdf.Node3D]
	)
	for _, id := range nodeIDs {
		if _, ok := pending[id]; ok {
			continue
		}
		p, stored := c.items.SetIfAbsent(ModelNodeIDKey(modelID, revisionID, id), promise.New[*cdf.Node3D]())
		pending[id] = p
		if stored {
			missing = append(missing, id)
			created = append(created, p)
		}
	}
	c.metrics.lookup(cacheNode3D, len(pending), len(pending)-len(missing))

	if len(missing) > 0 {
		go c.fetch(context.WithoutCancel(ctx), modelID, revisionID, missing, created)
	}

	nodes := make([]cdf.Node3D, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		node, err := pending[id].Wait(ctx)
		if err != nil {
			return nil, err
		}
		if node != nil {
			nodes = append(nodes, *node)
		}
	}
	return nodes, nil
}

// fetch settles the promises published for ids. On failure the promises are
// rejected and removed, so a later call fetches them again.
func (c *Node3DPerNodeIDCache) fetch(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ids []cdf.NodeID, promises []*promise.Promise[*cdf.Node3D]) {
	byID := make(map[cdf.NodeID]cdf.Node3D, len(ids))

	var err error
	for chunk := range slices.Chunk(ids, cdf.MaxItemsPerRequest) {
		var nodes []cdf.Node3D
		nodes, err = c.api.FetchNodes(ctx, modelID, revisionID, chunk)
		c.metrics.fetch(cacheNode3D, err)
		if err != nil {
			err = errors.Wrapf(err, "fetching nodes of model %s", ModelRevisionKey(modelID, revisionID))
			break
		}
		for _, n := range nodes {
			byID[n.ID] = n
		}
	}

	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to fetch nodes", "nodes", len(ids), "err", err)
		for i, id := range ids {
			c.items.CompareAndDelete(ModelNodeIDKey(modelID, revisionID, id), promises[i])
			promises[i].Reject(err)
		}
		return
	}

	for i, id := range ids {
		if n, ok := byID[id]; ok {
			promises[i].Resolve(&n)
		} else {
			promises[i].Resolve(nil)
		}
	}
}

// GenerateNode3DCachePerItem fetches and caches the given nodes.
func (c *Node3DPerNodeIDCache) GenerateNode3DCachePerItem(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) error {
	_, err := c.GetNodesForNodeIDs(ctx, modelID, revisionID, nodeIDs)
	return err
}

// SetNodes caches nodes the caller already has, replacing existing entries.
func (c *Node3DPerNodeIDCache) SetNodes(modelID cdf.ModelID, revisionID cdf.RevisionID, nodes []cdf.Node3D) {
	for _, n := range nodes {
		c.items.Set(ModelNodeIDKey(modelID, revisionID, n.ID), promise.Resolved(&n))
	}
}
