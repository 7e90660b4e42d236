// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"cmp"
	"context"
	"slices"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

const maxConcurrentRevisionFetches = 4

// FdmConnection links a data-model instance to a CAD node it is mapped to
// through a hybrid asset mapping.
type FdmConnection struct {
	Instance cdf.InstanceID `json:"instance"`
	Node     cdf.Node3D     `json:"node"`
}

// InstanceNodes lists the CAD nodes connected to one instance.
type InstanceNodes struct {
	InstanceID cdf.InstanceID `json:"instanceId"`
	Nodes      []cdf.Node3D   `json:"nodes"`
}

// ModelFdmMappings holds, for one model revision, the nodes of every
// requested instance that has any.
type ModelFdmMappings struct {
	ModelID    cdf.ModelID     `json:"modelId"`
	RevisionID cdf.RevisionID  `json:"revisionId"`
	Mappings   []InstanceNodes `json:"mappings"`
}

// RevisionFdmConnections holds every connection of one model revision.
type RevisionFdmConnections struct {
	ModelID     cdf.ModelID     `json:"modelId"`
	RevisionID  cdf.RevisionID  `json:"revisionId"`
	Connections []FdmConnection `json:"connections"`
}

// FdmParentData is the closest ancestor of a node, the node itself included,
// that is connected to data-model instances. Node is nil when no ancestor is.
type FdmParentData struct {
	Node      *cdf.Node3D      `json:"node,omitempty"`
	Instances []cdf.InstanceID `json:"instances"`
}

// FdmNodeCache connects data-model instances and CAD nodes. Connections are
// loaded once per model revision; closest-parent lookups are cached per tree
// index and reuse a loaded revision when there is one.
type FdmNodeCache struct {
	mappings *Cache
	api      cdf.API
	logger   log.Logger

	revisions *promise.Map[[]FdmConnection]
	parents   *promise.Map[FdmParentData]
}

func NewFdmNodeCache(mappings *Cache, api cdf.API, logger log.Logger) *FdmNodeCache {
	return &FdmNodeCache{
		mappings:  mappings,
		api:       api,
		logger:    logger,
		revisions: promise.NewMap[[]FdmConnection](),
		parents:   promise.NewMap[FdmParentData](),
	}
}

// GetMappingsForFdmInstances returns, for each revision in order, the nodes of
// the given instances. Instances without nodes are left out.
func (c *FdmNodeCache) GetMappingsForFdmInstances(ctx context.Context, instances []cdf.InstanceID, revisions []cdf.ModelRevision) ([]ModelFdmMappings, error) {
	instances = dedupe(instances)
	result := make([]ModelFdmMappings, len(revisions))
	for i, rev := range revisions {
		result[i] = ModelFdmMappings{ModelID: rev.ModelID, RevisionID: rev.RevisionID, Mappings: []InstanceNodes{}}
	}
	if len(instances) == 0 {
		return result, nil
	}

	wanted := make(map[cdf.InstanceID]struct{}, len(instances))
	for _, id := range instances {
		wanted[id] = struct{}{}
	}

	err := concurrency.ForEachJob(ctx, len(revisions), maxConcurrentRevisionFetches, func(ctx context.Context, idx int) error {
		conns, err := c.revisionConnections(ctx, revisions[idx])
		if err != nil {
			return err
		}

		byInstance := make(map[cdf.InstanceID][]cdf.Node3D)
		for _, conn := range conns {
			if _, ok := wanted[conn.Instance]; ok {
				byInstance[conn.Instance] = append(byInstance[conn.Instance], conn.Node)
			}
		}
		for _, id := range instances {
			if nodes := byInstance[id]; len(nodes) > 0 {
				result[idx].Mappings = append(result[idx].Mappings, InstanceNodes{InstanceID: id, Nodes: nodes})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAllMappingExternalIDs returns every connection of each revision, in
// revision order.
func (c *FdmNodeCache) GetAllMappingExternalIDs(ctx context.Context, revisions []cdf.ModelRevision) ([]RevisionFdmConnections, error) {
	result := make([]RevisionFdmConnections, len(revisions))
	err := concurrency.ForEachJob(ctx, len(revisions), maxConcurrentRevisionFetches, func(ctx context.Context, idx int) error {
		conns, err := c.revisionConnections(ctx, revisions[idx])
		if err != nil {
			return err
		}
		result[idx] = RevisionFdmConnections{
			ModelID:     revisions[idx].ModelID,
			RevisionID:  revisions[idx].RevisionID,
			Connections: slices.Clone(conns),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetClosestParentData returns the closest ancestor of the node at treeIndex
// connected to any instance.
func (c *FdmNodeCache) GetClosestParentData(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, treeIndex cdf.TreeIndex) (FdmParentData, error) {
	key := joinKey(ModelRevisionKey(modelID, revisionID), strconv.FormatInt(treeIndex, 10))
	p, _ := c.parents.GetOrCreate(ctx, key, func(ctx context.Context) (FdmParentData, error) {
		return c.fetchClosestParentData(ctx, modelID, revisionID, treeIndex)
	})
	return waitOrForget(ctx, c.parents, key, p)
}

func (c *FdmNodeCache) fetchClosestParentData(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, treeIndex cdf.TreeIndex) (FdmParentData, error) {
	ancestors, err := c.api.FetchAncestorNodesForTreeIndex(ctx, modelID, revisionID, treeIndex)
	if err != nil {
		return FdmParentData{}, errors.Wrapf(err, "fetching ancestors of tree index %d", treeIndex)
	}
	c.mappings.SetNodes(modelID, revisionID, ancestors)

	instancesByNode := make(map[cdf.NodeID][]cdf.InstanceID)
	if conns, ok := c.loadedRevision(modelID, revisionID); ok {
		for _, conn := range conns {
			instancesByNode[conn.Node.ID] = append(instancesByNode[conn.Node.ID], conn.Instance)
		}
	} else {
		nodeIDs := make([]cdf.NodeID, 0, len(ancestors))
		for _, a := range ancestors {
			nodeIDs = append(nodeIDs, a.ID)
		}
		mappings, err := c.mappings.GetAssetMappingsForNodes(ctx, modelID, revisionID, nodeIDs)
		if err != nil {
			return FdmParentData{}, err
		}
		for _, m := range mappings {
			if m.AssetInstanceID != nil {
				instancesByNode[m.NodeID] = append(instancesByNode[m.NodeID], *m.AssetInstanceID)
			}
		}
	}

	result := FdmParentData{Instances: []cdf.InstanceID{}}
	for i := range ancestors {
		instances := instancesByNode[ancestors[i].ID]
		if len(instances) == 0 {
			continue
		}
		if result.Node == nil || ancestors[i].TreeIndex > result.Node.TreeIndex {
			node := ancestors[i]
			result.Node = &node
			result.Instances = dedupe(instances)
		}
	}
	return result, nil
}

// loadedRevision returns the connections of a revision already loaded successfully.
func (c *FdmNodeCache) loadedRevision(modelID cdf.ModelID, revisionID cdf.RevisionID) ([]FdmConnection, bool) {
	p := c.revisions.Get(ModelRevisionKey(modelID, revisionID))
	if p == nil || !p.Settled() {
		return nil, false
	}
	conns, err := p.Wait(context.Background())
	return conns, err == nil
}

func (c *FdmNodeCache) revisionConnections(ctx context.Context, rev cdf.ModelRevision) ([]FdmConnection, error) {
	key := ModelRevisionKey(rev.ModelID, rev.RevisionID)
	p, _ := c.revisions.GetOrCreate(ctx, key, func(ctx context.Context) ([]FdmConnection, error) {
		return c.fetchRevisionConnections(ctx, rev)
	})
	return waitOrForget(ctx, c.revisions, key, p)
}

// fetchRevisionConnections goes through the model-wide mapping list because
// mappings cannot be filtered by instance. Connections are sorted by tree index.
func (c *FdmNodeCache) fetchRevisionConnections(ctx context.Context, rev cdf.ModelRevision) ([]FdmConnection, error) {
	all, err := c.mappings.GetAssetMappingsForModel(ctx, rev.ModelID, rev.RevisionID)
	if err != nil {
		return nil, err
	}

	var (
		hybrid  []cdf.AssetMapping
		nodeIDs []cdf.NodeID
	)
	for _, m := range all {
		if m.AssetInstanceID != nil {
			hybrid = append(hybrid, m)
			nodeIDs = append(nodeIDs, m.NodeID)
		}
	}

	nodes, err := c.mappings.nodes.GetNodesForNodeIDs(ctx, rev.ModelID, rev.RevisionID, dedupe(nodeIDs))
	if err != nil {
		return nil, err
	}
	byID := make(map[cdf.NodeID]cdf.Node3D, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	type connectionKey struct {
		instance cdf.InstanceID
		nodeID   cdf.NodeID
	}
	seen := make(map[connectionKey]struct{}, len(hybrid))
	conns := make([]FdmConnection, 0, len(hybrid))
	for _, m := range hybrid {
		n, ok := byID[m.NodeID]
		if !ok {
			continue
		}
		// A node mapped to the same instance through several assets is connected once.
		k := connectionKey{instance: *m.AssetInstanceID, nodeID: m.NodeID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		conns = append(conns, FdmConnection{Instance: *m.AssetInstanceID, Node: n})
	}
	slices.SortStableFunc(conns, func(a, b FdmConnection) int {
		return cmp.Compare(a.Node.TreeIndex, b.Node.TreeIndex)
	})

	level.Debug(c.logger).Log("msg", "loaded instance connections", "model", ModelRevisionKey(rev.ModelID, rev.RevisionID), "connections", len(conns))
	return conns, nil
}

// waitOrForget waits for p and removes it from m when it failed, so the next
// caller fetches again. A caller giving up leaves p in place.
func waitOrForget[T any](ctx context.Context, m *promise.Map[T], key string, p *promise.Promise[T]) (T, error) {
	v, err := p.Wait(ctx)
	if err != nil && ctx.Err() == nil {
		m.CompareAndDelete(key, p)
	}
	return v, err
}
