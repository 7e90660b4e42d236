// SPDX-License-Identifier: AGPL-3.0-only

// Package cdftest provides an in-memory cdf.API for tests.
package cdftest

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/atomic"

	"github.com/cognitedata/mapcache/pkg/cdf"
)

const (
	MethodAssetMappings         = "FetchAssetMappings"
	MethodAssetMappingsForModel = "FetchAssetMappingsForModel"
	MethodNodes                 = "FetchNodes"
	MethodAncestors             = "FetchAncestorNodesForTreeIndex"
	MethodNodeChildren          = "FetchNodeChildren"
	MethodPointCloudAnnotations = "FetchPointCloudAnnotations"
	MethodImage360Annotations   = "FetchImage360Annotations"
	MethodAssets                = "FetchAssets"
)

// API is a cdf.API serving fixed data. It counts calls per method and
// records the arguments of asset mapping and asset requests.
type API struct {
	mtx         sync.Mutex
	mappings    map[cdf.ModelRevision][]cdf.RawAssetMapping
	nodes       map[cdf.ModelRevision][]cdf.Node3D
	pointCloud  map[cdf.ModelRevision][]cdf.Annotation
	image360    map[string][]cdf.Annotation
	assets      []cdf.Asset
	errs        map[string]error
	gate        chan struct{}
	filters     []cdf.AssetMappingsFilter
	assetRefs   [][]cdf.InstanceRef
	nodeFetches [][]cdf.NodeID

	calls sync.Map // method -> *atomic.Int64
}

var _ cdf.API = (*API)(nil)

func NewAPI() *API {
	return &API{
		mappings:   map[cdf.ModelRevision][]cdf.RawAssetMapping{},
		nodes:      map[cdf.ModelRevision][]cdf.Node3D{},
		pointCloud: map[cdf.ModelRevision][]cdf.Annotation{},
		image360:   map[string][]cdf.Annotation{},
		errs:       map[string]error{},
	}
}

// Mapping builds a valid raw mapping.
func Mapping(nodeID cdf.NodeID, assetID cdf.AssetID, treeIndex cdf.TreeIndex, subtreeSize int64) cdf.RawAssetMapping {
	return cdf.RawAssetMapping{NodeID: &nodeID, AssetID: &assetID, TreeIndex: &treeIndex, SubtreeSize: &subtreeSize}
}

func (a *API) AddMappings(modelID cdf.ModelID, revisionID cdf.RevisionID, mappings ...cdf.RawAssetMapping) *API {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	key := cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}
	a.mappings[key] = append(a.mappings[key], mappings...)
	return a
}

func (a *API) AddNodes(modelID cdf.ModelID, revisionID cdf.RevisionID, nodes ...cdf.Node3D) *API {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	key := cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}
	a.nodes[key] = append(a.nodes[key], nodes...)
	return a
}

func (a *API) AddPointCloudAnnotations(modelID cdf.ModelID, revisionID cdf.RevisionID, annotations ...cdf.Annotation) *API {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	key := cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}
	a.pointCloud[key] = append(a.pointCloud[key], annotations...)
	return a
}

func (a *API) AddImage360Annotations(siteID string, annotations ...cdf.Annotation) *API {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.image360[siteID] = append(a.image360[siteID], annotations...)
	return a
}

func (a *API) AddAssets(assets ...cdf.Asset) *API {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.assets = append(a.assets, assets...)
	return a
}

// SetError makes every following call to method fail with err. A nil err clears it.
func (a *API) SetError(method string, err error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if err == nil {
		delete(a.errs, method)
		return
	}
	a.errs[method] = err
}

// Block makes every following call wait until the returned function is called.
func (a *API) Block() (release func()) {
	gate := make(chan struct{})
	a.mtx.Lock()
	a.gate = gate
	a.mtx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mtx.Lock()
			if a.gate == gate {
				a.gate = nil
			}
			a.mtx.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times method was called.
func (a *API) Calls(method string) int64 {
	return a.counter(method).Load()
}

// MappingFilters returns the filters of every FetchAssetMappings call, in call order.
func (a *API) MappingFilters() []cdf.AssetMappingsFilter {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return slices.Clone(a.filters)
}

// AssetRequests returns the refs of every FetchAssets call, in call order.
func (a *API) AssetRequests() [][]cdf.InstanceRef {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return slices.Clone(a.assetRefs)
}

// NodeRequests returns the IDs of every FetchNodes call, in call order.
func (a *API) NodeRequests() [][]cdf.NodeID {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return slices.Clone(a.nodeFetches)
}

func (a *API) counter(method string) *atomic.Int64 {
	c, _ := a.calls.LoadOrStore(method, atomic.NewInt64(0))
	return c.(*atomic.Int64)
}

func (a *API) enter(ctx context.Context, method string) error {
	a.counter(method).Inc()

	a.mtx.Lock()
	gate := a.gate
	a.mtx.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.errs[method]
}

func (a *API) FetchAssetMappings(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, filter cdf.AssetMappingsFilter, _ int) ([]cdf.RawAssetMapping, error) {
	a.mtx.Lock()
	a.filters = append(a.filters, cdf.AssetMappingsFilter{
		NodeIDs:  slices.Clone(filter.NodeIDs),
		AssetIDs: slices.Clone(filter.AssetIDs),
	})
	a.mtx.Unlock()

	if err := a.enter(ctx, MethodAssetMappings); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	var res []cdf.RawAssetMapping
	for _, m := range a.mappings[cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}] {
		switch {
		case len(filter.NodeIDs) > 0 && m.NodeID != nil && slices.Contains(filter.NodeIDs, *m.NodeID):
			res = append(res, m)
		case len(filter.AssetIDs) > 0 && m.AssetID != nil && slices.Contains(filter.AssetIDs, *m.AssetID):
			res = append(res, m)
		}
	}
	return res, nil
}

func (a *API) FetchAssetMappingsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, _ int) ([]cdf.RawAssetMapping, error) {
	if err := a.enter(ctx, MethodAssetMappingsForModel); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	return slices.Clone(a.mappings[cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}]), nil
}

func (a *API) FetchNodes(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) ([]cdf.Node3D, error) {
	a.mtx.Lock()
	a.nodeFetches = append(a.nodeFetches, slices.Clone(nodeIDs))
	a.mtx.Unlock()

	if err := a.enter(ctx, MethodNodes); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	var res []cdf.Node3D
	for _, n := range a.nodes[cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}] {
		if slices.Contains(nodeIDs, n.ID) {
			res = append(res, n)
		}
	}
	return res, nil
}

// FetchAncestorNodesForTreeIndex returns the chain from the root down to the node.
func (a *API) FetchAncestorNodesForTreeIndex(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, treeIndex cdf.TreeIndex) ([]cdf.Node3D, error) {
	if err := a.enter(ctx, MethodAncestors); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	nodes := a.nodes[cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}]
	byID := make(map[cdf.NodeID]cdf.Node3D, len(nodes))
	var current *cdf.Node3D
	for i, n := range nodes {
		byID[n.ID] = n
		if n.TreeIndex == treeIndex {
			current = &nodes[i]
		}
	}
	if current == nil {
		return nil, nil
	}

	chain := []cdf.Node3D{*current}
	for n := *current; n.ParentID != 0; {
		parent, ok := byID[n.ParentID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		n = parent
	}
	slices.Reverse(chain)
	return chain, nil
}

// FetchNodeChildren pages through the children ordered by tree index. The cursor is the offset of the next page.
func (a *API) FetchNodeChildren(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, parentID cdf.NodeID, cursor string, limit int) ([]cdf.Node3D, string, error) {
	if err := a.enter(ctx, MethodNodeChildren); err != nil {
		return nil, "", err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	var children []cdf.Node3D
	for _, n := range a.nodes[cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}] {
		if n.ParentID == parentID && n.ID != parentID {
			children = append(children, n)
		}
	}
	slices.SortFunc(children, func(x, y cdf.Node3D) int { return int(x.TreeIndex - y.TreeIndex) })

	offset := 0
	if cursor != "" {
		var err error
		if offset, err = strconv.Atoi(cursor); err != nil {
			return nil, "", err
		}
	}
	if offset >= len(children) {
		return nil, "", nil
	}
	end := min(offset+limit, len(children))
	next := ""
	if end < len(children) {
		next = strconv.Itoa(end)
	}
	return slices.Clone(children[offset:end]), next, nil
}

func (a *API) FetchPointCloudAnnotations(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) ([]cdf.Annotation, error) {
	if err := a.enter(ctx, MethodPointCloudAnnotations); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	return slices.Clone(a.pointCloud[cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID}]), nil
}

func (a *API) FetchImage360Annotations(ctx context.Context, siteIDs []string) ([]cdf.Annotation, error) {
	if err := a.enter(ctx, MethodImage360Annotations); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	var res []cdf.Annotation
	for _, site := range siteIDs {
		res = append(res, a.image360[site]...)
	}
	return res, nil
}

func (a *API) FetchAssets(ctx context.Context, refs []cdf.InstanceRef) ([]cdf.Asset, error) {
	a.mtx.Lock()
	a.assetRefs = append(a.assetRefs, slices.Clone(refs))
	a.mtx.Unlock()

	if err := a.enter(ctx, MethodAssets); err != nil {
		return nil, err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	var res []cdf.Asset
	for _, asset := range a.assets {
		for _, ref := range refs {
			if asset.Matches(ref) {
				res = append(res, asset)
				break
			}
		}
	}
	return res, nil
}
