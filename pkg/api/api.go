// SPDX-License-Identifier: AGPL-3.0-only

// Package api exposes the asset mapping and annotation caches over HTTP.
package api

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/assetmapping"
	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/treeview"
)

const maxRequestBodySize = 10 << 20

// AssetMappings is the part of assetmapping.Cache served by the API.
type AssetMappings interface {
	GetAssetMappingsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) ([]cdf.AssetMapping, error)
	GetAssetMappingsForNodes(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) ([]cdf.AssetMapping, error)
	GetAssetMappingsForAssetIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, assetIDs []cdf.AssetID) ([]cdf.AssetMapping, error)
	GetNodesForAssetIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, assetIDs []cdf.AssetID) (map[cdf.AssetID][]cdf.Node3D, error)
	GetNodesForInstanceIDs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, instanceIDs []cdf.InstanceID) (map[cdf.InstanceID][]cdf.Node3D, error)
	GetAssetMappingsForLowestAncestor(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ancestors []cdf.Node3D) (assetmapping.NodeAssetMappingResult, error)
	GenerateNode3DCachePerItem(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, nodeIDs []cdf.NodeID) error
	SetNodes(modelID cdf.ModelID, revisionID cdf.RevisionID, nodes []cdf.Node3D)
}

type PointCloudAnnotations interface {
	GetPointCloudAnnotationMappingsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) (map[int64][]cdf.Asset, error)
}

// FdmNodes connects data-model instances and CAD nodes.
type FdmNodes interface {
	GetMappingsForFdmInstances(ctx context.Context, instances []cdf.InstanceID, revisions []cdf.ModelRevision) ([]assetmapping.ModelFdmMappings, error)
	GetAllMappingExternalIDs(ctx context.Context, revisions []cdf.ModelRevision) ([]assetmapping.RevisionFdmConnections, error)
	GetClosestParentData(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, treeIndex cdf.TreeIndex) (assetmapping.FdmParentData, error)
}

type Image360Annotations interface {
	GetImage360AnnotationMappings(ctx context.Context, siteIDs []string, refs []cdf.InstanceRef) (map[int64][]cdf.Asset, error)
}

// Config holds the dependencies of the API.
type Config struct {
	AssetMappings         AssetMappings
	PointCloudAnnotations PointCloudAnnotations
	Image360Annotations   Image360Annotations
	FdmNodes              FdmNodes
	// Nodes serves the ancestor chains and node children the cache does not hold.
	Nodes cdf.API
	// TreePageSize is the number of children loaded per page by the tree endpoint.
	TreePageSize int
}

type API struct {
	cfg    Config
	logger log.Logger
}

func New(cfg Config, logger log.Logger) *API {
	return &API{cfg: cfg, logger: logger}
}

const revisionPrefix = "/api/v1/models/{model}/revisions/{revision}"

// RegisterRoutes adds every endpoint of the API to r.
func (a *API) RegisterRoutes(r *mux.Router) {
	a.registerRoute(r, revisionPrefix+"/mappings", a.modelMappingsHandler, http.MethodGet)
	a.registerRoute(r, revisionPrefix+"/mappings/nodes", a.nodeMappingsHandler, http.MethodPost)
	a.registerRoute(r, revisionPrefix+"/mappings/assets", a.assetMappingsHandler, http.MethodPost)
	a.registerRoute(r, revisionPrefix+"/nodes-for-assets", a.nodesForAssetsHandler, http.MethodPost)
	a.registerRoute(r, revisionPrefix+"/nodes-for-instances", a.nodesForInstancesHandler, http.MethodPost)
	a.registerRoute(r, revisionPrefix+"/lowest-mapped-ancestor", a.lowestMappedAncestorHandler, http.MethodGet)
	a.registerRoute(r, revisionPrefix+"/warm", a.warmHandler, http.MethodPost)
	a.registerRoute(r, revisionPrefix+"/tree", a.treeHandler, http.MethodGet)
	a.registerRoute(r, revisionPrefix+"/pointcloud/annotations", a.pointCloudAnnotationsHandler, http.MethodGet)
	a.registerRoute(r, revisionPrefix+"/fdm/closest-parent", a.fdmClosestParentHandler, http.MethodGet)
	a.registerRoute(r, "/api/v1/fdm/mappings", a.fdmMappingsHandler, http.MethodPost)
	a.registerRoute(r, "/api/v1/fdm/connections", a.fdmConnectionsHandler, http.MethodPost)
	a.registerRoute(r, "/api/v1/image360/annotations", a.image360AnnotationsHandler, http.MethodPost)
}

// registerRoute adds the full path to the root router, so a request with an
// unsupported method is answered with 405 rather than 404.
func (a *API) registerRoute(r *mux.Router, path string, handler http.HandlerFunc, methods ...string) {
	level.Debug(a.logger).Log("msg", "api: registering route", "methods", strings.Join(methods, ","), "path", path)
	r.Path(path).Methods(methods...).Handler(handler)
}

type nodeIDsRequest struct {
	NodeIDs []cdf.NodeID `json:"nodeIds"`
}

type assetIDsRequest struct {
	AssetIDs []cdf.AssetID `json:"assetIds"`
}

type instanceIDsRequest struct {
	InstanceIDs []cdf.InstanceID `json:"instanceIds"`
}

type fdmRequest struct {
	InstanceIDs []cdf.InstanceID    `json:"instanceIds"`
	Revisions   []cdf.ModelRevision `json:"revisions"`
}

type image360Request struct {
	SiteIDs []string          `json:"siteIds"`
	Assets  []cdf.InstanceRef `json:"assets"`
}

type nodesForAsset struct {
	AssetID cdf.AssetID  `json:"assetId"`
	Nodes   []cdf.Node3D `json:"nodes"`
}

type nodesForInstance struct {
	InstanceID cdf.InstanceID `json:"instanceId"`
	Nodes      []cdf.Node3D   `json:"nodes"`
}

type annotationAssets struct {
	AnnotationID int64       `json:"annotationId"`
	Assets       []cdf.Asset `json:"assets"`
}

type treeItem struct {
	Key              string     `json:"key"`
	Label            string     `json:"label"`
	Depth            int        `json:"depth"`
	Node             cdf.Node3D `json:"node"`
	Expanded         bool       `json:"expanded"`
	Selected         bool       `json:"selected"`
	NeedLoadChildren bool       `json:"needLoadChildren"`
	NeedLoadSiblings bool       `json:"needLoadSiblings"`
}

func (a *API) modelMappingsHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	mappings, err := a.cfg.AssetMappings.GetAssetMappingsForModel(req.Context(), modelID, revisionID)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, nonNil(mappings))
}

func (a *API) nodeMappingsHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	var body nodeIDsRequest
	if !a.decodeBody(w, req, &body) {
		return
	}
	mappings, err := a.cfg.AssetMappings.GetAssetMappingsForNodes(req.Context(), modelID, revisionID, body.NodeIDs)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, nonNil(mappings))
}

func (a *API) assetMappingsHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	var body assetIDsRequest
	if !a.decodeBody(w, req, &body) {
		return
	}
	mappings, err := a.cfg.AssetMappings.GetAssetMappingsForAssetIDs(req.Context(), modelID, revisionID, body.AssetIDs)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, nonNil(mappings))
}

func (a *API) nodesForAssetsHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	var body assetIDsRequest
	if !a.decodeBody(w, req, &body) {
		return
	}
	byAsset, err := a.cfg.AssetMappings.GetNodesForAssetIDs(req.Context(), modelID, revisionID, body.AssetIDs)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}

	// Keep the order of the request.
	out := make([]nodesForAsset, 0, len(byAsset))
	seen := make(map[cdf.AssetID]struct{}, len(byAsset))
	for _, id := range body.AssetIDs {
		nodes, found := byAsset[id]
		if _, dup := seen[id]; dup || !found {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, nodesForAsset{AssetID: id, Nodes: nodes})
	}
	respondSuccess(a.logger, w, out)
}

func (a *API) nodesForInstancesHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	var body instanceIDsRequest
	if !a.decodeBody(w, req, &body) {
		return
	}
	byInstance, err := a.cfg.AssetMappings.GetNodesForInstanceIDs(req.Context(), modelID, revisionID, body.InstanceIDs)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}

	out := make([]nodesForInstance, 0, len(byInstance))
	seen := make(map[cdf.InstanceID]struct{}, len(byInstance))
	for _, id := range body.InstanceIDs {
		nodes, found := byInstance[id]
		if _, dup := seen[id]; dup || !found {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, nodesForInstance{InstanceID: id, Nodes: nodes})
	}
	respondSuccess(a.logger, w, out)
}

func (a *API) lowestMappedAncestorHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	treeIndex, err := strconv.ParseInt(req.URL.Query().Get("treeIndex"), 10, 64)
	if err != nil || treeIndex < 0 {
		respondInvalidRequest(a.logger, w, "treeIndex must be a non-negative integer")
		return
	}

	ancestors, err := a.cfg.Nodes.FetchAncestorNodesForTreeIndex(req.Context(), modelID, revisionID, cdf.TreeIndex(treeIndex))
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	a.cfg.AssetMappings.SetNodes(modelID, revisionID, ancestors)

	result, err := a.cfg.AssetMappings.GetAssetMappingsForLowestAncestor(req.Context(), modelID, revisionID, ancestors)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, result)
}

func (a *API) warmHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	var body nodeIDsRequest
	if !a.decodeBody(w, req, &body) {
		return
	}
	if err := a.cfg.AssetMappings.GenerateNode3DCachePerItem(req.Context(), modelID, revisionID, body.NodeIDs); err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, nil)
}

// treeHandler returns the tree view items visible once the node at treeIndex
// is revealed: the path from the root and the loaded children along it.
func (a *API) treeHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	treeIndex, err := strconv.ParseInt(req.URL.Query().Get("treeIndex"), 10, 64)
	if err != nil || treeIndex < 0 {
		respondInvalidRequest(a.logger, w, "treeIndex must be a non-negative integer")
		return
	}

	loader := treeview.NewCadLoader(a.cfg.Nodes, modelID, revisionID, a.cfg.TreePageSize, a.cfg.AssetMappings, a.logger)
	tree := treeview.NewTree()
	target, err := loader.MaterializeAncestorPath(req.Context(), tree, cdf.TreeIndex(treeIndex))
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	target.SetSelected(true)

	root := tree.Root()
	items := []treeItem{toTreeItem(root, 0)}
	depths := map[treeview.NodeID]int{root.ID(): 0}
	for n := range root.ExpandedDescendants() {
		depth := depths[n.Parent().ID()] + 1
		depths[n.ID()] = depth
		items = append(items, toTreeItem(n, depth))
	}
	respondSuccess(a.logger, w, items)
}

func toTreeItem(n *treeview.Node, depth int) treeItem {
	item := treeItem{
		Key:              n.Key(),
		Label:            n.Label(),
		Depth:            depth,
		Expanded:         n.IsExpanded(),
		Selected:         n.IsSelected(),
		NeedLoadChildren: n.NeedLoadChildren(),
		NeedLoadSiblings: n.NeedLoadSiblings(),
	}
	if p, ok := n.Payload().(*treeview.CadNode); ok {
		item.Node = p.Node
	}
	return item
}

func (a *API) pointCloudAnnotationsHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	mappings, err := a.cfg.PointCloudAnnotations.GetPointCloudAnnotationMappingsForModel(req.Context(), modelID, revisionID)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, toAnnotationAssets(mappings))
}

func (a *API) image360AnnotationsHandler(w http.ResponseWriter, req *http.Request) {
	var body image360Request
	if !a.decodeBody(w, req, &body) {
		return
	}
	if len(body.SiteIDs) == 0 {
		respondInvalidRequest(a.logger, w, "at least one site ID is required")
		return
	}
	for _, ref := range body.Assets {
		if !ref.IsValid() {
			respondInvalidRequest(a.logger, w, "every asset must have exactly one of id and instanceId")
			return
		}
	}

	mappings, err := a.cfg.Image360Annotations.GetImage360AnnotationMappings(req.Context(), body.SiteIDs, body.Assets)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, toAnnotationAssets(mappings))
}

func (a *API) fdmMappingsHandler(w http.ResponseWriter, req *http.Request) {
	var body fdmRequest
	if !a.decodeBody(w, req, &body) || !a.validRevisions(w, body.Revisions) {
		return
	}
	mappings, err := a.cfg.FdmNodes.GetMappingsForFdmInstances(req.Context(), body.InstanceIDs, body.Revisions)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, mappings)
}

func (a *API) fdmConnectionsHandler(w http.ResponseWriter, req *http.Request) {
	var body fdmRequest
	if !a.decodeBody(w, req, &body) || !a.validRevisions(w, body.Revisions) {
		return
	}
	connections, err := a.cfg.FdmNodes.GetAllMappingExternalIDs(req.Context(), body.Revisions)
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, connections)
}

func (a *API) fdmClosestParentHandler(w http.ResponseWriter, req *http.Request) {
	modelID, revisionID, ok := a.parseRevision(w, req)
	if !ok {
		return
	}
	treeIndex, err := strconv.ParseInt(req.URL.Query().Get("treeIndex"), 10, 64)
	if err != nil || treeIndex < 0 {
		respondInvalidRequest(a.logger, w, "treeIndex must be a non-negative integer")
		return
	}
	parent, err := a.cfg.FdmNodes.GetClosestParentData(req.Context(), modelID, revisionID, cdf.TreeIndex(treeIndex))
	if err != nil {
		respondFetchError(a.logger, w, err)
		return
	}
	respondSuccess(a.logger, w, parent)
}

func (a *API) validRevisions(w http.ResponseWriter, revisions []cdf.ModelRevision) bool {
	if len(revisions) == 0 {
		respondInvalidRequest(a.logger, w, "at least one revision is required")
		return false
	}
	for _, r := range revisions {
		if r.ModelID <= 0 || r.RevisionID <= 0 {
			respondInvalidRequest(a.logger, w, "model and revision IDs must be positive")
			return false
		}
	}
	return true
}

// toAnnotationAssets flattens the map ordered by annotation ID.
func toAnnotationAssets(m map[int64][]cdf.Asset) []annotationAssets {
	out := make([]annotationAssets, 0, len(m))
	for id, assets := range m {
		out = append(out, annotationAssets{AnnotationID: id, Assets: assets})
	}
	slices.SortFunc(out, func(a, b annotationAssets) int { return cmp.Compare(a.AnnotationID, b.AnnotationID) })
	return out
}

func (a *API) parseRevision(w http.ResponseWriter, req *http.Request) (cdf.ModelID, cdf.RevisionID, bool) {
	vars := mux.Vars(req)
	modelID, err := parseID(vars["model"])
	if err != nil {
		respondInvalidRequest(a.logger, w, fmt.Sprintf("invalid model ID: %s", err))
		return 0, 0, false
	}
	revisionID, err := parseID(vars["revision"])
	if err != nil {
		respondInvalidRequest(a.logger, w, fmt.Sprintf("invalid revision ID: %s", err))
		return 0, 0, false
	}
	return cdf.ModelID(modelID), cdf.RevisionID(revisionID), true
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.Errorf("%d is not positive", id)
	}
	return id, nil
}

func (a *API) decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	b, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize))
	if err != nil {
		respondInvalidRequest(a.logger, w, fmt.Sprintf("reading request body: %s", err))
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		respondInvalidRequest(a.logger, w, fmt.Sprintf("decoding request body: %s", err))
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
