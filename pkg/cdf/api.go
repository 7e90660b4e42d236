// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"context"
)

// MaxItemsPerRequest is the largest number of IDs or items the API accepts in a single request.
const MaxItemsPerRequest = 1000

// AssetMappingsFilter restricts an asset mappings request to either node IDs or asset IDs.
type AssetMappingsFilter struct {
	NodeIDs  []NodeID  `json:"nodeIds,omitempty"`
	AssetIDs []AssetID `json:"assetIds,omitempty"`
}

// API is the data-fetching boundary used by every cache.
// Implementations may paginate internally but must return the complete result.
type API interface {
	// FetchAssetMappings returns the mappings matching the filter, including data-model identifiers.
	FetchAssetMappings(ctx context.Context, modelID ModelID, revisionID RevisionID, filter AssetMappingsFilter, limit int) ([]RawAssetMapping, error)

	// FetchAssetMappingsForModel returns every mapping of a model revision.
	FetchAssetMappingsForModel(ctx context.Context, modelID ModelID, revisionID RevisionID, limit int) ([]RawAssetMapping, error)

	// FetchNodes returns the nodes with the given IDs. Unknown IDs are omitted.
	FetchNodes(ctx context.Context, modelID ModelID, revisionID RevisionID, nodeIDs []NodeID) ([]Node3D, error)

	// FetchAncestorNodesForTreeIndex returns the ancestor chain of the node at treeIndex, the node itself included.
	FetchAncestorNodesForTreeIndex(ctx context.Context, modelID ModelID, revisionID RevisionID, treeIndex TreeIndex) ([]Node3D, error)

	// FetchNodeChildren returns one page of children of parentID and the cursor of the next page, empty on the last page.
	FetchNodeChildren(ctx context.Context, modelID ModelID, revisionID RevisionID, parentID NodeID, cursor string, limit int) ([]Node3D, string, error)

	// FetchPointCloudAnnotations returns the annotations attached to a point cloud model.
	FetchPointCloudAnnotations(ctx context.Context, modelID ModelID, revisionID RevisionID) ([]Annotation, error)

	// FetchImage360Annotations returns the annotations attached to the images of the given 360 sites.
	FetchImage360Annotations(ctx context.Context, siteIDs []string) ([]Annotation, error)

	// FetchAssets returns the assets referenced by refs. Unknown references are omitted.
	FetchAssets(ctx context.Context, refs []InstanceRef) ([]Asset, error)
}
