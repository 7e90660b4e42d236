// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cognitedata/mapcache/pkg/cdf"
)

// ModelRevisionKey identifies a model revision, formatted as "model/revision".
func ModelRevisionKey(modelID cdf.ModelID, revisionID cdf.RevisionID) string {
	return joinKey(strconv.FormatInt(modelID, 10), strconv.FormatInt(revisionID, 10))
}

// ModelNodeIDKey identifies a node of a model revision, formatted as "model/revision/node".
func ModelNodeIDKey(modelID cdf.ModelID, revisionID cdf.RevisionID, nodeID cdf.NodeID) string {
	return modelIDKey(modelID, revisionID, nodeID)
}

// ModelAssetIDKey identifies an asset within a model revision, formatted as "model/revision/asset".
func ModelAssetIDKey(modelID cdf.ModelID, revisionID cdf.RevisionID, assetID cdf.AssetID) string {
	return modelIDKey(modelID, revisionID, assetID)
}

// ModelInstanceKey identifies a data-model instance within a model revision,
// formatted as "model/revision/space/externalId". Space and external ID are
// path-escaped, so a "/" inside either cannot produce another instance's key.
func ModelInstanceKey(modelID cdf.ModelID, revisionID cdf.RevisionID, id cdf.InstanceID) string {
	return joinKey(ModelRevisionKey(modelID, revisionID), url.PathEscape(id.Space), url.PathEscape(id.ExternalID))
}

func modelIDKey(modelID cdf.ModelID, revisionID cdf.RevisionID, id int64) string {
	return joinKey(ModelRevisionKey(modelID, revisionID), strconv.FormatInt(id, 10))
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "/")
}
