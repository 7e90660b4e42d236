// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"fmt"
	"net/url"
	"strconv"
)

type (
	ModelID    = int64
	RevisionID = int64
	NodeID     = int64
	AssetID    = int64
	TreeIndex  = int64
)

// InstanceID identifies a data-model instance.
type InstanceID struct {
	Space      string `json:"space"`
	ExternalID string `json:"externalId"`
}

func (id InstanceID) String() string {
	return id.Space + "/" + id.ExternalID
}

// InstanceRef references an asset either by classic numeric ID or by data-model
// identifier. Exactly one of the two is set.
type InstanceRef struct {
	ID         *AssetID    `json:"id,omitempty"`
	InstanceID *InstanceID `json:"instanceId,omitempty"`
}

func ClassicRef(id AssetID) InstanceRef {
	return InstanceRef{ID: &id}
}

func DMRef(space, externalID string) InstanceRef {
	return InstanceRef{InstanceID: &InstanceID{Space: space, ExternalID: externalID}}
}

func (r InstanceRef) IsClassic() bool { return r.ID != nil }

func (r InstanceRef) IsValid() bool {
	return (r.ID != nil) != (r.InstanceID != nil)
}

// Key returns a deterministic string for the reference, usable as a map key.
// Space and external ID are escaped, so no two references share a key.
func (r InstanceRef) Key() string {
	switch {
	case r.ID != nil:
		return "id:" + strconv.FormatInt(*r.ID, 10)
	case r.InstanceID != nil:
		return "dm:" + url.PathEscape(r.InstanceID.Space) + "/" + url.PathEscape(r.InstanceID.ExternalID)
	default:
		return ""
	}
}

func (r InstanceRef) String() string { return r.Key() }

// RawAssetMapping is an asset mapping as returned by the API. Any field may be missing.
type RawAssetMapping struct {
	NodeID          *NodeID     `json:"nodeId,omitempty"`
	AssetID         *AssetID    `json:"assetId,omitempty"`
	AssetInstanceID *InstanceID `json:"assetInstanceId,omitempty"`
	TreeIndex       *TreeIndex  `json:"treeIndex,omitempty"`
	SubtreeSize     *int64      `json:"subtreeSize,omitempty"`
}

// AssetMapping links a 3D node to an asset. AssetInstanceID is set for hybrid mappings.
type AssetMapping struct {
	NodeID          NodeID      `json:"nodeId"`
	TreeIndex       TreeIndex   `json:"treeIndex"`
	SubtreeSize     int64       `json:"subtreeSize"`
	AssetID         AssetID     `json:"assetId"`
	AssetInstanceID *InstanceID `json:"assetInstanceId,omitempty"`
}

// Equal compares mappings by value, including the data-model identifier.
func (m AssetMapping) Equal(o AssetMapping) bool {
	if m.NodeID != o.NodeID || m.TreeIndex != o.TreeIndex || m.SubtreeSize != o.SubtreeSize || m.AssetID != o.AssetID {
		return false
	}
	if m.AssetInstanceID == nil || o.AssetInstanceID == nil {
		return m.AssetInstanceID == nil && o.AssetInstanceID == nil
	}
	return *m.AssetInstanceID == *o.AssetInstanceID
}

// InstanceRefs returns the references this mapping can be looked up by.
func (m AssetMapping) InstanceRefs() []InstanceRef {
	refs := []InstanceRef{ClassicRef(m.AssetID)}
	if m.AssetInstanceID != nil {
		refs = append(refs, InstanceRef{InstanceID: m.AssetInstanceID})
	}
	return refs
}

// IsValidAssetMapping reports whether every required numeric field is present.
func IsValidAssetMapping(raw RawAssetMapping) bool {
	return raw.NodeID != nil && *raw.NodeID >= 0 &&
		raw.AssetID != nil && *raw.AssetID >= 0 &&
		raw.TreeIndex != nil && *raw.TreeIndex >= 0 &&
		raw.SubtreeSize != nil && *raw.SubtreeSize >= 0
}

// ToAssetMapping converts a raw mapping. ok is false for invalid mappings.
func ToAssetMapping(raw RawAssetMapping) (mapping AssetMapping, ok bool) {
	if !IsValidAssetMapping(raw) {
		return AssetMapping{}, false
	}
	mapping = AssetMapping{
		NodeID:      *raw.NodeID,
		TreeIndex:   *raw.TreeIndex,
		SubtreeSize: *raw.SubtreeSize,
		AssetID:     *raw.AssetID,
	}
	if raw.AssetInstanceID != nil {
		id := *raw.AssetInstanceID
		mapping.AssetInstanceID = &id
	}
	return mapping, true
}

// ValidAssetMappings converts raw mappings, silently dropping invalid ones.
func ValidAssetMappings(raw []RawAssetMapping) []AssetMapping {
	mappings := make([]AssetMapping, 0, len(raw))
	for _, r := range raw {
		if m, ok := ToAssetMapping(r); ok {
			mappings = append(mappings, m)
		}
	}
	return mappings
}

// Node3D is a node of a 3D model's scene graph.
type Node3D struct {
	ID          NodeID    `json:"id"`
	TreeIndex   TreeIndex `json:"treeIndex"`
	ParentID    NodeID    `json:"parentId"`
	Depth       int64     `json:"depth"`
	Name        string    `json:"name"`
	SubtreeSize int64     `json:"subtreeSize"`
}

// Asset is an asset record, either classic or data-model backed.
// Hybrid assets carry both identifiers.
type Asset struct {
	ID          AssetID     `json:"id,omitempty"`
	ExternalID  string      `json:"externalId,omitempty"`
	InstanceID  *InstanceID `json:"instanceId,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
}

// Matches reports whether the asset is the one ref points to.
func (a Asset) Matches(ref InstanceRef) bool {
	if ref.ID != nil {
		return a.ID != 0 && a.ID == *ref.ID
	}
	if ref.InstanceID != nil {
		return a.InstanceID != nil && *a.InstanceID == *ref.InstanceID
	}
	return false
}

const (
	AnnotatedResourceTypeModel = "threedmodel"
	AnnotatedResourceTypeFile  = "file"
)

// Annotation is an annotation attached to a 3D model or an image file.
type Annotation struct {
	ID                    int64          `json:"id"`
	AnnotatedResourceType string         `json:"annotatedResourceType"`
	AnnotatedResourceID   int64          `json:"annotatedResourceId"`
	AnnotationType        string         `json:"annotationType"`
	Status                string         `json:"status"`
	Data                  AnnotationData `json:"data"`
}

// AnnotationData holds the asset reference of an annotation. A classic
// annotation uses AssetRef.ID (or AssetRef.ExternalID), a hybrid one
// AssetRef.InstanceID, and a pure data-model one InstanceRef.
type AnnotationData struct {
	AssetRef    *AnnotationAssetRef `json:"assetRef,omitempty"`
	InstanceRef *InstanceID         `json:"instanceRef,omitempty"`
	Text        string              `json:"text,omitempty"`
}

type AnnotationAssetRef struct {
	ID         *AssetID    `json:"id,omitempty"`
	ExternalID *string     `json:"externalId,omitempty"`
	InstanceID *InstanceID `json:"instanceId,omitempty"`
}

// ModelRevision identifies a revision of a 3D model.
type ModelRevision struct {
	ModelID    ModelID    `json:"modelId"`
	RevisionID RevisionID `json:"revisionId"`
}

func (m ModelRevision) String() string {
	return fmt.Sprintf("%d/%d", m.ModelID, m.RevisionID)
}
