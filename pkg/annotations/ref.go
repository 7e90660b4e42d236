// SPDX-License-Identifier: AGPL-3.0-only

package annotations

import (
	"github.com/cognitedata/mapcache/pkg/cdf"
)

// NormalizeAnnotationRef returns the asset an annotation points to. Classic
// (assetRef.id), hybrid (assetRef.instanceId) and data-model (instanceRef)
// annotations all yield a cdf.InstanceRef. ok is false when the annotation
// does not reference an asset by a resolvable identifier.
func NormalizeAnnotationRef(a cdf.Annotation) (ref cdf.InstanceRef, ok bool) {
	if r := a.Data.AssetRef; r != nil {
		switch {
		case r.ID != nil:
			return cdf.ClassicRef(*r.ID), true
		case r.InstanceID != nil:
			id := *r.InstanceID
			return cdf.InstanceRef{InstanceID: &id}, true
		}
	}
	if a.Data.InstanceRef != nil {
		id := *a.Data.InstanceRef
		return cdf.InstanceRef{InstanceID: &id}, true
	}
	return cdf.InstanceRef{}, false
}

// matchAssets maps every annotation ID to the assets its reference resolves to.
// Annotations without a matching asset are left out.
func matchAssets(annotations []cdf.Annotation, assets []cdf.Asset) map[int64][]cdf.Asset {
	result := map[int64][]cdf.Asset{}
	for _, a := range annotations {
		ref, ok := NormalizeAnnotationRef(a)
		if !ok {
			continue
		}
		for _, asset := range assets {
			if asset.Matches(ref) {
				result[a.ID] = append(result[a.ID], asset)
			}
		}
	}
	return result
}

func annotationRefs(annotations []cdf.Annotation) []cdf.InstanceRef {
	refs := make([]cdf.InstanceRef, 0, len(annotations))
	for _, a := range annotations {
		if ref, ok := NormalizeAnnotationRef(a); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
