// SPDX-License-Identifier: AGPL-3.0-only

package annotations

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/assetmapping"
	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

// PointCloudAnnotationCache resolves the annotations of point cloud models to
// assets. Annotations and their asset mapping are fetched once per model
// revision; like the model-wide asset mappings, a failure stays cached.
type PointCloudAnnotationCache struct {
	api      cdf.API
	resolver *AssetResolver

	annotations *promise.Map[[]cdf.Annotation]
	mappings    *promise.Map[map[int64][]cdf.Asset]
}

func NewPointCloudAnnotationCache(api cdf.API, resolver *AssetResolver) *PointCloudAnnotationCache {
	return &PointCloudAnnotationCache{
		api:         api,
		resolver:    resolver,
		annotations: promise.NewMap[[]cdf.Annotation](),
		mappings:    promise.NewMap[map[int64][]cdf.Asset](),
	}
}

// GetPointCloudAnnotationsForModel returns every annotation of the revision.
func (c *PointCloudAnnotationCache) GetPointCloudAnnotationsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) ([]cdf.Annotation, error) {
	key := assetmapping.ModelRevisionKey(modelID, revisionID)
	p, _ := c.annotations.GetOrCreate(ctx, key, func(ctx context.Context) ([]cdf.Annotation, error) {
		annotations, err := c.api.FetchPointCloudAnnotations(ctx, modelID, revisionID)
		return annotations, errors.Wrapf(err, "fetching point cloud annotations of model %s", key)
	})
	return p.Wait(ctx)
}

// GetPointCloudAnnotationMappingsForModel maps the ID of every annotation of
// the revision to the assets it references.
func (c *PointCloudAnnotationCache) GetPointCloudAnnotationMappingsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID) (map[int64][]cdf.Asset, error) {
	key := assetmapping.ModelRevisionKey(modelID, revisionID)
	p, _ := c.mappings.GetOrCreate(ctx, key, func(ctx context.Context) (map[int64][]cdf.Asset, error) {
		annotations, err := c.GetPointCloudAnnotationsForModel(ctx, modelID, revisionID)
		if err != nil {
			return nil, err
		}
		assets, err := c.resolver.FetchAssets(ctx, annotationRefs(annotations))
		if err != nil {
			return nil, err
		}
		return matchAssets(annotations, assets), nil
	})
	return p.Wait(ctx)
}

// MatchPointCloudAnnotationsForModel returns the annotations of the revision
// referencing the asset ref points to, keyed by annotation ID. It returns nil
// when no annotation matches.
func (c *PointCloudAnnotationCache) MatchPointCloudAnnotationsForModel(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, ref cdf.InstanceRef) (map[int64]cdf.Asset, error) {
	mappings, err := c.GetPointCloudAnnotationMappingsForModel(ctx, modelID, revisionID)
	if err != nil {
		return nil, err
	}

	var matches map[int64]cdf.Asset
	for annotationID, assets := range mappings {
		for _, asset := range assets {
			if !asset.Matches(ref) {
				continue
			}
			if matches == nil {
				matches = map[int64]cdf.Asset{}
			}
			matches[annotationID] = asset
		}
	}
	return matches, nil
}

// GetPointCloudAnnotationsForInstanceRefs returns, for every ref, the
// annotations of the revision referencing it, keyed by cdf.InstanceRef.Key.
// A hybrid asset is found whichever of its identifiers is used.
func (c *PointCloudAnnotationCache) GetPointCloudAnnotationsForInstanceRefs(ctx context.Context, modelID cdf.ModelID, revisionID cdf.RevisionID, refs []cdf.InstanceRef) (map[string][]cdf.Annotation, error) {
	annotations, err := c.GetPointCloudAnnotationsForModel(ctx, modelID, revisionID)
	if err != nil {
		return nil, err
	}
	mappings, err := c.GetPointCloudAnnotationMappingsForModel(ctx, modelID, revisionID)
	if err != nil {
		return nil, err
	}

	result := map[string][]cdf.Annotation{}
	for _, a := range annotations {
		for _, ref := range refs {
			if annotationMatches(a, mappings[a.ID], ref) {
				result[ref.Key()] = append(result[ref.Key()], a)
			}
		}
	}
	return result, nil
}

func annotationMatches(a cdf.Annotation, assets []cdf.Asset, ref cdf.InstanceRef) bool {
	if own, ok := NormalizeAnnotationRef(a); ok && own.Key() == ref.Key() {
		return true
	}
	for _, asset := range assets {
		if asset.Matches(ref) {
			return true
		}
	}
	return false
}
