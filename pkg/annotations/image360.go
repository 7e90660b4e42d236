// SPDX-License-Identifier: AGPL-3.0-only

package annotations

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/util/promise"
)

// Image360AnnotationCache resolves annotations of 360 image sites to assets.
// Annotations are cached per set of sites, mappings per set of sites and assets.
type Image360AnnotationCache struct {
	api      cdf.API
	resolver *AssetResolver

	annotations *promise.Map[[]cdf.Annotation]
	mappings    *promise.Map[map[int64][]cdf.Asset]
}

func NewImage360AnnotationCache(api cdf.API, resolver *AssetResolver) *Image360AnnotationCache {
	return &Image360AnnotationCache{
		api:         api,
		resolver:    resolver,
		annotations: promise.NewMap[[]cdf.Annotation](),
		mappings:    promise.NewMap[map[int64][]cdf.Asset](),
	}
}

// GetImage360AnnotationMappings maps the ID of every annotation of the given
// sites that references one of refs to the matching assets. Annotations not
// referencing any of refs are left out.
func (c *Image360AnnotationCache) GetImage360AnnotationMappings(ctx context.Context, siteIDs []string, refs []cdf.InstanceRef) (map[int64][]cdf.Asset, error) {
	key := Image360CacheKey(siteIDs, refs)
	p, _ := c.mappings.GetOrCreate(ctx, key, func(ctx context.Context) (map[int64][]cdf.Asset, error) {
		annotations, err := c.getAnnotations(ctx, siteIDs)
		if err != nil {
			return nil, err
		}

		assets, err := c.resolver.FetchAssets(ctx, annotationRefs(annotations))
		if err != nil {
			return nil, err
		}

		// Matching goes through the resolved assets, so a hybrid asset is found
		// whichever identifier the annotation and the query use.
		result := map[int64][]cdf.Asset{}
		for annotationID, matched := range matchAssets(annotations, assets) {
			for _, asset := range matched {
				if slices.ContainsFunc(refs, asset.Matches) {
					result[annotationID] = append(result[annotationID], asset)
				}
			}
		}
		return result, nil
	})
	return p.Wait(ctx)
}

func (c *Image360AnnotationCache) getAnnotations(ctx context.Context, siteIDs []string) ([]cdf.Annotation, error) {
	key := joinEscaped(sortedUnique(siteIDs))
	p, _ := c.annotations.GetOrCreate(ctx, key, func(ctx context.Context) ([]cdf.Annotation, error) {
		annotations, err := c.api.FetchImage360Annotations(ctx, sortedUnique(siteIDs))
		return annotations, errors.Wrapf(err, "fetching annotations of 360 sites %s", key)
	})
	return p.Wait(ctx)
}

// Image360CacheKey joins the sorted asset keys and the sorted site IDs, so any
// change of either set yields a different key. Every part is escaped, so
// separators inside site IDs or external IDs cannot make two sets collide.
func Image360CacheKey(siteIDs []string, refs []cdf.InstanceRef) string {
	refKeys := make([]string, 0, len(refs))
	for _, ref := range refs {
		refKeys = append(refKeys, ref.Key())
	}
	return joinEscaped(sortedUnique(refKeys)) + "|" + joinEscaped(sortedUnique(siteIDs))
}

func joinEscaped(parts []string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, ",")
}

func sortedUnique(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
