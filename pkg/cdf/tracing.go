// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pkg/cdf")

type tracingAPI struct {
	next API
}

// NewTracingAPI wraps next so that every call is recorded as a span.
func NewTracingAPI(next API) API {
	return &tracingAPI{next: next}
}

func startSpan(ctx context.Context, name string, modelID ModelID, revisionID RevisionID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int64("model_id", modelID), attribute.Int64("revision_id", revisionID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, items int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("items", items))
	}
	span.End()
}

func (t *tracingAPI) FetchAssetMappings(ctx context.Context, modelID ModelID, revisionID RevisionID, filter AssetMappingsFilter, limit int) ([]RawAssetMapping, error) {
	ctx, span := startSpan(ctx, "cdf.FetchAssetMappings", modelID, revisionID,
		attribute.Int("node_ids", len(filter.NodeIDs)), attribute.Int("asset_ids", len(filter.AssetIDs)))
	res, err := t.next.FetchAssetMappings(ctx, modelID, revisionID, filter, limit)
	finishSpan(span, len(res), err)
	return res, err
}

func (t *tracingAPI) FetchAssetMappingsForModel(ctx context.Context, modelID ModelID, revisionID RevisionID, limit int) ([]RawAssetMapping, error) {
	ctx, span := startSpan(ctx, "cdf.FetchAssetMappingsForModel", modelID, revisionID)
	res, err := t.next.FetchAssetMappingsForModel(ctx, modelID, revisionID, limit)
	finishSpan(span, len(res), err)
	return res, err
}

func (t *tracingAPI) FetchNodes(ctx context.Context, modelID ModelID, revisionID RevisionID, nodeIDs []NodeID) ([]Node3D, error) {
	ctx, span := startSpan(ctx, "cdf.FetchNodes", modelID, revisionID, attribute.Int("node_ids", len(nodeIDs)))
	res, err := t.next.FetchNodes(ctx, modelID, revisionID, nodeIDs)
	finishSpan(span, len(res), err)
	return res, err
}

func (t *tracingAPI) FetchAncestorNodesForTreeIndex(ctx context.Context, modelID ModelID, revisionID RevisionID, treeIndex TreeIndex) ([]Node3D, error) {
	ctx, span := startSpan(ctx, "cdf.FetchAncestorNodesForTreeIndex", modelID, revisionID, attribute.Int64("tree_index", treeIndex))
	res, err := t.next.FetchAncestorNodesForTreeIndex(ctx, modelID, revisionID, treeIndex)
	finishSpan(span, len(res), err)
	return res, err
}

func (t *tracingAPI) FetchNodeChildren(ctx context.Context, modelID ModelID, revisionID RevisionID, parentID NodeID, cursor string, limit int) ([]Node3D, string, error) {
	ctx, span := startSpan(ctx, "cdf.FetchNodeChildren", modelID, revisionID, attribute.Int64("parent_id", parentID))
	res, next, err := t.next.FetchNodeChildren(ctx, modelID, revisionID, parentID, cursor, limit)
	finishSpan(span, len(res), err)
	return res, next, err
}

func (t *tracingAPI) FetchPointCloudAnnotations(ctx context.Context, modelID ModelID, revisionID RevisionID) ([]Annotation, error) {
	ctx, span := startSpan(ctx, "cdf.FetchPointCloudAnnotations", modelID, revisionID)
	res, err := t.next.FetchPointCloudAnnotations(ctx, modelID, revisionID)
	finishSpan(span, len(res), err)
	return res, err
}

func (t *tracingAPI) FetchImage360Annotations(ctx context.Context, siteIDs []string) ([]Annotation, error) {
	ctx, span := tracer.Start(ctx, "cdf.FetchImage360Annotations", trace.WithAttributes(attribute.StringSlice("site_ids", siteIDs)))
	res, err := t.next.FetchImage360Annotations(ctx, siteIDs)
	finishSpan(span, len(res), err)
	return res, err
}

func (t *tracingAPI) FetchAssets(ctx context.Context, refs []InstanceRef) ([]Asset, error) {
	ctx, span := tracer.Start(ctx, "cdf.FetchAssets", trace.WithAttributes(attribute.Int("refs", len(refs))))
	res, err := t.next.FetchAssets(ctx, refs)
	finishSpan(span, len(res), err)
	return res, err
}
