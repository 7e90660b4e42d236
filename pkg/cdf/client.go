// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusError is returned for responses that are not worth retrying.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
}

// Client implements API on top of the CDF REST API.
type Client struct {
	cfg        ClientConfig
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger

	requestDuration *prometheus.HistogramVec
}

var _ API = (*Client)(nil)

// NewClient creates a new Client.
func NewClient(cfg ClientConfig, logger log.Logger, reg prometheus.Registerer) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.URL, "/") + "/api/v1/projects/" + url.PathEscape(cfg.Project),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapcache_cdf_request_duration_seconds",
			Help:    "Time spent doing requests to the CDF API.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation", "status_code"}),
	}
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type mappingsListRequest struct {
	Filter          AssetMappingsFilter `json:"filter"`
	Limit           int                 `json:"limit"`
	Cursor          string              `json:"cursor,omitempty"`
	GetDMSInstances bool                `json:"getDmsInstances"`
}

func (c *Client) FetchAssetMappings(ctx context.Context, modelID ModelID, revisionID RevisionID, filter AssetMappingsFilter, limit int) ([]RawAssetMapping, error) {
	path := revisionPath(modelID, revisionID) + "/mappings/list"
	return paginate(ctx, func(ctx context.Context, cursor string) ([]RawAssetMapping, string, error) {
		var resp listResponse[RawAssetMapping]
		req := mappingsListRequest{Filter: filter, Limit: limit, Cursor: cursor, GetDMSInstances: true}
		err := c.do(ctx, "mappings_list", http.MethodPost, path, nil, req, &resp)
		return resp.Items, resp.NextCursor, err
	})
}

func (c *Client) FetchAssetMappingsForModel(ctx context.Context, modelID ModelID, revisionID RevisionID, limit int) ([]RawAssetMapping, error) {
	path := revisionPath(modelID, revisionID) + "/mappings"
	return paginate(ctx, func(ctx context.Context, cursor string) ([]RawAssetMapping, string, error) {
		var resp listResponse[RawAssetMapping]
		query := url.Values{"limit": {strconv.Itoa(limit)}, "getDmsInstances": {"true"}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		err := c.do(ctx, "mappings", http.MethodGet, path, query, nil, &resp)
		return resp.Items, resp.NextCursor, err
	})
}

type idItem struct {
	ID int64 `json:"id"`
}

type byIDsRequest[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) FetchNodes(ctx context.Context, modelID ModelID, revisionID RevisionID, nodeIDs []NodeID) ([]Node3D, error) {
	path := revisionPath(modelID, revisionID) + "/nodes/byids"
	nodes := make([]Node3D, 0, len(nodeIDs))
	for _, chunk := range chunks(nodeIDs, MaxItemsPerRequest) {
		req := byIDsRequest[idItem]{Items: make([]idItem, 0, len(chunk))}
		for _, id := range chunk {
			req.Items = append(req.Items, idItem{ID: id})
		}

		var resp listResponse[Node3D]
		if err := c.do(ctx, "nodes_byids", http.MethodPost, path, nil, req, &resp); err != nil {
			return nil, err
		}
		nodes = append(nodes, resp.Items...)
	}
	return nodes, nil
}

func (c *Client) FetchAncestorNodesForTreeIndex(ctx context.Context, modelID ModelID, revisionID RevisionID, treeIndex TreeIndex) ([]Node3D, error) {
	base := revisionPath(modelID, revisionID)

	var ids listResponse[NodeID]
	req := byIDsRequest[TreeIndex]{Items: []TreeIndex{treeIndex}}
	if err := c.do(ctx, "nodes_bytreeindices", http.MethodPost, base+"/nodes/internalids/bytreeindices", nil, req, &ids); err != nil {
		return nil, err
	}
	if len(ids.Items) == 0 {
		return nil, nil
	}

	path := fmt.Sprintf("%s/nodes/%d/ancestors", base, ids.Items[0])
	return paginate(ctx, func(ctx context.Context, cursor string) ([]Node3D, string, error) {
		var resp listResponse[Node3D]
		query := url.Values{"limit": {strconv.Itoa(MaxItemsPerRequest)}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		err := c.do(ctx, "nodes_ancestors", http.MethodGet, path, query, nil, &resp)
		return resp.Items, resp.NextCursor, err
	})
}

func (c *Client) FetchNodeChildren(ctx context.Context, modelID ModelID, revisionID RevisionID, parentID NodeID, cursor string, limit int) ([]Node3D, string, error) {
	query := url.Values{
		"nodeId": {strconv.FormatInt(parentID, 10)},
		"depth":  {"1"},
		"limit":  {strconv.Itoa(limit)},
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp listResponse[Node3D]
	if err := c.do(ctx, "nodes_children", http.MethodGet, revisionPath(modelID, revisionID)+"/nodes", query, nil, &resp); err != nil {
		return nil, "", err
	}

	// The listing includes the parent itself on the first page.
	children := resp.Items[:0]
	for _, n := range resp.Items {
		if n.ID != parentID {
			children = append(children, n)
		}
	}
	return children, resp.NextCursor, nil
}

type annotationsFilter struct {
	AnnotatedResourceType string   `json:"annotatedResourceType"`
	AnnotatedResourceIDs  []idItem `json:"annotatedResourceIds"`
}

type annotationsListRequest struct {
	Filter annotationsFilter `json:"filter"`
	Limit  int               `json:"limit"`
	Cursor string            `json:"cursor,omitempty"`
}

func (c *Client) FetchPointCloudAnnotations(ctx context.Context, modelID ModelID, _ RevisionID) ([]Annotation, error) {
	return c.listAnnotations(ctx, AnnotatedResourceTypeModel, []int64{modelID})
}

type filesListRequest struct {
	Filter struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"filter"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

func (c *Client) FetchImage360Annotations(ctx context.Context, siteIDs []string) ([]Annotation, error) {
	var fileIDs []int64
	for _, siteID := range siteIDs {
		files, err := paginate(ctx, func(ctx context.Context, cursor string) ([]idItem, string, error) {
			var req filesListRequest
			req.Filter.Metadata = map[string]string{c.cfg.SiteIDMetadataKey: siteID}
			req.Limit = MaxItemsPerRequest
			req.Cursor = cursor

			var resp listResponse[idItem]
			err := c.do(ctx, "files_list", http.MethodPost, "/files/list", nil, req, &resp)
			return resp.Items, resp.NextCursor, err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing images of site %s", siteID)
		}
		for _, f := range files {
			fileIDs = append(fileIDs, f.ID)
		}
	}
	return c.listAnnotations(ctx, AnnotatedResourceTypeFile, fileIDs)
}

func (c *Client) listAnnotations(ctx context.Context, resourceType string, resourceIDs []int64) ([]Annotation, error) {
	var annotations []Annotation
	for _, chunk := range chunks(resourceIDs, MaxItemsPerRequest) {
		filter := annotationsFilter{AnnotatedResourceType: resourceType}
		for _, id := range chunk {
			filter.AnnotatedResourceIDs = append(filter.AnnotatedResourceIDs, idItem{ID: id})
		}

		page, err := paginate(ctx, func(ctx context.Context, cursor string) ([]Annotation, string, error) {
			var resp listResponse[Annotation]
			req := annotationsListRequest{Filter: filter, Limit: MaxItemsPerRequest, Cursor: cursor}
			err := c.do(ctx, "annotations_list", http.MethodPost, "/annotations/list", nil, req, &resp)
			return resp.Items, resp.NextCursor, err
		})
		if err != nil {
			return nil, err
		}
		annotations = append(annotations, page...)
	}
	return annotations, nil
}

type assetsByIDsRequest struct {
	Items            []idItem `json:"items"`
	IgnoreUnknownIDs bool     `json:"ignoreUnknownIds"`
}

type instanceItem struct {
	InstanceType string `json:"instanceType"`
	Space        string `json:"space"`
	ExternalID   string `json:"externalId"`
}

type viewSource struct {
	Source struct {
		Type       string `json:"type"`
		Space      string `json:"space"`
		ExternalID string `json:"externalId"`
		Version    string `json:"version"`
	} `json:"source"`
}

type instancesByIDsRequest struct {
	Items   []instanceItem `json:"items"`
	Sources []viewSource   `json:"sources"`
}

type instance struct {
	Space      string                               `json:"space"`
	ExternalID string                               `json:"externalId"`
	Properties map[string]map[string]map[string]any `json:"properties"`
}

func assetViewSource() viewSource {
	var s viewSource
	s.Source.Type = "view"
	s.Source.Space = "cdf_cdm"
	s.Source.ExternalID = "CogniteAsset"
	s.Source.Version = "v1"
	return s
}

// FetchAssets splits refs into classic IDs and data-model identifiers and
// fetches each kind from its own endpoint, at most MaxItemsPerRequest per call.
func (c *Client) FetchAssets(ctx context.Context, refs []InstanceRef) ([]Asset, error) {
	var (
		ids       []AssetID
		instances []InstanceID
	)
	for _, ref := range refs {
		switch {
		case ref.ID != nil:
			ids = append(ids, *ref.ID)
		case ref.InstanceID != nil:
			instances = append(instances, *ref.InstanceID)
		}
	}

	assets := make([]Asset, 0, len(refs))
	for _, chunk := range chunks(ids, MaxItemsPerRequest) {
		req := assetsByIDsRequest{IgnoreUnknownIDs: true}
		for _, id := range chunk {
			req.Items = append(req.Items, idItem{ID: id})
		}

		var resp listResponse[Asset]
		if err := c.do(ctx, "assets_byids", http.MethodPost, "/assets/byids", nil, req, &resp); err != nil {
			return nil, err
		}
		assets = append(assets, resp.Items...)
	}

	for _, chunk := range chunks(instances, MaxItemsPerRequest) {
		req := instancesByIDsRequest{Sources: []viewSource{assetViewSource()}}
		for _, id := range chunk {
			req.Items = append(req.Items, instanceItem{InstanceType: "node", Space: id.Space, ExternalID: id.ExternalID})
		}

		var resp listResponse[instance]
		if err := c.do(ctx, "instances_byids", http.MethodPost, "/models/instances/byids", nil, req, &resp); err != nil {
			return nil, err
		}
		for _, inst := range resp.Items {
			assets = append(assets, inst.toAsset())
		}
	}
	return assets, nil
}

func (i instance) toAsset() Asset {
	a := Asset{InstanceID: &InstanceID{Space: i.Space, ExternalID: i.ExternalID}}
	for _, views := range i.Properties {
		for _, props := range views {
			if name, ok := props["name"].(string); ok {
				a.Name = name
			}
			if desc, ok := props["description"].(string); ok {
				a.Description = desc
			}
		}
	}
	return a
}

// do performs a request with authentication, rate limiting and retries.
// Transport errors, 429 and 5xx responses are retried; other statuses fail immediately.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "encoding request")
		}
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.MinBackoff,
		MaxBackoff: c.cfg.MaxBackoff,
		MaxRetries: c.cfg.MaxRetries,
	})

	var lastErr error
	for boff.Ongoing() {
		retry, err := c.attempt(ctx, operation, method, reqURL, payload, out)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}

		lastErr = err
		level.Debug(c.logger).Log("msg", "retrying CDF request", "operation", operation, "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	return errors.Wrapf(lastErr, "request failed after %d attempts: %s %s", boff.NumRetries(), method, reqURL)
}

func (c *Client) attempt(ctx context.Context, operation, method, reqURL string, payload []byte, out any) (retry bool, _ error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return false, errors.Wrap(err, "creating request")
	}
	if c.cfg.APIKey.String() != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey.String())
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.requestDuration.WithLabelValues(operation, "error").Observe(time.Since(start).Seconds())
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	c.requestDuration.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, statusErr
	}

	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, errors.Wrap(err, "decoding response")
	}
	return false, nil
}

func revisionPath(modelID ModelID, revisionID RevisionID) string {
	return fmt.Sprintf("/3d/models/%d/revisions/%d", modelID, revisionID)
}

// paginate follows cursors until the last page.
func paginate[T any](ctx context.Context, fetch func(ctx context.Context, cursor string) ([]T, string, error)) ([]T, error) {
	var (
		all    []T
		cursor string
	)
	for {
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
