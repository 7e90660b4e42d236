// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *prometheus.Registry) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg := prometheus.NewPedanticRegistry()
	cfg := ClientConfig{
		URL:        srv.URL,
		Project:    "test",
		APIKey:     flagext.SecretWithValue("secret"),
		Timeout:    5 * time.Second,
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		MaxRetries: 3,

		SiteIDMetadataKey: "site_id",
	}
	require.NoError(t, cfg.Validate())
	return NewClient(cfg, log.NewNopLogger(), reg), reg
}

func TestClient_FetchAssetMappingsForModel_Paginates(t *testing.T) {
	var requests atomic.Int32
	c, reg := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Inc()
		assert.Equal(t, "/api/v1/projects/test/3d/models/1/revisions/2/mappings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("getDmsInstances"))

		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = io.WriteString(w, `{"items":[{"nodeId":1,"assetId":10,"treeIndex":1,"subtreeSize":1}],"nextCursor":"page2"}`)
		case "page2":
			_, _ = io.WriteString(w, `{"items":[{"nodeId":2,"assetId":20,"treeIndex":2,"subtreeSize":1,"assetInstanceId":{"space":"s","externalId":"e"}}]}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	mappings, err := c.FetchAssetMappingsForModel(context.Background(), 1, 2, 1000)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, NodeID(1), *mappings[0].NodeID)
	assert.Equal(t, InstanceID{Space: "s", ExternalID: "e"}, *mappings[1].AssetInstanceID)
	assert.Equal(t, int32(2), requests.Load())
	series, err := testutil.GatherAndCount(reg, "mapcache_cdf_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestClient_FetchAssetMappings_SendsFilter(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/projects/test/3d/models/1/revisions/2/mappings/list", r.URL.Path)

		var req mappingsListRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []AssetID{5, 6}, req.Filter.AssetIDs)
		assert.Empty(t, req.Filter.NodeIDs)
		assert.True(t, req.GetDMSInstances)
		assert.Equal(t, 1000, req.Limit)

		_, _ = io.WriteString(w, `{"items":[{"nodeId":1,"assetId":5,"treeIndex":1,"subtreeSize":1}]}`)
	})

	mappings, err := c.FetchAssetMappings(context.Background(), 1, 2, AssetMappingsFilter{AssetIDs: []AssetID{5, 6}}, 1000)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if requests.Inc() < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"items":[{"id":1,"treeIndex":0,"parentId":0,"depth":0,"name":"root","subtreeSize":1}]}`)
	})

	nodes, err := c.FetchNodes(context.Background(), 1, 2, []NodeID{1})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "root", nodes[0].Name)
	assert.Equal(t, int32(3), requests.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		requests.Inc()
		http.Error(w, "bad filter", http.StatusBadRequest)
	})

	_, err := c.FetchNodes(context.Background(), 1, 2, []NodeID{1})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "bad filter", statusErr.Message)
	assert.Equal(t, int32(1), requests.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var requests atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		requests.Inc()
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.FetchPointCloudAnnotations(context.Background(), 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed after 3 attempts")
	assert.Equal(t, int32(3), requests.Load())
}

func TestClient_FetchNodes_ChunksRequests(t *testing.T) {
	var sizes []int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req byIDsRequest[idItem]
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sizes = append(sizes, len(req.Items))
		_, _ = io.WriteString(w, `{"items":[]}`)
	})

	ids := make([]NodeID, 2500)
	for i := range ids {
		ids[i] = NodeID(i)
	}
	_, err := c.FetchNodes(context.Background(), 1, 2, ids)
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 1000, 500}, sizes)
}

func TestClient_FetchAncestorNodesForTreeIndex(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/nodes/internalids/bytreeindices"):
			var req byIDsRequest[TreeIndex]
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []TreeIndex{9}, req.Items)
			_, _ = io.WriteString(w, `{"items":[300]}`)
		case strings.HasSuffix(r.URL.Path, "/nodes/300/ancestors"):
			_, _ = io.WriteString(w, `{"items":[{"id":300,"treeIndex":9,"parentId":200,"depth":2},{"id":200,"treeIndex":5,"parentId":100,"depth":1},{"id":100,"treeIndex":0,"depth":0}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	nodes, err := c.FetchAncestorNodesForTreeIndex(context.Background(), 1, 2, 9)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, NodeID(300), nodes[0].ID)
	assert.Equal(t, NodeID(100), nodes[2].ID)
}

func TestClient_FetchNodeChildren_SkipsParent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("nodeId"))
		assert.Equal(t, "1", r.URL.Query().Get("depth"))
		_, _ = io.WriteString(w, `{"items":[{"id":100,"treeIndex":0},{"id":101,"treeIndex":1,"parentId":100}],"nextCursor":"next"}`)
	})

	children, cursor, err := c.FetchNodeChildren(context.Background(), 1, 2, 100, "", 2)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, NodeID(101), children[0].ID)
	assert.Equal(t, "next", cursor)
}

func TestClient_FetchAssets_SplitsClassicAndDataModel(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/assets/byids"):
			var req assetsByIDsRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []idItem{{ID: 1}}, req.Items)
			assert.True(t, req.IgnoreUnknownIDs)
			_, _ = io.WriteString(w, `{"items":[{"id":1,"name":"classic"}]}`)
		case strings.HasSuffix(r.URL.Path, "/models/instances/byids"):
			var req instancesByIDsRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []instanceItem{{InstanceType: "node", Space: "s", ExternalID: "e"}}, req.Items)
			_, _ = io.WriteString(w, `{"items":[{"space":"s","externalId":"e","properties":{"cdf_cdm":{"CogniteAsset/v1":{"name":"dm","description":"desc"}}}}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	assets, err := c.FetchAssets(context.Background(), []InstanceRef{ClassicRef(1), DMRef("s", "e")})
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "classic", assets[0].Name)
	assert.Equal(t, "dm", assets[1].Name)
	assert.Equal(t, "desc", assets[1].Description)
	assert.True(t, assets[1].Matches(DMRef("s", "e")))
}

func TestClient_FetchImage360Annotations(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/files/list"):
			var req filesListRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Filter.Metadata["site_id"] == "site-a" {
				_, _ = io.WriteString(w, `{"items":[{"id":11},{"id":12}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"items":[]}`)
		case strings.HasSuffix(r.URL.Path, "/annotations/list"):
			var req annotationsListRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, AnnotatedResourceTypeFile, req.Filter.AnnotatedResourceType)
			assert.Equal(t, []idItem{{ID: 11}, {ID: 12}}, req.Filter.AnnotatedResourceIDs)
			_, _ = io.WriteString(w, `{"items":[{"id":5,"annotatedResourceType":"file","annotatedResourceId":11,"data":{"assetRef":{"id":1}}}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	annotations, err := c.FetchImage360Annotations(context.Background(), []string{"site-a", "site-b"})
	require.NoError(t, err)
	require.Len(t, annotations, 1)
	assert.Equal(t, AssetID(1), *annotations[0].Data.AssetRef.ID)
}

func TestClientConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		cfg      ClientConfig
		expected error
	}{
		"valid": {
			cfg: ClientConfig{URL: "http://localhost", Project: "p", MaxRetries: 1},
		},
		"missing URL": {
			cfg:      ClientConfig{Project: "p", MaxRetries: 1},
			expected: errMissingURL,
		},
		"missing project": {
			cfg:      ClientConfig{URL: "http://localhost", MaxRetries: 1},
			expected: errMissingProject,
		},
		"no retries": {
			cfg:      ClientConfig{URL: "http://localhost", Project: "p"},
			expected: errInvalidRetries,
		},
		"negative rate limit": {
			cfg:      ClientConfig{URL: "http://localhost", Project: "p", MaxRetries: 1, RateLimit: -1},
			expected: errInvalidLimit,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.expected == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.expected)
		})
	}
}
