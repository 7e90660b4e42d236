// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	cachePerNodeID  = "per_node_id"
	cachePerAssetID = "per_asset_id"
	cachePerModel   = "per_model"
	cacheNode3D     = "node3d"
)

type metrics struct {
	requests *prometheus.CounterVec
	hits     *prometheus.CounterVec
	fetches  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapcache_asset_mapping_cache_requests_total",
			Help: "Total number of keys looked up in the asset mapping caches.",
		}, []string{"cache"}),
		hits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapcache_asset_mapping_cache_hits_total",
			Help: "Total number of keys found in the asset mapping caches.",
		}, []string{"cache"}),
		fetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapcache_asset_mapping_cache_fetches_total",
			Help: "Total number of fetches issued to the API by the asset mapping caches.",
		}, []string{"cache"}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapcache_asset_mapping_cache_fetch_failures_total",
			Help: "Total number of failed fetches issued to the API by the asset mapping caches.",
		}, []string{"cache"}),
	}
}

func (m *metrics) lookup(cache string, requested, hits int) {
	m.requests.WithLabelValues(cache).Add(float64(requested))
	m.hits.WithLabelValues(cache).Add(float64(hits))
}

func (m *metrics) fetch(cache string, err error) {
	m.fetches.WithLabelValues(cache).Inc()
	if err != nil {
		m.failures.WithLabelValues(cache).Inc()
	}
}
