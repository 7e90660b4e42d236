// SPDX-License-Identifier: AGPL-3.0-only

package remotecache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type instrumentedCache struct {
	next Cache

	requests      prometheus.Counter
	hits          prometheus.Counter
	storedItems   prometheus.Counter
	fetchDuration prometheus.Observer
}

// Instrument tracks requests, hits and fetch latency of a Cache.
func Instrument(name string, next Cache, reg prometheus.Registerer) Cache {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"name": name}, reg)
	return &instrumentedCache{
		next: next,
		requests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapcache_remote_cache_requests_total",
			Help: "Total number of keys requested from the remote cache tier.",
		}),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapcache_remote_cache_hits_total",
			Help: "Total number of keys found in the remote cache tier.",
		}),
		storedItems: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapcache_remote_cache_stored_items_total",
			Help: "Total number of items written to the remote cache tier.",
		}),
		fetchDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "mapcache_remote_cache_fetch_duration_seconds",
			Help:    "Time spent fetching keys from the remote cache tier.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c *instrumentedCache) Store(ctx context.Context, keys []string, bufs [][]byte) {
	c.storedItems.Add(float64(len(keys)))
	c.next.Store(ctx, keys, bufs)
}

func (c *instrumentedCache) Fetch(ctx context.Context, keys []string) (found []string, bufs [][]byte, missing []string) {
	start := time.Now()
	found, bufs, missing = c.next.Fetch(ctx, keys)
	c.fetchDuration.Observe(time.Since(start).Seconds())
	c.requests.Add(float64(len(keys)))
	c.hits.Add(float64(len(found)))
	return found, bufs, missing
}

func (c *instrumentedCache) Stop() { c.next.Stop() }
