// SPDX-License-Identifier: AGPL-3.0-only

package mapcache

import (
	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/instrument"
	"github.com/grafana/dskit/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMiddleware names each request after its route template, traces it, logs
// it and records its duration and body sizes.
func httpMiddleware(router *mux.Router, logger log.Logger, reg prometheus.Registerer) middleware.Interface {
	factory := promauto.With(reg)

	return middleware.Merge(
		middleware.RouteInjector{RouteMatcher: router},
		middleware.NewTracer(nil, false, nil),
		middleware.NewLogMiddleware(logger, false, false, nil, nil),
		middleware.Instrument{
			Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mapcache_request_duration_seconds",
				Help:    "Time (in seconds) spent serving HTTP requests.",
				Buckets: instrument.DefBuckets,
			}, []string{"method", "route", "status_code", "ws"}),
			RequestBodySize: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mapcache_request_message_bytes",
				Help:    "Size (in bytes) of messages received in the request.",
				Buckets: middleware.BodySizeBuckets,
			}, []string{"method", "route"}),
			ResponseBodySize: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "mapcache_response_message_bytes",
				Help:    "Size (in bytes) of messages sent in response.",
				Buckets: middleware.BodySizeBuckets,
			}, []string{"method", "route"}),
			InflightRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "mapcache_inflight_requests",
				Help: "Current number of inflight requests.",
			}, []string{"method", "route"}),
		},
	)
}
