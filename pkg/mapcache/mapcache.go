// SPDX-License-Identifier: AGPL-3.0-only

// Package mapcache wires the caches, the data-fetching client and the HTTP API
// into one service.
package mapcache

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/cognitedata/mapcache/pkg/annotations"
	"github.com/cognitedata/mapcache/pkg/api"
	"github.com/cognitedata/mapcache/pkg/assetmapping"
	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/storage/remotecache"
)

// MapCache is the root data structure of the service.
type MapCache struct {
	Cfg Config

	API           cdf.API
	RemoteCache   remotecache.Cache
	AssetMappings *assetmapping.Cache
	FdmNodes      *assetmapping.FdmNodeCache
	AssetResolver *annotations.AssetResolver
	PointCloud    *annotations.PointCloudAnnotationCache
	Image360      *annotations.Image360AnnotationCache

	Router  *mux.Router
	Handler http.Handler

	logger   log.Logger
	gatherer prometheus.Gatherer
	ready    atomic.Bool
}

// New makes a new MapCache. The caches talk to api when it is not nil, to a
// client built from cfg.CDF otherwise.
func New(cfg Config, api cdf.API, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger log.Logger) (*MapCache, error) {
	if api == nil {
		api = cdf.NewClient(cfg.CDF, logger, reg)
	}
	api = cdf.NewTracingAPI(api)

	remote, err := remotecache.New("asset-mappings", cfg.RemoteCache, logger, reg)
	if err != nil {
		return nil, errors.Wrap(err, "creating remote cache")
	}

	resolver, err := annotations.NewAssetResolver(cfg.Assets, api, reg)
	if err != nil {
		return nil, errors.Wrap(err, "creating asset resolver")
	}

	mappings := assetmapping.New(cfg.AssetMappings, api, remote, logger, reg)
	m := &MapCache{
		Cfg:           cfg,
		API:           api,
		RemoteCache:   remote,
		AssetMappings: mappings,
		FdmNodes:      assetmapping.NewFdmNodeCache(mappings, api, logger),
		AssetResolver: resolver,
		PointCloud:    annotations.NewPointCloudAnnotationCache(api, resolver),
		Image360:      annotations.NewImage360AnnotationCache(api, resolver),
		Router:        mux.NewRouter(),
		logger:        logger,
		gatherer:      gatherer,
	}
	m.setupRoutes(reg)
	return m, nil
}

func (m *MapCache) setupRoutes(reg prometheus.Registerer) {
	api.New(api.Config{
		AssetMappings:         m.AssetMappings,
		PointCloudAnnotations: m.PointCloud,
		Image360Annotations:   m.Image360,
		FdmNodes:              m.FdmNodes,
		Nodes:                 m.API,
		TreePageSize:          m.Cfg.TreeView.ChildrenPageSize,
	}, m.logger).RegisterRoutes(m.Router)

	m.Router.Path("/ready").Methods(http.MethodGet).HandlerFunc(m.readyHandler)
	m.Router.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))

	m.Handler = httpMiddleware(m.Router, m.logger, reg).Wrap(m.Router)
}

func (m *MapCache) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !m.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (m *MapCache) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", m.Cfg.Server.HTTPListenAddress, m.Cfg.Server.HTTPListenPort))
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	return m.Serve(ctx, listener)
}

// Serve serves HTTP on listener until ctx is done.
func (m *MapCache) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: m.Handler}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(listener)
	}()

	m.ready.Store(true)
	level.Info(m.logger).Log("msg", "server listening", "addr", listener.Addr().String())

	select {
	case err := <-errc:
		m.stop()
		return errors.Wrap(err, "serving HTTP")
	case <-ctx.Done():
	}

	m.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.Cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errc
	m.stop()
	if err != nil {
		return errors.Wrap(err, "shutting down HTTP server")
	}
	return nil
}

func (m *MapCache) stop() {
	if m.RemoteCache != nil {
		m.RemoteCache.Stop()
	}
}
