// Package server exposes the maintenance admin and status endpoints and
// fronts the application behind the maintenance gate.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alfredjeanlab/maintgate/internal/admin"
	"github.com/alfredjeanlab/maintgate/internal/gate"
	"github.com/alfredjeanlab/maintgate/internal/gatecache"
	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/store"
)

// Config wires a Server. Store, Cache, Mutator and Gate are required.
type Config struct {
	Store   store.Store
	Cache   *gatecache.Cache
	Mutator *admin.Mutator
	Gate    *gate.Middleware
	Hub     *StateHub
	Metrics *metrics.Metrics
	// Upstream receives every request the gate lets through that is not an
	// admin route. Nil answers 404.
	Upstream http.Handler
	Limits   model.Limits
	Logger   *slog.Logger
}

// Server is the HTTP front of a gate process.
type Server struct {
	store    store.Store
	cache    *gatecache.Cache
	mutator  *admin.Mutator
	gate     *gate.Middleware
	hub      *StateHub
	metrics  *metrics.Metrics
	upstream http.Handler
	limits   model.Limits
	logger   *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewStateHub()
	}
	if cfg.Upstream == nil {
		cfg.Upstream = http.HandlerFunc(handleNotFound)
	}
	if cfg.Limits == (model.Limits{}) {
		cfg.Limits = model.DefaultLimits()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:    cfg.Store,
		cache:    cfg.Cache,
		mutator:  cfg.Mutator,
		gate:     cfg.Gate,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		upstream: cfg.Upstream,
		limits:   cfg.Limits,
		logger:   cfg.Logger,
	}
}

// Handler returns the full handler chain: recovery, request logging, the
// gate, then the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /maintenance", s.handleGetState)
	mux.HandleFunc("PUT /maintenance", s.handlePutState)
	mux.HandleFunc("GET /maintenance/status", s.handleStatus)
	mux.HandleFunc("GET /maintenance/history", s.handleHistory)
	mux.HandleFunc("GET /maintenance/stream", s.handleStream)
	mux.HandleFunc("/maintenance", handleMethodNotAllowed)
	mux.HandleFunc("/maintenance/", handleNotFound)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.Handle("/", s.upstream)

	return RecoveryMiddleware(s.logger, LoggingMiddleware(s.logger, s.gate.Wrap(mux)))
}

// Propagator feeds states persisted by this process, or received from the
// bus, to the gate cache and then to stream subscribers. It satisfies
// admin.Invalidator.
type Propagator struct {
	Cache *gatecache.Cache
	Hub   *StateHub
}

// Invalidate reports whether the cache took st. Stale states are not
// broadcast.
func (p Propagator) Invalidate(st *model.MaintenanceState) bool {
	if !p.Cache.Invalidate(st) {
		return false
	}
	if p.Hub != nil {
		p.Hub.Broadcast(st)
	}
	return true
}
