// Package api exposes the Central's state over REST/JSON for the dashboard
// frontend: charging point and driver snapshots, session history, the audit
// trail, weather hooks for the external alerting service, a WebSocket event
// stream, and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/config"
	"github.com/evgrid/central/internal/events"
	"github.com/evgrid/central/internal/logging"
	"github.com/evgrid/central/internal/store"
)

// Server is the dashboard-facing HTTP server. It only reads the Central's
// state; the sole mutations it accepts are the weather alert hooks.
type Server struct {
	core     *central.Central
	store    *store.Store
	audit    *store.AuditLogger
	bus      *events.Bus
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	http     *http.Server
}

// Options carries the Server's collaborators. Store, Audit and Bus may be
// nil; the endpoints backed by them then serve empty results.
type Options struct {
	Core     *central.Central
	Store    *store.Store
	Audit    *store.AuditLogger
	Bus      *events.Bus
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

func New(cfg config.HTTPConfig, opts Options) *Server {
	s := &Server{
		core:     opts.Core,
		store:    opts.Store,
		audit:    opts.Audit,
		bus:      opts.Bus,
		gatherer: opts.Gatherer,
		log:      logging.Component("api"),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler builds the full route table. Exposed separately so tests can mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// The event stream manages its own lifecycle; it stays outside the
	// logging middleware so long-lived sockets don't show up as one
	// giant request.
	r.HandleFunc("/api/events/stream", s.handleEventStream)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/cps", s.handleListCPs).Methods("GET")
	api.HandleFunc("/cps/{id}", s.handleGetCP).Methods("GET")
	api.HandleFunc("/drivers", s.handleListDrivers).Methods("GET")
	api.HandleFunc("/drivers/{id}/history", s.handleDriverHistory).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/audit", s.handleAudit).Methods("GET")
	api.HandleFunc("/weather", s.handleListWeather).Methods("GET")
	api.HandleFunc("/weather/alert", s.handleWeatherAlert).Methods("POST", "OPTIONS")
	api.HandleFunc("/weather/clear", s.handleWeatherClear).Methods("POST", "OPTIONS")

	return r
}

// Start begins serving in a background goroutine. Listen errors other than
// a clean shutdown are logged, not returned; the TCP agent port is the
// process's lifeline, not this one.
func (s *Server) Start() {
	s.log.Info().Str("listen", s.http.Addr).Msg("dashboard API listening")
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("dashboard API server failed")
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
