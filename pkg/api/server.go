package api

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/lifecycle"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
)

// Server is the HTTP surface for node agents, customers, and provider
// callbacks.
type Server struct {
	agg         *aggregator.Aggregator
	engine      *lifecycle.Engine
	callbackKey ed25519.PublicKey
	http        *http.Server
	logger      zerolog.Logger
}

// NewServer builds the router and binds it to addr. callbackKey is the
// provider public key that must have signed lifecycle callbacks.
func NewServer(addr string, agg *aggregator.Aggregator, engine *lifecycle.Engine, callbackKey ed25519.PublicKey) *Server {
	s := &Server{
		agg:         agg,
		engine:      engine,
		callbackKey: callbackKey,
		logger:      log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/hpc/nodes", func(r chi.Router) {
			r.Post("/register", s.handleRegisterNode)
			r.Post("/{nodeID}/heartbeat", s.handleHeartbeat)
			r.Post("/{nodeID}/metrics", s.handleMetrics)
			r.Get("/{nodeID}", s.handleGetNode)
			r.Get("/", s.handleListNodes)
		})
		r.Route("/hpc/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Post("/{jobID}/cancel", s.handleCancelJob)
		})
		r.Post("/callbacks/lifecycle", s.handleLifecycleCallback)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It returns when the listener stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// observe counts requests per route pattern and status class.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
