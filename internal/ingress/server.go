package ingress

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/cache"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/realtime"
	"github.com/spyflow/spyflow/internal/sink"
	"github.com/spyflow/spyflow/internal/storage"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig(host string, port int) ServerConfig {
	return ServerConfig{
		Host:         host,
		Port:         port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the consumer-side HTTP API: it accepts detector payloads,
// persists them through the sink, serves query endpoints, and exposes the
// hub negotiation and websocket entry points.
type Server struct {
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	h       *Handlers
	metrics *metrics.Registry
	config  ServerConfig
}

// NewServer wires the router, middleware chain, and handler set.
func NewServer(cfg ServerConfig, store *storage.Store, snk *sink.Sink, c *cache.Cache,
	rest *realtime.RestClient, hub *realtime.LocalHub, m *metrics.Registry) *Server {

	router := mux.NewRouter()
	s := &Server{
		router:  router,
		h:       NewHandlers(store, snk, c, rest, hub, m),
		metrics: m,
		config:  cfg,
	}
	s.setupRoutes()

	// CORS wraps the router from the outside so every response carries the
	// headers, including preflights, 404s, and 405s that never match a route.
	s.handler = s.corsMiddleware(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Websocket and metrics bypass the JSON content-type middleware.
	s.router.HandleFunc("/ws", s.h.WebSocket).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/", s.h.Root).Methods("GET")
	api.HandleFunc("/health", s.h.Health).Methods("GET")

	api.HandleFunc("/anomalies", s.h.GetAnomalies).Methods("GET")
	api.HandleFunc("/anomalies", s.h.PostAnomalies).Methods("POST")
	api.HandleFunc("/anomalies/public", s.h.GetAnomaliesPublic).Methods("GET")

	api.HandleFunc("/volumes/snapshot", s.h.GetVolumes).Methods("GET")
	api.HandleFunc("/volumes", s.h.PostVolume).Methods("POST")

	api.HandleFunc("/flow/snapshot", s.h.GetFlow).Methods("GET")
	api.HandleFunc("/flow", s.h.PostFlow).Methods("POST")

	api.HandleFunc("/api/market/state", s.h.GetMarketState).Methods("GET")
	api.HandleFunc("/market/state", s.h.PatchMarketState).Methods("POST")
	api.HandleFunc("/spy-market", s.h.PostSpyTick).Methods("POST")

	api.HandleFunc("/negotiate", s.h.Negotiate).Methods("GET", "POST")
	api.HandleFunc("/dashboard/snapshot", s.h.DashboardSnapshot).Methods("GET")
	api.HandleFunc("/replay", s.h.Replay).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(s.h.NotFound)
	// Subrouters do not inherit the 405 handler; set it on both.
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("request")

		route := r.URL.Path
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapper.statusCode)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket connection is long-lived; leave its context alone.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the full handler chain for tests.
func (s *Server) Router() http.Handler {
	return s.handler
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
