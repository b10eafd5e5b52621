// Package api exposes the catalog over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobforge/appcatalog/internal/apps"
	"github.com/jobforge/appcatalog/internal/config"
	"github.com/jobforge/appcatalog/internal/events"
	"github.com/jobforge/appcatalog/internal/logging"
	"github.com/jobforge/appcatalog/internal/metrics"
	"github.com/jobforge/appcatalog/internal/middleware"
)

// Server hosts the catalog HTTP API.
type Server struct {
	cfg     config.ServerConfig
	service *apps.Service
	stream  *events.StreamHandler
	log     *logging.Logger
	http    *http.Server
}

// NewServer wires the router, middleware and handlers. jwtPublicKey verifies
// caller tokens; stream may be nil when the event stream is disabled.
func NewServer(cfg config.ServerConfig, jwtPublicKey interface{}, service *apps.Service, stream *events.StreamHandler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefault("api")
	}
	s := &Server{cfg: cfg, service: service, stream: stream, log: log}

	r := mux.NewRouter()
	cors := middleware.NewCORSMiddleware([]string{"*"})
	r.Use(cors.Handler)
	r.Use(middleware.TracingMiddleware(log))
	r.Use(middleware.MetricsMiddleware())

	// Unauthenticated surface.
	r.HandleFunc("/v3/healthcheck", s.healthcheck).Methods(http.MethodGet)
	r.Handle("/v3/metrics", metrics.Handler()).Methods(http.MethodGet)

	appsRouter := r.PathPrefix("/v3/apps").Subrouter()
	auth := middleware.NewAuthMiddleware(jwtPublicKey, log, nil)
	appsRouter.Use(auth.Handler)
	if cfg.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
		limiter.StartCleanup(10 * time.Minute)
		appsRouter.Use(limiter.Handler)
	}

	h := &appHandlers{service: service, log: log}

	appsRouter.HandleFunc("", h.create).Methods(http.MethodPost)
	appsRouter.HandleFunc("", h.list).Methods(http.MethodGet)

	// Fixed segments register before the {appId} wildcards.
	if stream != nil {
		appsRouter.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
	}
	appsRouter.HandleFunc("/{appId}/history", h.history).Methods(http.MethodGet)
	appsRouter.HandleFunc("/{appId}/changeOwner/{newOwner}", h.changeOwner).Methods(http.MethodPost)
	appsRouter.HandleFunc("/{appId}/enable", h.enable).Methods(http.MethodPut)
	appsRouter.HandleFunc("/{appId}/disable", h.disable).Methods(http.MethodPut)
	appsRouter.HandleFunc("/{appId}/restore", h.restore).Methods(http.MethodPut)
	appsRouter.HandleFunc("/{appId}/purge", h.purge).Methods(http.MethodDelete)
	appsRouter.HandleFunc("/{appId}/perms/{username}", h.listPerms).Methods(http.MethodGet)
	appsRouter.HandleFunc("/{appId}/perms/{username}", h.grantPerms).Methods(http.MethodPost)
	appsRouter.HandleFunc("/{appId}/perms/{username}/revoke", h.revokePerms).Methods(http.MethodPost)
	appsRouter.HandleFunc("/{appId}", h.get).Methods(http.MethodGet)
	appsRouter.HandleFunc("/{appId}", h.softDelete).Methods(http.MethodDelete)
	appsRouter.HandleFunc("/{appId}/{appVersion}", h.getVersion).Methods(http.MethodGet)
	appsRouter.HandleFunc("/{appId}/{appVersion}", h.put).Methods(http.MethodPut)
	appsRouter.HandleFunc("/{appId}/{appVersion}", h.patch).Methods(http.MethodPatch)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.WithField("address", s.http.Addr).Info("http server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the configured router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident.Tenant == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.stream.ServeTenant(w, r, ident.Tenant)
}
