package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/walletconnect-labs/relay/internal/api/middleware"
)

// RouterConfig holds all dependencies required to build the relay's HTTP
// router. WSHandler and HealthHandler are required; the router panics at
// build time if either is nil, since a relay with no socket endpoint or no
// health endpoint is a misconfiguration, not a degraded-but-valid state.
type RouterConfig struct {
	// AllowedOrigins for CORS on the ambient surface. The WebSocket upgrade
	// itself does not rely on CORS (browsers don't enforce it for the
	// Upgrade handshake), but a relay fronted by a browser-based dApp still
	// wants the header set for any XHR probing done before connecting.
	AllowedOrigins []string

	// WSHandler upgrades GET / to a WebSocket connection and hands it to
	// the socket hub (C4).
	WSHandler http.Handler

	// HealthHandler serves GET /health, reporting shared-store connectivity.
	HealthHandler http.Handler
}

// NewRouter builds a fully-configured *mux.Router with the relay's
// middleware chain applied.
func NewRouter(cfg RouterConfig) *mux.Router {
	if cfg.WSHandler == nil {
		panic("api: NewRouter requires a non-nil WSHandler")
	}
	if cfg.HealthHandler == nil {
		panic("api: NewRouter requires a non-nil HealthHandler")
	}

	r := mux.NewRouter()

	// Order matters: outermost runs first.
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.BodyLimitMiddleware)

	r.Handle("/health", cfg.HealthHandler).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/", cfg.WSHandler).Methods(http.MethodGet)

	return r
}
