package api

import (
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"minerwatch/internal/auth"
)

// RouteRegistrar is implemented by every handler group
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// PublicPaths are reachable without a token
var PublicPaths = []string{"/api/token", "/api/status/health"}

// NewRouter builds the API router. Every route requires a bearer token
// except PublicPaths and any extra public paths given.
func NewRouter(tokens *auth.TokenManager, logger zerolog.Logger, extraPublic []string, groups ...RouteRegistrar) *mux.Router {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.Use(auth.Middleware(tokens, logger, append(append([]string{}, PublicPaths...), extraPublic...)...))

	for _, g := range groups {
		g.RegisterRoutes(router)
	}

	return router
}
