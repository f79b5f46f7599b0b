// Package rpc is the HTTP front end: POST /rpc/{name} calls a stored procedure with JSON
// arguments on a pooled engine session and answers with its result as JSON.
package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/observability"
)

// Options configure the router.
type Options struct {
	// JWTSecret enables the bearer token guard on /rpc when set.
	JWTSecret string
	// Telemetry traces and meters requests when set.
	Telemetry *observability.Telemetry
	// AllowedOrigins for CORS; all origins when empty.
	AllowedOrigins []string
}

// NewRouter mounts h under /rpc.
func NewRouter(h *Handler, opts Options) chi.Router {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Notice", log.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(log.RequestLogger)
	if opts.Telemetry != nil {
		r.Use(observability.HTTPMiddleware(opts.Telemetry, "pljs"))
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/rpc", func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(RequireJWT(opts.JWTSecret))
		}
		r.Get("/", h.HandleList)
		r.Post("/{name}", h.HandleRPC)
	})
	return r
}
