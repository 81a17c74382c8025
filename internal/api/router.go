package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/errtrack/internal/api/middleware"
	"github.com/kiranshivaraju/errtrack/internal/api/response"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.Handler
	MetricsHandler http.Handler

	IngestHandler   http.HandlerFunc
	IngestFallback  http.HandlerFunc
	ListGroups      http.HandlerFunc
	GetGroup        http.HandlerFunc
	ListEvents      http.HandlerFunc
	GroupStats      http.HandlerFunc
	TransitionGroup http.HandlerFunc
	AssignGroup     http.HandlerFunc
	DeleteGroup     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)

	// Ingestion is public and never answers with an error status, so it
	// recovers into an acknowledgement instead of a 500.
	r.Group(func(r chi.Router) {
		if deps.IngestFallback != nil {
			r.Use(mw.RecoveryWith(deps.IngestFallback))
		} else {
			r.Use(mw.Recovery)
		}
		r.Post("/api/v1/errors", orNotImplemented(deps.IngestHandler))
		r.Post("/errors", orNotImplemented(deps.IngestHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recovery)

		r.Get("/api/v1/health", orNotImplemented(handlerFunc(deps.HealthHandler)))
		r.Get("/metrics", orNotImplemented(handlerFunc(deps.MetricsHandler)))

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			r.Use(deps.RateLimit.Limit)

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeRead))

				r.Get("/api/v1/errors", orNotImplemented(deps.ListGroups))
				r.Get("/api/v1/errors/stats", orNotImplemented(deps.GroupStats))
				r.Get("/api/v1/errors/{groupID}", orNotImplemented(deps.GetGroup))
				r.Get("/api/v1/errors/{groupID}/events", orNotImplemented(deps.ListEvents))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeTriage))

				r.Post("/api/v1/errors/{groupID}/{action}", orNotImplemented(deps.TransitionGroup))
				r.Put("/api/v1/errors/{groupID}/assignee", orNotImplemented(deps.AssignGroup))
			})

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

				r.Delete("/api/v1/errors/{groupID}", orNotImplemented(deps.DeleteGroup))

				r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
				r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
				r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			})
		})
	})

	return r
}

func handlerFunc(h http.Handler) http.HandlerFunc {
	if h == nil {
		return nil
	}
	return h.ServeHTTP
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
