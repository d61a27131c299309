package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/evgrid/ocpp-gateway/internal/api/handlers"
	"github.com/evgrid/ocpp-gateway/internal/api/middleware"
	"github.com/evgrid/ocpp-gateway/internal/service"
)

// API handles the API server
type API struct {
	router  chi.Router
	handler *handlers.Handler
}

// NewAPI creates a new API server
func NewAPI(gateway *service.Gateway) *API {
	router := chi.NewRouter()
	handler := handlers.NewHandler(gateway)

	// Setup middleware
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.ContentType)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Setup routes
	router.Route("/api/v1", func(r chi.Router) {
		// Pile routes
		r.Route("/piles", func(r chi.Router) {
			r.Get("/", handler.GetPiles)
			r.Get("/{id}", handler.GetPile)
			r.Get("/{id}/health", handler.GetPileHealth)
			r.Get("/{id}/connections", handler.GetPileConnections)
			r.Get("/{id}/sessions/history", handler.GetSessionHistory)
			r.Get("/{id}/messages", handler.GetPileMessages)

			// OCPP commands
			r.Post("/{id}/reset", handler.Reset)
			r.Post("/{id}/unlock", handler.UnlockConnector)
			r.Post("/{id}/start", handler.StartCharging)
			r.Post("/{id}/stop", handler.StopCharging)
		})

		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", handler.GetSessions)
			r.Get("/{id}", handler.GetSession)
			r.Get("/{id}/status", handler.GetSessionStatus)
			r.Get("/{id}/samples", handler.GetSessionSamples)
		})

		// Fleet statistics
		r.Get("/statistics", handler.GetStatistics)
	})

	return &API{
		router:  router,
		handler: handler,
	}
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
