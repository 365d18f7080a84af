package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	myMiddleware "campusChat/pkg/middleware"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/conversations", func(r chi.Router) {
		r.Use(myMiddleware.Authenticator(s.verifier))
		r.Get("/search-users", s.SearchUsers())
		r.Get("/", s.ListConversations())
		r.Post("/", s.CreateDirectConversation())
		r.Post("/group", s.CreateGroup())
		r.Get("/{conversationId}/messages", s.ListMessages())
		r.Post("/{conversationId}/messages", s.SendMessage())
		r.Delete("/{conversationId}", s.DeleteConversation())
		r.Patch("/{conversationId}/preferences", s.UpdatePreferences())
	})

	// The socket authenticates in-band with a setup event; join is pure
	// subscription, so the route itself carries no auth.
	r.Get("/ws", s.ServeWs())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}
