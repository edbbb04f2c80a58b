package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	ws "github.com/swipehire/matchchat/internal/websocket"
)

// Deps are the collaborators the router wires into its handlers.
type Deps struct {
	Matches     MatchStore
	Sockets     ws.Store
	Preferences PreferenceStore
	Hub         *ws.Hub
	Auth        func(http.Handler) http.Handler
	RateLimit   func(http.Handler) http.Handler
	TypingLimit TypingLimit
}

// NewRouter builds the HTTP routes of the chat server.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", ServeHealth())

	r.Group(func(r chi.Router) {
		r.Use(d.Auth)
		r.Get("/ws", ServeWs(d.Hub, d.Sockets, d.TypingLimit))
	})

	r.Route("/api", func(r chi.Router) {
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}
		r.Use(d.Auth)

		r.Get("/matches/{matchID}", ServeMatch(d.Matches))
		r.Get("/matches/{matchID}/messages", ServeMessages(d.Matches))
		r.Post("/matches/{matchID}/messages", ServeSendMessage(d.Matches, d.Hub))

		r.Get("/me/preferences", ServeGetPreferences(d.Preferences))
		r.Put("/me/preferences", ServeUpdatePreferences(d.Preferences))
	})

	return r
}
