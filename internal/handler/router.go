package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-tavern/playthrough/internal/handler/bridge"
	"github.com/zhouzirui/z-tavern/playthrough/internal/handler/playthrough"
	middlewarePkg "github.com/zhouzirui/z-tavern/playthrough/internal/middleware"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/api"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/session"
)

// NewRouter wires HTTP routes to the play session and gateway. emitter must be
// the one both services publish to.
func NewRouter(sessions *session.Manager, gateway *api.Gateway, emitter *events.Emitter, apiKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Create handlers
	playthroughHandler := playthrough.New(sessions, gateway, apiKey)
	bridgeHandler := bridge.New(emitter, playthroughHandler.Dispatcher())

	r.Route("/api", func(api chi.Router) {
		// Register playthrough routes
		playthroughHandler.RegisterRoutes(api)

		// Event stream and websocket bridge
		bridgeHandler.RegisterRoutes(api)
	})

	return r
}
