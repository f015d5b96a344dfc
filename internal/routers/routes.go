package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mapserver/internal/api"
)

func New(h *api.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Route("/api/v1/sessions/{id}", func(r chi.Router) {
		// request/response endpoints get a deadline; the streaming
		// endpoints below are long-lived and must not
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/", h.GetState)
			r.Put("/view", h.SetView)

			r.Get("/elements", h.ListElements)
			r.Post("/elements", h.AddElement)
			r.Delete("/elements/{elementID}", h.RemoveElement)
			r.Put("/elements/{elementID}/filter", h.FilterElement)
			r.Put("/elements/{elementID}/style/{property}", h.SetElementStyle)
			r.Delete("/elements/{elementID}/style", h.ResetElementStyle)
			r.Post("/elements/{elementID}/visibility", h.ToggleElement)
		})

		r.Get("/events", h.StreamSSE)
		r.Get("/ws", h.StreamWS)
	})

	// viewer entry point: picks up or generates a session via ?session=
	r.Get("/events", h.StreamSSE)

	return r
}
