package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/nocodeguys/digital-pass-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса цифровых пропусков.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/checkout/digital", func(r chi.Router) {
			r.Post("/", h.PrepareDigitalCheckout)
			r.Get("/validate/{cart_id}", h.ValidateCart)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/me/access", h.GetAccess)
		})

		r.Post("/events/order-placed", h.OrderPlaced)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
