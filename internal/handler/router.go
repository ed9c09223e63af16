package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/stocklot/stocklot-system/internal/middleware"
)

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса StockLot.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		// Предпросмотр и оценка доступны без аутентификации: это
		// витринные расчёты, не изменяющие состояние.
		r.Post("/checkout/preview", h.PreviewCheckout)
		r.Get("/fees/estimate", h.EstimateFees)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/checkout/confirm", h.ConfirmCheckout)

			r.Get("/payouts/seller/{id}", h.GetSellerPayouts)
			r.Post("/payouts/{sellerOrderID}/release", h.ReleasePayout)

			r.Route("/admin/fees/configs", func(r chi.Router) {
				r.Get("/", h.ListFeeConfigs)
				r.Post("/", h.CreateFeeConfig)
				r.Post("/{id}/activate", h.ActivateFeeConfig)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
