package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/labstock-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса labstock.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/materials", h.ListMaterials)
			r.Get("/materials/{id}", h.GetMaterial)

			r.Post("/requests", h.CreateRequest)
			r.Get("/requests/{id}", h.GetRequest)
			r.Get("/requests/{id}/history", h.GetRequestHistory)
			r.Get("/user/requests", h.GetMyRequests)

			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)

				r.Post("/materials", h.CreateMaterial)
				r.Put("/materials/{id}", h.UpdateMaterial)
				r.Delete("/materials/{id}", h.DeleteMaterial)
				r.Post("/materials/{id}/stock", h.AdjustStock)

				r.Get("/requests", h.ListRequests)
				r.Post("/requests/{id}/approve", h.ApproveRequest)
				r.Post("/requests/{id}/reject", h.RejectRequest)
				r.Post("/requests/{id}/return", h.ReturnRequest)

				r.Get("/users", h.ListUsers)
				r.Post("/users/{id}/block", h.BlockUser)
				r.Post("/users/{id}/unblock", h.UnblockUser)
				r.Post("/users/{id}/role", h.SetUserRole)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
