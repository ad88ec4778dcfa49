package api

import (
	"net/http"
)

// ListBreakers возвращает состояние circuit breaker'ов.
// GET /api/v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	breakers := h.orchestrator.Breakers()
	List(w, breakers, len(breakers))
}

// GetResources возвращает текущее использование пула ресурсов.
// GET /api/v1/resources
func (h *Handler) GetResources(w http.ResponseWriter, r *http.Request) {
	Success(w, h.orchestrator.Resources())
}
