package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Processes
	mux.Handle("GET /api/v1/processes", chain(http.HandlerFunc(h.ListProcesses)))
	mux.Handle("GET /api/v1/processes/{name}", chain(http.HandlerFunc(h.GetProcess)))
	mux.Handle("GET /api/v1/processes/{name}/plan", chain(http.HandlerFunc(h.GetPlan)))

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/active", chain(http.HandlerFunc(h.ListActiveRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))

	// Status
	mux.Handle("GET /api/v1/breakers", chain(http.HandlerFunc(h.ListBreakers)))
	mux.Handle("GET /api/v1/resources", chain(http.HandlerFunc(h.GetResources)))
}
