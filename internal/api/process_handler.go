package api

import (
	"net/http"
)

// ListProcesses возвращает список процессов.
// GET /api/v1/processes
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	defs := h.orchestrator.Processes()

	result := make([]ProcessResponse, len(defs))
	for i, def := range defs {
		result[i] = ProcessFromDomain(def)
	}

	List(w, result, len(result))
}

// GetProcess возвращает полное определение процесса.
// GET /api/v1/processes/{name}
func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	def, err := h.orchestrator.Process(r.PathValue("name"))
	if HandleError(w, h.logger, err, "process not found") {
		return
	}

	Success(w, def)
}

// GetPlan возвращает план выполнения процесса.
// GET /api/v1/processes/{name}/plan
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.orchestrator.Plan(r.PathValue("name"))
	if HandleError(w, h.logger, err, "process not found") {
		return
	}

	Success(w, PlanFromEngine(plan))
}
