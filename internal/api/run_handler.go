package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/orchestrator"
	"github.com/shaiso/procorch/internal/repo"
)

// ListRuns возвращает историю run с фильтрацией.
// GET /api/v1/runs?process=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ReportFilter{
		Process: q.Get("process"),
		Status:  domain.RunStatus(q.Get("status")),
	}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), 50); err != nil {
		BadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		BadRequest(w, "invalid offset")
		return
	}

	if h.reports == nil {
		List(w, []RunResponse{}, 0)
		return
	}

	reports, err := h.reports.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(reports))
	for i := range reports {
		result[i] = RunFromReport(&reports[i])
	}

	List(w, result, len(result))
}

// ListActiveRuns возвращает выполняющиеся run.
// GET /api/v1/runs/active
func (h *Handler) ListActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.orchestrator.ActiveRuns()

	result := make([]RunResponse, len(runs))
	for i, o := range runs {
		result[i] = RunFromOutcome(o)
	}

	List(w, result, len(result))
}

// CreateRun запускает процесс.
// POST /api/v1/runs
//
// По умолчанию run запускается в фоне и возвращается 202 с execution id.
// С "wait": true ответ содержит итоговый отчёт; FAILED и ABORTED run
// тоже возвращаются с 200, статус run в теле.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Process == "" {
		BadRequest(w, "process is required")
		return
	}

	if !req.Wait {
		id, err := h.orchestrator.Submit(req.ToDomain())
		if HandleError(w, h.logger, err, "") {
			return
		}

		Accepted(w, RunAcceptedResponse{
			ExecutionID: id,
			Process:     req.Process,
			Status:      domain.RunStatusPending,
		})
		return
	}

	rep, err := h.orchestrator.Trigger(r.Context(), req.ToDomain())
	if rep == nil {
		HandleError(w, h.logger, err, "")
		return
	}
	if err != nil {
		h.logger.Info("run finished with error",
			"execution_id", rep.ExecutionID,
			"process", rep.Process,
			"status", rep.Status,
			"error", err,
		)
	}

	Success(w, RunFromReport(rep))
}

// GetRun возвращает run по execution id.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	if o, ok := h.orchestrator.ActiveRun(id); ok {
		Success(w, RunFromOutcome(o))
		return
	}

	if h.reports == nil {
		NotFound(w, "run not found")
		return
	}

	rep, err := h.reports.Get(r.Context(), id)
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromReport(rep))
}

// CancelRun отменяет активный run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	err = h.orchestrator.Cancel(id)
	if errors.Is(err, orchestrator.ErrRunNotFound) && h.reports != nil {
		// Завершённый run отменить нельзя
		_, getErr := h.reports.Get(r.Context(), id)
		switch {
		case getErr == nil:
			InvalidState(w, "run is already finished")
			return
		case !errors.Is(getErr, repo.ErrNotFound):
			InternalError(w, h.logger, getErr)
			return
		}
	}
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	if o, ok := h.orchestrator.ActiveRun(id); ok {
		Accepted(w, RunFromOutcome(o))
		return
	}
	Accepted(w, RunAcceptedResponse{ExecutionID: id, Status: domain.RunStatusAborted})
}

// queryInt парсит целочисленный query-параметр.
func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
