package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buttermb/delviery-sub006/internal/engine"
	"github.com/buttermb/delviery-sub006/model"
)

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	filters := engine.ExecutionFilters{
		Status:     r.URL.Query().Get("status"),
		WorkflowID: r.URL.Query().Get("workflow_id"),
	}
	filters.Limit, filters.Offset = paging(r)

	execs, err := h.engine.ListExecutions(r.Context(), rctx, filters)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if execs == nil {
		execs = []model.WorkflowExecution{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	exec, err := h.engine.GetExecution(r.Context(), rctx, chi.URLParam(r, "executionId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}
