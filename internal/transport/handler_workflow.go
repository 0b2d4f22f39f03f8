package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/buttermb/delviery-sub006/internal/registry"
	"github.com/buttermb/delviery-sub006/model"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "Request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var input registry.Input
	if !decodeBody(w, r, &input) {
		return
	}

	def, err := h.registry.Create(r.Context(), rctx, input)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, def)
}

func (h *handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	filters := registry.DefinitionFilters{
		TableName: r.URL.Query().Get("table"),
	}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			WriteBadRequest(w, r, "Query parameter active must be a boolean")
			return
		}
		filters.IsActive = &active
	}
	filters.Limit, filters.Offset = paging(r)

	defs, err := h.registry.List(r.Context(), rctx, filters)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if defs == nil {
		defs = []model.WorkflowDefinition{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (h *handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	def, err := h.registry.Get(r.Context(), rctx, chi.URLParam(r, "workflowId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func (h *handler) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var patch model.DefinitionPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	def, err := h.registry.Update(r.Context(), rctx, chi.URLParam(r, "workflowId"), patch)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func (h *handler) setWorkflowActive(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var body struct {
		Active *bool `json:"active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Active == nil {
		WriteBadRequest(w, r, "Field active is required")
		return
	}

	def, err := h.registry.SetActive(r.Context(), rctx, chi.URLParam(r, "workflowId"), *body.Active)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func paging(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
