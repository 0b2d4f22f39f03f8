package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/buttermb/delviery-sub006/model"
)

func (h *handler) listVersions(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	versions, err := h.registry.ListVersions(r.Context(), rctx, chi.URLParam(r, "workflowId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if versions == nil {
		versions = []model.WorkflowVersion{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *handler) compareVersions(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	from, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil || from < 1 {
		WriteBadRequest(w, r, "Query parameter from must be a positive version number")
		return
	}
	to, err := strconv.Atoi(r.URL.Query().Get("to"))
	if err != nil || to < 1 {
		WriteBadRequest(w, r, "Query parameter to must be a positive version number")
		return
	}

	diff, err := h.registry.Compare(r.Context(), rctx, chi.URLParam(r, "workflowId"), from, to)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, diff)
}

func (h *handler) restoreVersion(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	versionNumber, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || versionNumber < 1 {
		WriteBadRequest(w, r, "Path parameter version must be a positive version number")
		return
	}

	def, err := h.registry.Restore(r.Context(), rctx, chi.URLParam(r, "workflowId"), versionNumber)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}
