package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buttermb/delviery-sub006/internal/engine"
	"github.com/buttermb/delviery-sub006/model"
)

func (h *handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	filters := engine.DeadLetterFilters{
		Status: r.URL.Query().Get("status"),
	}
	filters.Limit, filters.Offset = paging(r)

	entries, err := h.engine.ListDeadLetters(r.Context(), rctx, filters)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.DeadLetterEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (h *handler) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	entry, err := h.engine.GetDeadLetter(r.Context(), rctx, chi.URLParam(r, "entryId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (h *handler) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	execID, err := h.engine.RetryFromDeadLetter(r.Context(), rctx, chi.URLParam(r, "entryId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (h *handler) resolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var body struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	if err := h.engine.ResolveDeadLetter(r.Context(), rctx, chi.URLParam(r, "entryId"), body.Notes); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": model.DeadLetterStatusResolved})
}
