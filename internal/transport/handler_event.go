package transport

import (
	"net/http"
	"time"

	"github.com/buttermb/delviery-sub006/model"
)

// ingestEvent accepts a normalized mutation event from an out-of-process
// host and publishes it to the event bus. The event's tenant must match the
// caller's tenant.
func (h *handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var event model.MutationEvent
	if !decodeBody(w, r, &event) {
		return
	}

	if event.TenantID == "" {
		event.TenantID = rctx.TenantID
	}
	if event.TenantID != rctx.TenantID {
		WriteError(w, r, model.NewForbiddenError("Event tenant does not match caller tenant"))
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := h.bus.Publish(r.Context(), event); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
