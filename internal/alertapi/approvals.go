package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

// approvalRequest is the body of POST /api/v1/investigations/{id}/approval.
type approvalRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
}

func (a *API) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.investigation.id", id))

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
	default:
		http.Error(w, `{"error":"decision must be approve or reject"}`, http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("inquest.approval.decision", req.Decision))

	inv, err := a.svc.ResolveApproval(r.Context(), id, approve, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, investigation.ErrNotFound):
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case errors.Is(err, investigation.ErrNotAwaiting):
			http.Error(w, `{"error":"investigation is not awaiting approval"}`, http.StatusConflict)
		default:
			a.logger.Error(r.Context(), err, "failed to resolve approval", "id", id, "decision", req.Decision)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inv)
}
