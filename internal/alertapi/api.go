package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

// InvestigationService defines the business operations alertapi needs.
type InvestigationService interface {
	Submit(ctx context.Context, al *alert.Alert) (*investigation.SubmitResult, error)
	Get(ctx context.Context, id string) (*investigation.Investigation, bool, error)
	ResolveApproval(ctx context.Context, id string, approve bool, actor string) (*investigation.Investigation, error)
	Cancel(ctx context.Context, id string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    InvestigationService
}

// New creates a new API handler.
func New(logger log.Logger, svc InvestigationService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("investigation service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/investigations/{id}", a.handleGetInvestigation)
		r.Post("/investigations/{id}/approval", a.handleApproval)
		r.Post("/investigations/{id}/cancel", a.handleCancel)
	})
}

func (a *API) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.investigation.id", id))

	inv, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get investigation", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("inquest.investigation.state", string(inv.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inv)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := a.svc.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		a.logger.Error(r.Context(), err, "failed to cancel investigation", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "cancelling"})
}
