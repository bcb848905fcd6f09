package alertapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// Batch is the ingest payload: one or more normalized alert records.
type Batch struct {
	Alerts []alert.Alert `json:"alerts"`
}

// skipped reports why an alert in a batch was not admitted.
type skipped struct {
	AlertID string `json:"alert_id"`
	Reason  string `json:"reason"`
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	var batch Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	var (
		accepted []string
		skips    []skipped
	)

	for i := range batch.Alerts {
		al := &batch.Alerts[i]
		if al.ID == "" {
			skips = append(skips, skipped{Reason: "missing alert id"})
			continue
		}
		if al.ReceivedAt.IsZero() {
			al.ReceivedAt = time.Now()
		}

		res, err := a.svc.Submit(r.Context(), al)
		if err != nil {
			a.logger.Error(r.Context(), err, "failed to submit alert", "alert_id", al.ID)
			skips = append(skips, skipped{AlertID: al.ID, Reason: "internal error"})
			continue
		}
		if res.Skipped {
			skips = append(skips, skipped{AlertID: al.ID, Reason: res.Reason})
			continue
		}
		accepted = append(accepted, res.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"skipped":  skips,
	})
}
