package investigation

import (
	"context"
	"time"
)

// Store is the persistence interface for investigations. Put persists the
// investigation snapshot; the decision log is written append-only through
// AppendDecision, never rewritten, and reattached by Get.
type Store interface {
	Get(ctx context.Context, id string) (*Investigation, bool, error)
	GetByAlertID(ctx context.Context, alertID string) (*Investigation, bool, error)
	Put(ctx context.Context, inv *Investigation) error
	AppendDecision(ctx context.Context, id string, d *Decision) error

	// ListAwaiting returns investigations in AWAITING_HUMAN whose approval
	// deadline is at or before the given instant.
	ListAwaiting(ctx context.Context, before time.Time) ([]*Investigation, error)

	// ListResumable returns investigations in a non-terminal state other
	// than AWAITING_HUMAN, i.e. runs that were interrupted mid-pipeline.
	ListResumable(ctx context.Context) ([]*Investigation, error)
}
