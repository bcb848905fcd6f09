// Package pgstore provides a PostgreSQL implementation of
// investigation.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/investigation/pgstore")

//go:embed schema.sql
var schema string

// Store persists investigations in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const invColumns = `id, alert_id, tenant_id, state, alert, entities, enrichment,
	classification, confidence, severity, techniques, quarantined, recommended_actions,
	rationale, summary, calls, tokens_used, cost_usd, pending_action, approval_deadline,
	close_status, failure_reason, created_at, closed_at`

// Get retrieves an investigation by ID with its decision log attached.
//
//nolint:dupl // similar structure to GetByAlertID is intentional
func (s *Store) Get(ctx context.Context, id string) (*investigation.Investigation, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + invColumns + ` FROM investigations WHERE id = $1`
	inv, err := s.scanRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inv == nil {
		return nil, false, nil
	}

	if err := s.loadDecisionLog(ctx, inv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return inv, true, nil
}

// GetByAlertID retrieves the most recent investigation for an alert.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByAlertID(ctx context.Context, alertID string) (*investigation.Investigation, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByAlertID", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + invColumns + ` FROM investigations WHERE alert_id = $1 ORDER BY created_at DESC LIMIT 1`
	inv, err := s.scanRow(s.pool.QueryRow(ctx, query, alertID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inv == nil {
		return nil, false, nil
	}

	if err := s.loadDecisionLog(ctx, inv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return inv, true, nil
}

// Put inserts or updates the investigation snapshot. The decision log is
// written only through AppendDecision.
func (s *Store) Put(ctx context.Context, inv *investigation.Investigation) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	alertJSON, err := json.Marshal(inv.Alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	entitiesJSON, err := json.Marshal(inv.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	var enrichmentJSON []byte
	if inv.Enrichment != nil {
		enrichmentJSON, err = json.Marshal(inv.Enrichment)
		if err != nil {
			return fmt.Errorf("marshal enrichment: %w", err)
		}
	}
	techniquesJSON, _ := json.Marshal(sliceOrEmpty(inv.Techniques))
	quarantinedJSON, _ := json.Marshal(sliceOrEmpty(inv.Quarantined))
	actionsJSON, _ := json.Marshal(sliceOrEmpty(inv.RecommendedActions))
	callsJSON, err := json.Marshal(inv.Calls)
	if err != nil {
		return fmt.Errorf("marshal calls: %w", err)
	}
	if inv.Calls == nil {
		callsJSON = []byte("[]")
	}

	var approvalDeadline, closedAt *time.Time
	if !inv.ApprovalDeadline.IsZero() {
		approvalDeadline = &inv.ApprovalDeadline
	}
	if !inv.ClosedAt.IsZero() {
		closedAt = &inv.ClosedAt
	}

	query := `INSERT INTO investigations (
		id, alert_id, tenant_id, state, alert, entities, enrichment,
		classification, confidence, severity, techniques, quarantined, recommended_actions,
		rationale, summary, calls, tokens_used, cost_usd, pending_action, approval_deadline,
		close_status, failure_reason, created_at, closed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	ON CONFLICT (id) DO UPDATE SET
		state               = EXCLUDED.state,
		entities            = EXCLUDED.entities,
		enrichment          = EXCLUDED.enrichment,
		classification      = EXCLUDED.classification,
		confidence          = EXCLUDED.confidence,
		severity            = EXCLUDED.severity,
		techniques          = EXCLUDED.techniques,
		quarantined         = EXCLUDED.quarantined,
		recommended_actions = EXCLUDED.recommended_actions,
		rationale           = EXCLUDED.rationale,
		summary             = EXCLUDED.summary,
		calls               = EXCLUDED.calls,
		tokens_used         = EXCLUDED.tokens_used,
		cost_usd            = EXCLUDED.cost_usd,
		pending_action      = EXCLUDED.pending_action,
		approval_deadline   = EXCLUDED.approval_deadline,
		close_status        = EXCLUDED.close_status,
		failure_reason      = EXCLUDED.failure_reason,
		closed_at           = EXCLUDED.closed_at`

	_, err = s.pool.Exec(ctx, query,
		inv.ID, inv.AlertID, inv.TenantID, string(inv.State), alertJSON, entitiesJSON, enrichmentJSON,
		inv.Classification, inv.Confidence, inv.Severity, techniquesJSON, quarantinedJSON, actionsJSON,
		inv.Rationale, inv.Summary, callsJSON, inv.TokensUsed, inv.CostUSD, inv.PendingAction, approvalDeadline,
		inv.CloseStatus, inv.FailureReason, inv.CreatedAt, closedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert investigation: %w", err)
	}
	return nil
}

// AppendDecision inserts one decision-log row. The unique (investigation,
// seq) constraint makes accidental rewrites a hard error.
func (s *Store) AppendDecision(ctx context.Context, id string, d *investigation.Decision) error {
	ctx, span := tracer.Start(ctx, "pgstore.AppendDecision", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO decision_log (investigation_id, seq, created_at, actor, action, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, d.Seq, d.Timestamp, d.Actor, d.Action, d.Detail,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert decision seq %d: %w", d.Seq, err)
	}
	return nil
}

// ListAwaiting returns investigations suspended at AWAITING_HUMAN whose
// approval deadline is at or before the given instant.
func (s *Store) ListAwaiting(ctx context.Context, before time.Time) ([]*investigation.Investigation, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListAwaiting", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + invColumns + ` FROM investigations
		WHERE state = $1 AND approval_deadline <= $2`
	rows, err := s.pool.Query(ctx, query, string(investigation.StateAwaitingHuman), before)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query awaiting: %w", err)
	}
	defer rows.Close()

	var out []*investigation.Investigation
	for rows.Next() {
		inv, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate awaiting: %w", err)
	}
	return out, nil
}

// ListResumable returns investigations persisted in a non-terminal state
// other than AWAITING_HUMAN.
func (s *Store) ListResumable(ctx context.Context) ([]*investigation.Investigation, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListResumable", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + invColumns + ` FROM investigations
		WHERE state NOT IN ($1, $2, $3)`
	rows, err := s.pool.Query(ctx, query,
		string(investigation.StateClosed),
		string(investigation.StateFailed),
		string(investigation.StateAwaitingHuman),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query resumable: %w", err)
	}
	defer rows.Close()

	var out []*investigation.Investigation
	for rows.Next() {
		inv, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resumable: %w", err)
	}
	return out, nil
}

// loadDecisionLog reads decision rows and reattaches them to the record.
func (s *Store) loadDecisionLog(ctx context.Context, inv *investigation.Investigation) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, created_at, actor, action, detail
		 FROM decision_log WHERE investigation_id = $1 ORDER BY seq`,
		inv.ID,
	)
	if err != nil {
		return fmt.Errorf("query decision log: %w", err)
	}
	defer rows.Close()

	var entries []investigation.Decision
	for rows.Next() {
		var d investigation.Decision
		if err := rows.Scan(&d.Seq, &d.Timestamp, &d.Actor, &d.Action, &d.Detail); err != nil {
			return fmt.Errorf("scan decision: %w", err)
		}
		entries = append(entries, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate decision log: %w", err)
	}
	inv.DecisionLog = entries
	return nil
}

// scanRow scans a single row into an Investigation (without decision log).
// Returns (nil, nil) when no row is found.
func (s *Store) scanRow(row pgx.Row) (*investigation.Investigation, error) {
	var (
		inv              investigation.Investigation
		state            string
		alertJSON        []byte
		entitiesJSON     []byte
		enrichmentJSON   []byte
		techniquesJSON   []byte
		quarantinedJSON  []byte
		actionsJSON      []byte
		callsJSON        []byte
		approvalDeadline *time.Time
		closedAt         *time.Time
	)

	err := row.Scan(
		&inv.ID, &inv.AlertID, &inv.TenantID, &state, &alertJSON, &entitiesJSON, &enrichmentJSON,
		&inv.Classification, &inv.Confidence, &inv.Severity, &techniquesJSON, &quarantinedJSON, &actionsJSON,
		&inv.Rationale, &inv.Summary, &callsJSON, &inv.TokensUsed, &inv.CostUSD, &inv.PendingAction, &approvalDeadline,
		&inv.CloseStatus, &inv.FailureReason, &inv.CreatedAt, &closedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inv.State = investigation.State(state)
	if approvalDeadline != nil {
		inv.ApprovalDeadline = *approvalDeadline
	}
	if closedAt != nil {
		inv.ClosedAt = *closedAt
	}

	if len(alertJSON) > 0 {
		if err := json.Unmarshal(alertJSON, &inv.Alert); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
	}
	if err := json.Unmarshal(entitiesJSON, &inv.Entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	if len(enrichmentJSON) > 0 {
		if err := json.Unmarshal(enrichmentJSON, &inv.Enrichment); err != nil {
			return nil, fmt.Errorf("unmarshal enrichment: %w", err)
		}
	}
	if err := json.Unmarshal(techniquesJSON, &inv.Techniques); err != nil {
		return nil, fmt.Errorf("unmarshal techniques: %w", err)
	}
	if err := json.Unmarshal(quarantinedJSON, &inv.Quarantined); err != nil {
		return nil, fmt.Errorf("unmarshal quarantined: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &inv.RecommendedActions); err != nil {
		return nil, fmt.Errorf("unmarshal recommended actions: %w", err)
	}
	if err := json.Unmarshal(callsJSON, &inv.Calls); err != nil {
		return nil, fmt.Errorf("unmarshal calls: %w", err)
	}
	return &inv, nil
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
