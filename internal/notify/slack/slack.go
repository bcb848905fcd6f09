// Package slack sends investigation notifications to Slack via incoming
// webhooks. It implements investigation.Notifier; delivery failures are
// logged, never surfaced into the investigation itself.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts investigation lifecycle events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, both
// notifications are no-ops.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// ApprovalRequested announces an investigation paused for human approval.
func (n *Notifier) ApprovalRequested(ctx context.Context, inv *investigation.Investigation) {
	n.post(ctx, inv, buildApprovalMessage(inv))
}

// Closed announces a terminal investigation.
func (n *Notifier) Closed(ctx context.Context, inv *investigation.Investigation) {
	n.post(ctx, inv, buildClosedMessage(inv))
}

func (n *Notifier) post(ctx context.Context, inv *investigation.Investigation, msg map[string]any) {
	if n.webhookURL == "" {
		return
	}
	if err := n.send(ctx, msg); err != nil {
		n.logger.Error(ctx, err, "failed to deliver slack notification", "investigation_id", inv.ID)
	}
}

func (n *Notifier) send(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildApprovalMessage(inv *investigation.Investigation) map[string]any {
	header := fmt.Sprintf("⏸️ Approval Needed: %s", alertTitle(inv))

	fields := []map[string]any{
		mrkdwn("*Pending action:* `%s`", inv.PendingAction),
		mrkdwn("*Severity:* %s", inv.Severity),
		mrkdwn("*Classification:* %s", orDash(inv.Classification)),
		mrkdwn("*Confidence:* %.2f", inv.Confidence),
	}
	if !inv.ApprovalDeadline.IsZero() {
		fields = append(fields, mrkdwn("*Expires:* %s", inv.ApprovalDeadline.UTC().Format("2006-01-02 15:04 UTC")))
	}

	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(header),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			{"type": "divider"},
			textBlock("*Rationale*\n\n" + orDash(truncate(inv.Rationale, maxSummaryLen))),
			{"type": "divider"},
			contextBlock(inv),
		},
	}
}

func buildClosedMessage(inv *investigation.Investigation) map[string]any {
	emoji := closeEmoji(inv)
	title := "Investigation Closed"
	if inv.State == investigation.StateFailed {
		title = "Investigation Failed"
	}
	header := fmt.Sprintf("%s %s: %s", emoji, title, alertTitle(inv))

	fields := []map[string]any{
		mrkdwn("*Outcome:* %s", closeOutcome(inv)),
		mrkdwn("*Severity:* %s", inv.Severity),
		mrkdwn("*Classification:* %s", orDash(inv.Classification)),
		mrkdwn("*Confidence:* %.2f", inv.Confidence),
		mrkdwn("*Tokens:* %d", inv.TokensUsed),
		mrkdwn("*Cost:* $%.4f", inv.CostUSD),
	}

	body := inv.Summary
	if inv.State == investigation.StateFailed {
		body = inv.FailureReason
	}

	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(header),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			{"type": "divider"},
			textBlock("*Summary*\n\n" + orDash(truncate(body, maxSummaryLen))),
			{"type": "divider"},
			contextBlock(inv),
		},
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func textBlock(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(inv *investigation.Investigation) map[string]any {
	ts := inv.CreatedAt
	if !inv.ClosedAt.IsZero() {
		ts = inv.ClosedAt
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("inquest • investigation %s • %s", inv.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func mrkdwn(format string, args ...any) map[string]any {
	return map[string]any{
		"type": "mrkdwn",
		"text": fmt.Sprintf(format, args...),
	}
}

func alertTitle(inv *investigation.Investigation) string {
	if inv.Alert != nil && inv.Alert.Title != "" {
		return inv.Alert.Title
	}
	return inv.AlertID
}

func closeOutcome(inv *investigation.Investigation) string {
	if inv.State == investigation.StateFailed {
		return "failed"
	}
	return orDash(inv.CloseStatus)
}

func closeEmoji(inv *investigation.Investigation) string {
	if inv.State == investigation.StateFailed {
		return "\U0001f534" // red circle
	}
	switch inv.CloseStatus {
	case investigation.CloseRejected, investigation.CloseTimedOut:
		return "\U0001f7e1" // yellow circle
	case investigation.CloseFalsePositive, investigation.CloseCancelled:
		return "⚪" // white circle
	default:
		if strings.ToLower(inv.Severity) == "critical" {
			return "\U0001f534" // red circle
		}
		return "\U0001f7e2" // green circle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
