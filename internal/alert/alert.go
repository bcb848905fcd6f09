// Package alert defines the normalized alert record consumed by the
// investigation core. Source-specific ingestion adapters emit this shape;
// the core never sees raw detector payloads.
package alert

import (
	"encoding/json"
	"time"
)

// Severity classes recognized by the admission scheduler and router.
// Sources reporting "medium" are normalized to SeverityNormal on ingest.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityNormal   = "normal"
	SeverityLow      = "low"
)

// EntityType identifies the kind of indicator an Entity carries.
type EntityType string

const (
	EntityUser   EntityType = "user"
	EntityHost   EntityType = "host"
	EntityIP     EntityType = "ip"
	EntityDomain EntityType = "domain"
	EntityHash   EntityType = "hash"
	EntityURL    EntityType = "url"
)

// Entity is a typed indicator extracted from an alert.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// Sensitive reports whether the entity value must be redacted before
// leaving the process boundary.
func (e Entity) Sensitive() bool {
	switch e.Type {
	case EntityUser, EntityHost, EntityIP:
		return true
	}
	return false
}

// Alert is a normalized alert record keyed by ID. Delivery is ordered per
// source; the consumer commits progress only after the resulting
// investigation has been durably advanced.
type Alert struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Source      string            `json:"source"`
	RuleID      string            `json:"rule_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Severity    string            `json:"severity"`
	ReceivedAt  time.Time         `json:"received_at"`
	Entities    []Entity          `json:"entities,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Raw         json.RawMessage   `json:"raw,omitempty"`
}

// NormalizeSeverity maps source severity strings onto the four scheduler
// classes. Unknown values land on normal rather than low so a mislabeled
// source cannot starve its own alerts.
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityLow:
		return s
	case "medium", "moderate", "warning":
		return SeverityNormal
	default:
		return SeverityNormal
	}
}
