// Package investigation owns the per-alert lifecycle: the state machine,
// its persistence, the append-only decision log, and the orchestration that
// drives each alert through extraction, enrichment, classification, and
// response under the admission scheduler and safety gateway.
package investigation
