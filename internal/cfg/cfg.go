// Package cfg holds the flag-bound application configuration.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	AnthropicAPIKey string
	APIToken        string

	DatabaseURL     string
	RedisAddr       string
	RedisDB         int
	ArangoEndpoint  string
	ArangoDatabase  string
	ArangoUsername  string
	ArangoPassword  string
	SlackWebhookURL string

	TaxonomyFile     string
	StaticTablesFile string
	FPListFile       string

	ApprovalWindowMinutes int
	TenantQuota           int
	EscalationsPerHour    int
	AutoCloseConfidence   float64
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "API key for the Anthropic inference provider")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on the alert API (empty = auth disabled)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for indicator lookups (empty = indicator source disabled)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database for indicator lookups")
	fs.StringVar(&c.ArangoEndpoint, "arango-endpoint", "", "ArangoDB endpoint for attack-path consequence queries (empty = graph source disabled)")
	fs.StringVar(&c.ArangoDatabase, "arango-database", "inquest", "ArangoDB database holding the attack-path graph")
	fs.StringVar(&c.ArangoUsername, "arango-username", "", "ArangoDB username")
	fs.StringVar(&c.ArangoPassword, "arango-password", "", "ArangoDB password")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.TaxonomyFile, "taxonomy-file", "", "action taxonomy overlay file (empty = built-in taxonomy)")
	fs.StringVar(&c.StaticTablesFile, "static-tables-file", "", "static enrichment tables overlay file (empty = built-in tables)")
	fs.StringVar(&c.FPListFile, "fp-list-file", "", "known false-positive pattern file (empty = no patterns)")
	fs.IntVar(&c.ApprovalWindowMinutes, "approval-window-minutes", 60, "minutes an investigation may wait for human approval (1..1440)")
	fs.IntVar(&c.TenantQuota, "tenant-quota", 200, "per-tenant inference call budget per hour")
	fs.IntVar(&c.EscalationsPerHour, "escalations-per-hour", 20, "global escalation cap per hour")
	fs.Float64Var(&c.AutoCloseConfidence, "auto-close-confidence", 0.85, "minimum confidence for closing without human review (0..1]")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Inference provider key is required
	if c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}

	// The graph source needs a database name once an endpoint is set
	if c.ArangoEndpoint != "" && c.ArangoDatabase == "" {
		errs = append(errs, errors.New("ARANGO_DATABASE is required when ARANGO_ENDPOINT is set"))
	}

	if c.ApprovalWindowMinutes <= 0 || c.ApprovalWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_WINDOW_MINUTES %d (must be 1..1440)", c.ApprovalWindowMinutes))
	}
	if c.TenantQuota <= 0 {
		errs = append(errs, fmt.Errorf("invalid TENANT_QUOTA %d (must be positive)", c.TenantQuota))
	}
	if c.EscalationsPerHour < 0 {
		errs = append(errs, fmt.Errorf("invalid ESCALATIONS_PER_HOUR %d (must be non-negative)", c.EscalationsPerHour))
	}
	if c.AutoCloseConfidence <= 0 || c.AutoCloseConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid AUTO_CLOSE_CONFIDENCE %g (must be in (0, 1])", c.AutoCloseConfidence))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
