// Package arangograph implements enrich.ConsequenceResolver over an
// ArangoDB attack-path graph maintained by offline analytics jobs. The
// query answers: given a finding, what is the worst downstream consequence
// severity reachable from it.
package arangograph

import (
	"context"
	"fmt"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
)

// Config configures graph store access.
type Config struct {
	Endpoint string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// Resolver answers consequence queries from the attack-path graph.
type Resolver struct {
	db      arangodb.Database
	timeout time.Duration
}

// consequenceQuery walks outbound impact edges from the finding vertex and
// returns the most severe consequence within three hops.
const consequenceQuery = `
FOR f IN findings
  FILTER f.finding_id == @finding
  FOR v IN 1..3 OUTBOUND f impact_edges
    SORT v.severity_rank DESC
    LIMIT 1
    RETURN v.severity
`

// New connects to ArangoDB and binds the resolver to the given database.
func New(ctx context.Context, cfg Config) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.Endpoint})
	conn := connection.NewHttpConnection(connection.HttpConfiguration{
		Authentication: connection.NewBasicAuth(cfg.Username, cfg.Password),
		Endpoint:       endpoint,
		ContentType:    connection.ApplicationJSON,
	})

	client := arangodb.NewClient(conn)
	db, err := client.GetDatabase(ctx, cfg.Database, nil)
	if err != nil {
		return nil, fmt.Errorf("arangograph: get database %s: %w", cfg.Database, err)
	}

	return &Resolver{db: db, timeout: cfg.Timeout}, nil
}

// Severity implements enrich.ConsequenceResolver. Errors are returned to
// the caller so the fallback resolver and the degradation controller can
// react; an unknown finding returns an empty severity with no error.
func (r *Resolver) Severity(ctx context.Context, findingID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cursor, err := r.db.Query(ctx, consequenceQuery, &arangodb.QueryOptions{
		BindVars: map[string]interface{}{
			"finding": findingID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("arangograph: query: %w", err)
	}
	defer cursor.Close()

	if !cursor.HasMore() {
		return "", nil
	}

	var severity string
	if _, err := cursor.ReadDocument(ctx, &severity); err != nil {
		return "", fmt.Errorf("arangograph: read: %w", err)
	}
	return severity, nil
}
