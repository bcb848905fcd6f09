// Package redisintel implements the Redis-backed enrichment sources:
// enrich.IndicatorStore, enrich.RiskProvider, and enrich.ExposureStore.
// Records are stored as JSON under type-and-value keys by the intel and
// attack-surface sync jobs; the core only ever reads.
package redisintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/enrich"
)

// Config configures Redis access for indicator lookups.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// Store is a read-only Redis-backed indicator store.
type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  log.Logger
}

// New constructs a Redis-backed indicator store.
func New(cfg Config, logger log.Logger) *Store {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "inquest:intel"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Store{
		client:  client,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Key returns the Redis key for one indicator.
func (s *Store) Key(typ alert.EntityType, value string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, typ, value)
}

// Lookup implements enrich.IndicatorStore. The dependency fails open: a
// Redis error is logged and reported as absent, never raised to the
// caller.
func (s *Store) Lookup(ctx context.Context, typ alert.EntityType, value string) (*enrich.IndicatorRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.Key(typ, value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Warn(ctx, "indicator store unavailable, failing open",
			"type", string(typ),
			"error", err.Error(),
		)
		return nil, false, nil
	}

	var rec enrich.IndicatorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn(ctx, "malformed indicator record, failing open",
			"key", s.Key(typ, value),
			"error", err.Error(),
		)
		return nil, false, nil
	}
	return &rec, true, nil
}

// RiskKey returns the Redis key for one entity's behavioral baseline.
func (s *Store) RiskKey(e alert.Entity) string {
	return fmt.Sprintf("%s:risk:%s:%s", s.prefix, e.Type, e.Value)
}

// Query implements enrich.RiskProvider. A missing baseline is a real
// answer (NO_BASELINE), never an error; a Redis failure surfaces as an
// error so the degradation controller sees it.
func (s *Store) Query(ctx context.Context, e alert.Entity) (*enrich.RiskSignal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.RiskKey(e)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &enrich.RiskSignal{Entity: e, State: enrich.RiskStateNoBaseline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("risk query: %w", err)
	}

	var sig enrich.RiskSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decode risk record %s: %w", s.RiskKey(e), err)
	}
	sig.Entity = e
	if sig.State == "" {
		sig.State = enrich.RiskStateBaseline
	}
	return &sig, nil
}

// ExposureKey returns the Redis set key holding exposure records for one
// entity.
func (s *Store) ExposureKey(e alert.Entity) string {
	return fmt.Sprintf("%s:exposure:%s:%s", s.prefix, e.Type, e.Value)
}

// Matches implements enrich.ExposureStore. Malformed members are skipped;
// a Redis failure surfaces as an error.
func (s *Store) Matches(ctx context.Context, entities []alert.Entity) ([]enrich.ExposureMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []enrich.ExposureMatch
	for _, e := range entities {
		members, err := s.client.SMembers(ctx, s.ExposureKey(e)).Result()
		if err != nil {
			return nil, fmt.Errorf("exposure query: %w", err)
		}
		for _, m := range members {
			var match enrich.ExposureMatch
			if err := json.Unmarshal([]byte(m), &match); err != nil {
				s.logger.Warn(ctx, "malformed exposure record skipped",
					"key", s.ExposureKey(e),
					"error", err.Error(),
				)
				continue
			}
			match.Entity = e
			out = append(out, match)
		}
	}
	return out, nil
}

// Ping verifies connectivity; used at startup and by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
