// Package postgres records completed audit runs in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/govtrack-audit/internal/audit"
)

// DefaultTable holds one row per audit.
const DefaultTable = "audit_runs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used by the registry.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunRegistry upserts completed manifests.
type RunRegistry struct {
	pool  execCloser
	table string
}

var _ audit.Reporter = (*RunRegistry)(nil)

// NewRunRegistry connects to Postgres using cfg.
func NewRunRegistry(ctx context.Context, cfg Config) (*RunRegistry, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r, err := NewRunRegistryWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewRunRegistryWithPool builds a registry on an existing pool.
func NewRunRegistryWithPool(pool execCloser, table string) (*RunRegistry, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunRegistry{pool: pool, table: table}, nil
}

// EnsureSchema creates the registry table when missing.
func (r *RunRegistry) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	audit_name TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	trial_name TEXT NOT NULL,
	location TEXT,
	websites_n INTEGER,
	browser_n INTEGER NOT NULL,
	random_seed BIGINT,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP NOT NULL,
	ran_from_location TEXT NOT NULL,
	total_cookies_collected INTEGER NOT NULL,
	failed_visits_count INTEGER NOT NULL,
	manifest JSONB NOT NULL
)`, r.table)
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", r.table, err)
	}
	return nil
}

// ReportManifest inserts the manifest row, replacing any earlier row for the
// same audit.
func (r *RunRegistry) ReportManifest(ctx context.Context, runID string, m audit.Manifest) error {
	if m.AuditName == "" {
		return errors.New("audit name is required")
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	started, err := parseStamp(m.StartedAt)
	if err != nil {
		return err
	}
	ended, err := parseStamp(m.EndedAt)
	if err != nil {
		return err
	}
	var seed *int64
	if m.RandomSeed != nil {
		v := int64(*m.RandomSeed) // #nosec G115 -- seeds are bounded by 2^32-1.
		seed = &v
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	audit_name,
	run_id,
	trial_name,
	location,
	websites_n,
	browser_n,
	random_seed,
	started_at,
	ended_at,
	ran_from_location,
	total_cookies_collected,
	failed_visits_count,
	manifest
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (audit_name) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	ended_at = EXCLUDED.ended_at,
	total_cookies_collected = EXCLUDED.total_cookies_collected,
	failed_visits_count = EXCLUDED.failed_visits_count,
	manifest = EXCLUDED.manifest`, r.table)

	args := []any{
		m.AuditName,
		runID,
		m.TrialName,
		m.Location,
		m.WebsitesN,
		m.BrowserN,
		seed,
		started,
		ended,
		m.RanFromLocation,
		m.TotalCookiesCollected,
		m.FailedVisitsCount,
		doc,
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert audit run: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *RunRegistry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// parseStamp keeps the manifest wall-clock reading; the columns carry no zone.
func parseStamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(audit.TimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse manifest timestamp %q: %w", s, err)
	}
	return t, nil
}
