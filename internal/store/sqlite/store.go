// Package sqlite persists visit records into the per-audit SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/govtrack-audit/internal/store"
)

const driverName = "sqlite3"

// Store writes visit records. All writes share one connection, so concurrent
// browsers are serialized onto a single writer.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store %s: %w", path, err)
	}
	return s, nil
}

// Schema lists the CREATE statements applied by Open.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS site_visits (
		visit_id INTEGER PRIMARY KEY AUTOINCREMENT,
		browser_id INTEGER NOT NULL,
		site_url TEXT NOT NULL,
		site_rank INTEGER,
		visited_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		browser_id INTEGER NOT NULL,
		visit_id INTEGER NOT NULL,
		command TEXT NOT NULL,
		arguments TEXT,
		retry_number INTEGER NOT NULL DEFAULT 0,
		command_status TEXT NOT NULL,
		error TEXT,
		duration INTEGER,
		dtg DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_history_visit ON crawl_history(visit_id, browser_id)`,
	`CREATE TABLE IF NOT EXISTS http_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		browser_id INTEGER NOT NULL,
		visit_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		top_level_url TEXT,
		method TEXT,
		resource_type TEXT,
		time_stamp DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_http_requests_visit ON http_requests(visit_id)`,
	`CREATE TABLE IF NOT EXISTS http_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		browser_id INTEGER NOT NULL,
		visit_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		response_status INTEGER,
		remote_ip TEXT,
		time_stamp DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS javascript_cookies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		browser_id INTEGER NOT NULL,
		visit_id INTEGER NOT NULL,
		host TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT,
		path TEXT,
		expiry REAL,
		is_secure INTEGER NOT NULL DEFAULT 0,
		is_http_only INTEGER NOT NULL DEFAULT 0,
		same_site TEXT,
		time_stamp DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dns_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		browser_id INTEGER NOT NULL,
		visit_id INTEGER NOT NULL,
		hostname TEXT NOT NULL,
		addresses TEXT,
		time_stamp DATETIME NOT NULL
	)`,
}

func (s *Store) migrate() error {
	for _, stmt := range Schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	return strings.TrimSpace(line)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// NewVisit inserts a site_visits row and returns its visit_id.
func (s *Store) NewVisit(ctx context.Context, browserID int64, siteURL string, rank int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO site_visits (browser_id, site_url, site_rank) VALUES (?, ?, ?)`,
		browserID, siteURL, rank)
	if err != nil {
		return 0, fmt.Errorf("insert site visit %s: %w", siteURL, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read visit id: %w", err)
	}
	return id, nil
}

// RecordCommand appends a crawl_history row.
func (s *Store) RecordCommand(ctx context.Context, c store.Command) error {
	status := "ok"
	if c.Error != nil {
		status = "error"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_history (browser_id, visit_id, command, arguments, retry_number, command_status, error, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BrowserID, c.VisitID, c.Command, c.Arguments, c.RetryNumber, status, c.Error, c.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert command %s: %w", c.Command, err)
	}
	return nil
}

// RecordRequest appends an http_requests row.
func (s *Store) RecordRequest(ctx context.Context, r store.Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_requests (browser_id, visit_id, url, top_level_url, method, resource_type, time_stamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.BrowserID, r.VisitID, r.URL, r.TopLevelURL, r.Method, r.ResourceType, stamp(r.Time))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// RecordResponse appends an http_responses row.
func (s *Store) RecordResponse(ctx context.Context, r store.Response) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_responses (browser_id, visit_id, url, response_status, remote_ip, time_stamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.BrowserID, r.VisitID, r.URL, r.Status, r.RemoteIP, stamp(r.Time))
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// RecordCookie appends a javascript_cookies row.
func (s *Store) RecordCookie(ctx context.Context, c store.Cookie) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO javascript_cookies (browser_id, visit_id, host, name, value, path, expiry, is_secure, is_http_only, same_site, time_stamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BrowserID, c.VisitID, c.Host, c.Name, c.Value, c.Path, c.Expiry, c.IsSecure, c.IsHTTPOnly, c.SameSite, stamp(c.Time))
	if err != nil {
		return fmt.Errorf("insert cookie %s: %w", c.Name, err)
	}
	return nil
}

// RecordDNS appends a dns_responses row.
func (s *Store) RecordDNS(ctx context.Context, d store.DNSResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dns_responses (browser_id, visit_id, hostname, addresses, time_stamp) VALUES (?, ?, ?, ?, ?)`,
		d.BrowserID, d.VisitID, d.Hostname, d.Addresses, stamp(d.Time))
	if err != nil {
		return fmt.Errorf("insert dns response %s: %w", d.Hostname, err)
	}
	return nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
