// Package ledger answers the read queries an audit session needs from the
// visit store: visited sites, unique cookies, and failed page fetches.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	// registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/store"
)

const (
	visitedHostsQuery = `SELECT DISTINCT v.site_url
		FROM http_requests h
		JOIN site_visits v ON h.visit_id = v.visit_id`

	uniqueCookiesQuery = `SELECT COUNT(*) FROM (
		SELECT DISTINCT host, name, value FROM javascript_cookies
	)`

	failedVisitsQuery = `SELECT DISTINCT c.browser_id, c.visit_id, v.site_url, c.error, c.retry_number
		FROM crawl_history c
		JOIN site_visits v ON c.visit_id = v.visit_id AND c.browser_id = v.browser_id
		WHERE c.command = ? AND c.error IS NOT NULL
		ORDER BY c.visit_id, c.retry_number`
)

// Ledger queries the store at a fixed path. The file may not exist yet; every
// query then returns an empty result. Queries are never cached.
type Ledger struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

var _ audit.Ledger = (*Ledger)(nil)

// New returns a Ledger over the SQLite file at path.
func New(path string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{path: path, logger: logger.Named("ledger")}
}

// handle lazily opens a read-only connection once the file exists.
func (l *Ledger) handle() (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return l.db, nil
	}
	if _, err := os.Stat(l.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat store %s: %w", l.path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+l.path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", l.path, err)
	}
	l.logger.Debug("opened visit store", zap.String("path", l.path))
	l.db = db
	return db, nil
}

// AlreadyVisitedHosts returns the site URLs with at least one recorded request.
func (l *Ledger) AlreadyVisitedHosts(ctx context.Context) (map[string]struct{}, error) {
	visited := make(map[string]struct{})
	db, err := l.handle()
	if err != nil || db == nil {
		return visited, err
	}
	rows, err := db.QueryContext(ctx, visitedHostsQuery)
	if err != nil {
		return nil, fmt.Errorf("query visited hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan visited host: %w", err)
		}
		visited[site] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visited hosts: %w", err)
	}
	return visited, nil
}

// UniqueCookieCount counts distinct (host, name, value) cookie triples.
func (l *Ledger) UniqueCookieCount(ctx context.Context) (int, error) {
	db, err := l.handle()
	if err != nil || db == nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, uniqueCookiesQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unique cookies: %w", err)
	}
	return n, nil
}

// FailedVisits lists page fetches that ended with an error, one entry per
// distinct (browser, visit, site, error, retry) tuple.
func (l *Ledger) FailedVisits(ctx context.Context) ([]audit.FailedVisit, error) {
	db, err := l.handle()
	if err != nil || db == nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, failedVisitsQuery, store.GetCommand)
	if err != nil {
		return nil, fmt.Errorf("query failed visits: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []audit.FailedVisit
	for rows.Next() {
		var f audit.FailedVisit
		if err := rows.Scan(&f.BrowserID, &f.VisitID, &f.SiteURL, &f.Error, &f.RetryNumber); err != nil {
			return nil, fmt.Errorf("scan failed visit: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed visits: %w", err)
	}
	return out, nil
}

// Summary aggregates the ledger queries for status reporting.
type Summary struct {
	VisitedSites  int                 `json:"visited_sites"`
	UniqueCookies int                 `json:"unique_cookies"`
	FailedVisits  []audit.FailedVisit `json:"failed_visits"`
}

// Summarize runs every ledger query once.
func (l *Ledger) Summarize(ctx context.Context) (Summary, error) {
	visited, err := l.AlreadyVisitedHosts(ctx)
	if err != nil {
		return Summary{}, err
	}
	cookies, err := l.UniqueCookieCount(ctx)
	if err != nil {
		return Summary{}, err
	}
	failed, err := l.FailedVisits(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{VisitedSites: len(visited), UniqueCookies: cookies, FailedVisits: failed}, nil
}

// Close releases the read connection, if one was opened.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
