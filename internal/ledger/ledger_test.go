package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/store"
	"github.com/JakeFAU/govtrack-audit/internal/store/sqlite"
)

type fixture struct {
	path  string
	store *sqlite.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.sqlite")
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return fixture{path: path, store: s}
}

func (f fixture) visit(t *testing.T, browser int64, site string, requests int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.NewVisit(ctx, browser, site, 0)
	require.NoError(t, err)
	for range requests {
		require.NoError(t, f.store.RecordRequest(ctx, store.Request{BrowserID: browser, VisitID: id, URL: site + "/x"}))
	}
	return id
}

func (f fixture) cookie(t *testing.T, host, name, value string) {
	t.Helper()
	require.NoError(t, f.store.RecordCookie(context.Background(), store.Cookie{
		BrowserID: 1, VisitID: 1, Host: host, Name: name, Value: value,
	}))
}

func (f fixture) command(t *testing.T, browser, visit int64, name string, retry int, errText string) {
	t.Helper()
	c := store.Command{BrowserID: browser, VisitID: visit, Command: name, RetryNumber: retry}
	if errText != "" {
		c.Error = &errText
	}
	require.NoError(t, f.store.RecordCommand(context.Background(), c))
}

func TestLedgerMissingStoreIsEmpty(t *testing.T) {
	t.Parallel()

	l := New(filepath.Join(t.TempDir(), "absent.sqlite"), nil)
	defer func() { _ = l.Close() }()

	visited, err := l.AlreadyVisitedHosts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, visited)
	count, err := l.UniqueCookieCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	failed, err := l.FailedVisits(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestAlreadyVisitedHostsRequiresARequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.visit(t, 1, "https://a.gov", 3)
	f.visit(t, 1, "https://b.gov", 1)
	f.visit(t, 2, "https://a.gov", 1)
	f.visit(t, 1, "https://c.gov", 0)

	l := New(f.path, nil)
	defer func() { _ = l.Close() }()
	visited, err := l.AlreadyVisitedHosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"https://a.gov": {}, "https://b.gov": {}}, visited)
}

func TestUniqueCookieCountDeduplicatesTriples(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cookie(t, ".a.gov", "_ga", "1")
	f.cookie(t, ".a.gov", "_ga", "1")
	f.cookie(t, ".a.gov", "_ga", "2")
	f.cookie(t, ".b.gov", "_ga", "1")
	f.cookie(t, ".a.gov", "sid", "1")

	l := New(f.path, nil)
	defer func() { _ = l.Close() }()
	n, err := l.UniqueCookieCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	f.cookie(t, ".c.gov", "x", "y")
	n, err = l.UniqueCookieCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n, "each call re-queries the store")
}

func TestFailedVisits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.visit(t, 1, "https://a.gov", 0)
	b := f.visit(t, 2, "https://b.gov", 1)
	f.command(t, 1, a, store.GetCommand, 0, "net::ERR_NAME_NOT_RESOLVED")
	f.command(t, 1, a, store.GetCommand, 0, "net::ERR_NAME_NOT_RESOLVED")
	f.command(t, 1, a, store.GetCommand, 1, "timeout")
	f.command(t, 2, b, store.GetCommand, 0, "")
	f.command(t, 2, b, "ScreenshotFullPageCommand", 0, "capture failed")
	f.command(t, 9, b, store.GetCommand, 0, "wrong browser")

	l := New(f.path, nil)
	defer func() { _ = l.Close() }()
	failed, err := l.FailedVisits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []audit.FailedVisit{
		{BrowserID: 1, VisitID: a, SiteURL: "https://a.gov", Error: "net::ERR_NAME_NOT_RESOLVED", RetryNumber: 0},
		{BrowserID: 1, VisitID: a, SiteURL: "https://a.gov", Error: "timeout", RetryNumber: 1},
	}, failed)

	sum, err := l.Summarize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.VisitedSites)
	assert.Len(t, sum.FailedVisits, 2)
}

func TestLedgerSeesStoreCreatedLater(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.sqlite")
	l := New(path, nil)
	defer func() { _ = l.Close() }()

	visited, err := l.AlreadyVisitedHosts(context.Background())
	require.NoError(t, err)
	require.Empty(t, visited)

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	id, err := s.NewVisit(context.Background(), 1, "https://a.gov", 0)
	require.NoError(t, err)
	require.NoError(t, s.RecordRequest(context.Background(), store.Request{BrowserID: 1, VisitID: id, URL: "https://a.gov"}))

	visited, err = l.AlreadyVisitedHosts(context.Background())
	require.NoError(t, err)
	assert.Contains(t, visited, "https://a.gov")
}
