package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govtrack-audit/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.sqlite")
	first, err := Open(path)
	require.NoError(t, err)
	_, err = first.NewVisit(context.Background(), 1, "https://a.gov", 0)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	var n int
	require.NoError(t, second.db.QueryRow(`SELECT COUNT(*) FROM site_visits`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestStoreRecordsVisitArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	visitID, err := s.NewVisit(ctx, 2, "https://a.gov", 5)
	require.NoError(t, err)
	assert.Positive(t, visitID)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRequest(ctx, store.Request{
		BrowserID: 2, VisitID: visitID, URL: "https://a.gov/app.js", TopLevelURL: "https://a.gov",
		Method: "GET", ResourceType: "Script", Time: ts,
	}))
	require.NoError(t, s.RecordResponse(ctx, store.Response{
		BrowserID: 2, VisitID: visitID, URL: "https://a.gov/app.js", Status: 200, RemoteIP: "192.0.2.1",
	}))
	require.NoError(t, s.RecordCookie(ctx, store.Cookie{
		BrowserID: 2, VisitID: visitID, Host: ".a.gov", Name: "_ga", Value: "GA1.2", IsSecure: true,
	}))
	require.NoError(t, s.RecordDNS(ctx, store.DNSResponse{
		BrowserID: 2, VisitID: visitID, Hostname: "a.gov", Addresses: "192.0.2.1",
	}))
	msg := "net::ERR_TIMED_OUT"
	require.NoError(t, s.RecordCommand(ctx, store.Command{
		BrowserID: 2, VisitID: visitID, Command: store.GetCommand, RetryNumber: 1, Error: &msg, Duration: time.Second,
	}))
	require.NoError(t, s.RecordCommand(ctx, store.Command{
		BrowserID: 2, VisitID: visitID, Command: store.GetCommand, RetryNumber: 2,
	}))

	for table, want := range map[string]int{
		"http_requests":      1,
		"http_responses":     1,
		"javascript_cookies": 1,
		"dns_responses":      1,
		"crawl_history":      2,
	} {
		var n int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
		assert.Equal(t, want, n, table)
	}

	var status string
	var errText *string
	require.NoError(t, s.db.QueryRow(
		`SELECT command_status, error FROM crawl_history WHERE retry_number = 2`).Scan(&status, &errText))
	assert.Equal(t, "ok", status)
	assert.Nil(t, errText)

	var rank int
	require.NoError(t, s.db.QueryRow(`SELECT site_rank FROM site_visits WHERE visit_id = ?`, visitID).Scan(&rank))
	assert.Equal(t, 5, rank)
}
