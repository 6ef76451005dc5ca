package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/govtrack-audit/internal/audit"
)

type uploadLog struct {
	mu     sync.Mutex
	names  []string
	bodies map[string]string
}

// newTestStore points a client at a handler that mimics the JSON API
// multipart upload endpoint.
func newTestStore(t *testing.T, cfg Config, status int) (*ObjectStore, *uploadLog) {
	t.Helper()
	log := &uploadLog{bodies: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", cfg.Bucket))
		name := r.URL.Query().Get("name")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		log.mu.Lock()
		log.names = append(log.names, name)
		log.bodies[name] = string(body)
		log.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"name": %q, "bucket": %q}`, name, cfg.Bucket)
	}))
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, cfg)
	require.NoError(t, err)
	return s, log
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	s, log := newTestStore(t, Config{Bucket: "audits-bucket", Prefix: "/audits/"}, http.StatusOK)
	uri, err := s.PutObject(context.Background(), "x/crawl_config.json", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://audits-bucket/audits/x/crawl_config.json", uri)
	assert.Equal(t, []string{"audits/x/crawl_config.json"}, log.names)
	assert.Contains(t, log.bodies["audits/x/crawl_config.json"], `{"a":1}`)

	_, err = s.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{Bucket: "audits-bucket"}, http.StatusInternalServerError)
	_, err := s.PutObject(context.Background(), "x", "", strings.NewReader("data"))
	require.Error(t, err)
}

func TestReportManifestUploadsArchives(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "pilot_20240301")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screenshots.tar.gz"), []byte("gz"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pilot_20240301.sqlite"), []byte("db"), 0o600))

	s, log := newTestStore(t, Config{Bucket: "b", Prefix: "audits", OutputRoot: root}, http.StatusOK)
	err := s.ReportManifest(context.Background(), "run-1", audit.Manifest{AuditName: "pilot_20240301", BrowserN: 1})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"audits/pilot_20240301/crawl_config.json",
		"audits/pilot_20240301/screenshots.tar.gz",
	}, log.names)
	assert.Contains(t, log.bodies["audits/pilot_20240301/crawl_config.json"], `"audit_name": "pilot_20240301"`)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	bucket, object, err := ParseURI("gs://datasets/gov/websites.json")
	require.NoError(t, err)
	assert.Equal(t, "datasets", bucket)
	assert.Equal(t, "gov/websites.json", object)

	for _, bad := range []string{"s3://x/y", "gs://", "gs://bucket", "gs://bucket/"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}
