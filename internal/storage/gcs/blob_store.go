// Package gcs replicates audit outputs to Google Cloud Storage and reads
// gs:// website datasets.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/archive"
	"github.com/JakeFAU/govtrack-audit/internal/audit"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// OutputRoot is the local root holding one directory per audit; archives
	// are uploaded from <OutputRoot>/<audit>.
	OutputRoot string
	Logger     *zap.Logger
}

// ObjectStore writes objects to one bucket.
type ObjectStore struct {
	client     *storage.Client
	bucket     string
	prefix     string
	outputRoot string
	logger     *zap.Logger
}

var _ audit.Reporter = (*ObjectStore)(nil)

// New creates a GCS-backed object store.
func New(client *storage.Client, cfg Config) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		outputRoot: cfg.OutputRoot,
		logger:     logger.Named("gcs"),
	}, nil
}

// PutObject uploads r under the configured prefix and returns a gs:// URI.
func (s *ObjectStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("object name is required")
	}
	name = path.Join(s.prefix, name)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// ReportManifest uploads the manifest and every archive of the audit to
// <prefix>/<audit>/.
func (s *ObjectStore) ReportManifest(ctx context.Context, runID string, m audit.Manifest) error {
	payload, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	uri, err := s.PutObject(ctx, path.Join(m.AuditName, audit.ManifestFile), "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	s.logger.Info("Uploaded manifest", zap.String("run_id", runID), zap.String("uri", uri))

	if s.outputRoot == "" {
		return nil
	}
	archives, err := filepath.Glob(filepath.Join(s.outputRoot, m.AuditName, "*"+archive.Suffix))
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	for _, local := range archives {
		if err := s.uploadFile(ctx, local, path.Join(m.AuditName, filepath.Base(local))); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStore) uploadFile(ctx context.Context, local, name string) error {
	f, err := os.Open(local) // #nosec G304 -- archives found under the audit directory.
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer func() { _ = f.Close() }()
	uri, err := s.PutObject(ctx, name, "application/gzip", f)
	if err != nil {
		return err
	}
	s.logger.Info("Uploaded archive", zap.String("uri", uri))
	return nil
}

// Open reads a gs://bucket/object URI. It ignores the configured bucket
// and prefix.
func (s *ObjectStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return r, nil
}

// ParseURI splits gs://bucket/object.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs:// uri needs a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}
