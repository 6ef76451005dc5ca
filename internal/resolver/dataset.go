package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Source opens a remote dataset object such as gs://bucket/object.
type Source interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Load reads the dataset at path. gs:// paths go through remote; anything
// else is read from the local filesystem. Skipped records are logged.
func Load(ctx context.Context, path string, remote Source, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		rc  io.ReadCloser
		err error
	)
	if strings.HasPrefix(path, "gs://") {
		if remote == nil {
			return nil, fmt.Errorf("load dataset %s: no object store configured", path)
		}
		rc, err = remote.Open(ctx, path)
	} else {
		rc, err = os.Open(path) // #nosec G304 -- operator supplied dataset path.
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer func() { _ = rc.Close() }()

	ds, err := Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", path, err)
	}
	if len(ds.Skipped) > 0 {
		logger.Warn("Skipped dataset records without a url",
			zap.String("dataset", path),
			zap.Int("skipped", len(ds.Skipped)),
			zap.Int("kept", len(ds.URLs)),
			zap.Strings("keys", ds.Skipped),
		)
	}
	return ds.URLs, nil
}

// Dataset is a parsed website list.
type Dataset struct {
	URLs []string
	// Skipped holds the keys whose record is not an object with a url.
	Skipped []string
}

type record struct {
	URL string `json:"url"`
}

// Parse decodes a JSON object of key -> {"url": ...} records and returns the
// URLs in document order. Records that are not objects or have no url are
// reported in Skipped.
func Parse(r io.Reader) (Dataset, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return Dataset{}, fmt.Errorf("read dataset: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Dataset{}, errors.New("dataset must be a JSON object")
	}

	var ds Dataset
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Dataset{}, fmt.Errorf("read dataset key: %w", err)
		}
		key := fmt.Sprint(tok)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Dataset{}, fmt.Errorf("read dataset record %s: %w", key, err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			ds.Skipped = append(ds.Skipped, key)
			continue
		}
		u := strings.TrimSpace(rec.URL)
		if u == "" {
			ds.Skipped = append(ds.Skipped, key)
			continue
		}
		ds.URLs = append(ds.URLs, u)
	}
	if _, err := dec.Token(); err != nil {
		return Dataset{}, fmt.Errorf("read dataset end: %w", err)
	}
	if len(ds.URLs) == 0 {
		return Dataset{}, ErrEmptyDataset
	}
	return ds, nil
}
