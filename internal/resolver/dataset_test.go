package resolver

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const sampleDataset = `{
  "zeta": {"url": "https://z.gov", "name": "Zeta"},
  "alpha": {"url": "https://a.gov"},
  "no-url": {"name": "Missing"},
  "weird": ["not", "a", "record"],
  "mid": {"url": " https://m.gov "}
}`

func TestParsePreservesDocumentOrder(t *testing.T) {
	t.Parallel()

	ds, err := Parse(strings.NewReader(sampleDataset))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://z.gov", "https://a.gov", "https://m.gov"}, ds.URLs)
	assert.Equal(t, []string{"no-url", "weird"}, ds.Skipped)
}

func TestLoadLogsSkippedRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "websites.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"ok": {"url": "https://a.gov"},
		"bare": "https://b.gov",
		"blank": {"url": "  "}
	}`), 0o600))
	core, logs := observer.New(zapcore.WarnLevel)

	urls, err := Load(context.Background(), path, nil, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.gov"}, urls)

	entries := logs.FilterMessage("Skipped dataset records without a url").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 2, fields["skipped"])
	assert.EqualValues(t, 1, fields["kept"])
	assert.Equal(t, []any{"bare", "blank"}, fields["keys"])
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(`["https://a.gov"]`))
	require.Error(t, err)

	_, err = Parse(strings.NewReader(`{}`))
	require.ErrorIs(t, err, ErrEmptyDataset)

	_, err = Parse(strings.NewReader(`{"a": {"url": "https://a.gov"}`))
	require.Error(t, err)

	_, err = Parse(strings.NewReader(``))
	require.Error(t, err)
}

type fakeSource struct {
	uri  string
	body string
	err  error
}

func (f *fakeSource) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	f.uri = uri
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestLoadLocalFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "websites.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDataset), 0o600))

	urls, err := Load(context.Background(), path, nil, nil)
	require.NoError(t, err)
	assert.Len(t, urls, 3)

	_, err = Load(context.Background(), filepath.Join(t.TempDir(), "missing.json"), nil, nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRemote(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: sampleDataset}
	urls, err := Load(context.Background(), "gs://datasets/websites.json", src, nil)
	require.NoError(t, err)
	assert.Equal(t, "gs://datasets/websites.json", src.uri)
	assert.Equal(t, "https://z.gov", urls[0])

	_, err = Load(context.Background(), "gs://datasets/websites.json", nil, nil)
	require.Error(t, err)

	boom := errors.New("permission denied")
	_, err = Load(context.Background(), "gs://datasets/websites.json", &fakeSource{err: boom}, nil)
	require.ErrorIs(t, err, boom)
}
