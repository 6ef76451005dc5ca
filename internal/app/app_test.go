package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govtrack-audit/internal/app"
	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/config"
	"github.com/JakeFAU/govtrack-audit/internal/engine/headless"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubTab struct{ listen func(ev any) }

func (t *stubTab) Navigate(_ context.Context, url string) error {
	t.listen(&network.EventRequestWillBeSent{Request: &network.Request{URL: url, Method: "GET"}, Type: network.ResourceTypeDocument})
	t.listen(&network.EventResponseReceived{Response: &network.Response{URL: url, Status: 200, RemoteIPAddress: "192.0.2.1"}})
	return nil
}

func (t *stubTab) Cookies(context.Context) ([]*network.Cookie, error) {
	return []*network.Cookie{{Name: "_ga", Value: "GA1.1", Domain: ".gov.pt", Path: "/"}}, nil
}

func (t *stubTab) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (t *stubTab) OuterHTML(context.Context) (string, error) { return "<html></html>", nil }

func (t *stubTab) Close() error { return nil }

type stubBrowser struct {
	id     int64
	mu     sync.Mutex
	opened int
}

func (b *stubBrowser) ID() int64 { return b.id }

func (b *stubBrowser) OpenTab(_ context.Context, listen func(ev any)) (headless.Tab, error) {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return &stubTab{listen: listen}, nil
}

func (b *stubBrowser) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	dataset := filepath.Join(root, "websites.json")
	require.NoError(t, os.WriteFile(dataset, []byte(`{
		"pt-1": {"url": "https://www.portugal.gov.pt", "name": "Governo"},
		"pt-2": {"url": "https://www.parlamento.pt"},
		"pt-3": {"name": "no url"}
	}`), 0o600))

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.Audit.TrialName = "pilot"
	cfg.Audit.Location = "pt"
	cfg.Audit.WebsitesPath = dataset
	cfg.Audit.OutputDir = filepath.Join(root, "output")
	cfg.Audit.ProfilesDir = filepath.Join(root, "profiles")
	cfg.Audit.StoreSource = true
	cfg.Locator.Enabled = false
	cfg.Schedule.ActiveStart, cfg.Schedule.ActiveStop = 0, 0
	cfg.Visit.RetryBase = time.Millisecond
	return cfg
}

func testOptions(browsers *[]*stubBrowser) app.Options {
	var mu sync.Mutex
	return app.Options{
		Clock: fixedClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)},
		Dwell: func(time.Duration, time.Duration) time.Duration { return 0 },
		Launch: func(_ context.Context, spec headless.LaunchSpec) (headless.Browser, error) {
			b := &stubBrowser{id: spec.ID}
			mu.Lock()
			*browsers = append(*browsers, b)
			mu.Unlock()
			return b, nil
		},
	}
}

func TestRunAuditEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var browsers []*stubBrowser
	a := app.New(cfg, nil, testOptions(&browsers))

	m, err := a.RunAudit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "pilot_pt_20240301", m.AuditName)
	assert.Nil(t, m.WebsitesN)
	assert.Equal(t, "unknown", m.RanFromLocation)
	assert.Equal(t, 1, m.TotalCookiesCollected)
	assert.Equal(t, 0, m.FailedVisitsCount)
	require.Len(t, browsers, 1)
	assert.Equal(t, 2, browsers[0].opened)

	layout := a.Layout()
	assert.FileExists(t, layout.SentinelPath)
	assert.FileExists(t, layout.ManifestPath)
	assert.FileExists(t, layout.StorePath)
	assert.FileExists(t, layout.SourceDir+".tar.gz")
	assert.FileExists(t, layout.EngineLog+".tar.gz")
	assert.NoDirExists(t, layout.SourceDir)

	_, err = app.New(cfg, nil, testOptions(&browsers)).RunAudit(context.Background())
	require.ErrorIs(t, err, audit.ErrAlreadyComplete)
	assert.Len(t, browsers, 1, "a completed audit launches no browsers")

	st, err := app.Inspect(context.Background(), cfg.Audit.OutputDir, m.AuditName, nil)
	require.NoError(t, err)
	assert.True(t, st.Complete)
	assert.Equal(t, 2, st.Summary.VisitedSites)
	assert.Equal(t, 1, st.Summary.UniqueCookies)
	require.NotNil(t, st.Manifest)
	assert.Equal(t, m.AuditName, st.Manifest.AuditName)
}

func TestRunAuditSampleTooLarge(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Audit.WebsitesN = 5
	var browsers []*stubBrowser
	_, err := app.New(cfg, nil, testOptions(&browsers)).RunAudit(context.Background())
	require.Error(t, err)
	assert.Empty(t, browsers)
}

func TestRunAuditInterruptedLeavesNoManifest(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var browsers []*stubBrowser
	a := app.New(cfg, nil, testOptions(&browsers))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.RunAudit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoFileExists(t, a.Layout().SentinelPath)
	assert.NoFileExists(t, a.Layout().ManifestPath)
}

func TestRunAuditResumeReusesSampledSeed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Audit.WebsitesN = 1
	var browsers []*stubBrowser
	a := app.New(cfg, nil, testOptions(&browsers))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.RunAudit(ctx)
	require.ErrorIs(t, err, context.Canceled)
	seed, ok, err := audit.ReadSeed(a.Layout().SeedPath)
	require.NoError(t, err)
	require.True(t, ok, "a generated seed is stored before visiting")

	m, err := app.New(cfg, nil, testOptions(&browsers)).RunAudit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m.RandomSeed)
	assert.Equal(t, seed, *m.RandomSeed)
	require.NotNil(t, m.WebsitesN)
	assert.Equal(t, 1, *m.WebsitesN)
}

func TestInspectMissingAudit(t *testing.T) {
	t.Parallel()

	_, err := app.Inspect(context.Background(), t.TempDir(), "nope_20240301", nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}
