package headless

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govtrack-audit/internal/archive"
	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/store"
)

type memRecorder struct {
	mu        sync.Mutex
	nextVisit int64
	visits    []string
	commands  []store.Command
	requests  []store.Request
	responses []store.Response
	cookies   []store.Cookie
	dns       []store.DNSResponse
}

func (r *memRecorder) NewVisit(_ context.Context, _ int64, site string, _ int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextVisit++
	r.visits = append(r.visits, site)
	return r.nextVisit, nil
}

func (r *memRecorder) RecordCommand(_ context.Context, c store.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	return nil
}

func (r *memRecorder) RecordRequest(_ context.Context, req store.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *memRecorder) RecordResponse(_ context.Context, resp store.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	return nil
}

func (r *memRecorder) RecordCookie(_ context.Context, c store.Cookie) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cookies = append(r.cookies, c)
	return nil
}

func (r *memRecorder) RecordDNS(_ context.Context, d store.DNSResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dns = append(r.dns, d)
	return nil
}

type fakeTab struct {
	navErrs  []error
	navCalls int
	listen   func(ev any)
	closed   bool
	// hang makes Screenshot block until its context ends.
	hang bool
}

func (t *fakeTab) Navigate(_ context.Context, url string) error {
	i := t.navCalls
	t.navCalls++
	if t.listen != nil {
		t.listen(&network.EventRequestWillBeSent{Request: &network.Request{URL: url, Method: "GET"}, Type: network.ResourceTypeDocument})
		t.listen(&network.EventResponseReceived{Response: &network.Response{URL: url, Status: 200, RemoteIPAddress: "192.0.2.7"}})
	}
	if i < len(t.navErrs) {
		return t.navErrs[i]
	}
	return nil
}

func (t *fakeTab) Cookies(context.Context) ([]*network.Cookie, error) {
	return []*network.Cookie{{Name: "_ga", Value: "GA1", Domain: ".a.gov", Path: "/", Secure: true}}, nil
}

func (t *fakeTab) Screenshot(ctx context.Context) ([]byte, error) {
	if t.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte("png"), nil
}

func (t *fakeTab) OuterHTML(context.Context) (string, error) { return "<html></html>", nil }

func (t *fakeTab) Close() error {
	t.closed = true
	return nil
}

type fakeBrowser struct {
	id      int64
	spec    LaunchSpec
	navErrs []error
	hang    bool
	mu      sync.Mutex
	tabs    []*fakeTab
	closed  bool
	block   chan struct{}
}

func (b *fakeBrowser) ID() int64 { return b.id }

func (b *fakeBrowser) OpenTab(_ context.Context, listen func(ev any)) (Tab, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &fakeTab{navErrs: b.navErrs, listen: listen, hang: b.hang}
	b.tabs = append(b.tabs, t)
	return t, nil
}

func (b *fakeBrowser) Close() error {
	b.closed = true
	return nil
}

type fakeArtifacts struct {
	mu    sync.Mutex
	puts  map[string]string
	types map[string]string
}

func (a *fakeArtifacts) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.puts == nil {
		a.puts = map[string]string{}
		a.types = map[string]string{}
	}
	a.puts[path] = string(data)
	a.types[path] = contentType
	return "mem://" + path, nil
}

type launchRecorder struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	navErrs  []error
	block    chan struct{}
	hang     bool
}

func (l *launchRecorder) launch(_ context.Context, spec LaunchSpec) (Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := &fakeBrowser{id: spec.ID, spec: spec, navErrs: l.navErrs, block: l.block, hang: l.hang}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func newTestEngine(t *testing.T, cfg Config, l *launchRecorder) (*Engine, *memRecorder, *fakeArtifacts) {
	t.Helper()
	rec := &memRecorder{}
	art := &fakeArtifacts{}
	cfg.Launch = l.launch
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	e, err := New(context.Background(), cfg, rec, art)
	require.NoError(t, err)
	return e, rec, art
}

func dispatchAndWait(t *testing.T, e *Engine, v audit.Visit) audit.VisitResult {
	t.Helper()
	done := make(chan audit.VisitResult, 1)
	require.NoError(t, e.Dispatch(context.Background(), v, func(res audit.VisitResult) { done <- res }))
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("visit did not complete")
		return audit.VisitResult{}
	}
}

func TestEngineVisitRecordsArtifacts(t *testing.T) {
	t.Parallel()

	l := &launchRecorder{}
	e, rec, art := newTestEngine(t, Config{Browsers: 1}, l)

	res := dispatchAndWait(t, e, audit.Visit{
		URL:     "https://a.gov",
		Rank:    3,
		Timeout: time.Second,
		Capture: audit.CaptureFlags{Screenshot: true, Source: true},
		Suffix:  "pilot_20240301",
	})
	require.NoError(t, e.Close(context.Background()))

	require.True(t, res.Success)
	assert.Equal(t, 3, res.Rank)
	assert.Equal(t, []string{"https://a.gov"}, rec.visits)
	require.Len(t, rec.requests, 1)
	assert.Equal(t, "https://a.gov", rec.requests[0].TopLevelURL)
	assert.Equal(t, "Document", rec.requests[0].ResourceType)
	require.Len(t, rec.responses, 1)
	require.Len(t, rec.dns, 1)
	assert.Equal(t, "a.gov", rec.dns[0].Hostname)
	assert.Equal(t, "192.0.2.7", rec.dns[0].Addresses)
	require.Len(t, rec.cookies, 1)
	assert.Equal(t, ".a.gov", rec.cookies[0].Host)
	assert.True(t, rec.cookies[0].IsSecure)

	assert.Equal(t, "<html></html>", art.puts["sources/1-pilot_20240301.html"])
	assert.Equal(t, "png", art.puts["screenshots/1-pilot_20240301.png"])
	assert.Equal(t, "image/png", art.types["screenshots/1-pilot_20240301.png"])

	names := make([]string, 0, len(rec.commands))
	for _, c := range rec.commands {
		names = append(names, c.Command)
		assert.Nil(t, c.Error)
	}
	assert.Equal(t, []string{store.GetCommand, DumpSourceCommand, ScreenshotCommand}, names)
	assert.True(t, l.browsers[0].tabs[0].closed)
	assert.True(t, l.browsers[0].closed)
}

func TestEngineRetriesNavigation(t *testing.T) {
	t.Parallel()

	l := &launchRecorder{navErrs: []error{errors.New("net::ERR_TIMED_OUT"), errors.New("net::ERR_TIMED_OUT")}}
	e, rec, _ := newTestEngine(t, Config{Browsers: 1, MaxRetries: 2}, l)

	res := dispatchAndWait(t, e, audit.Visit{URL: "https://a.gov", Timeout: time.Second})
	require.NoError(t, e.Close(context.Background()))
	require.True(t, res.Success)

	require.Len(t, rec.commands, 3)
	for i, c := range rec.commands {
		assert.Equal(t, store.GetCommand, c.Command)
		assert.Equal(t, i, c.RetryNumber)
	}
	require.NotNil(t, rec.commands[0].Error)
	assert.Equal(t, "net::ERR_TIMED_OUT", *rec.commands[0].Error)
	assert.Nil(t, rec.commands[2].Error)
}

func TestEngineGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")
	l := &launchRecorder{navErrs: []error{boom, boom, boom, boom}}
	e, rec, _ := newTestEngine(t, Config{Browsers: 1, MaxRetries: 1}, l)

	res := dispatchAndWait(t, e, audit.Visit{URL: "https://a.gov", Timeout: time.Second, Capture: audit.CaptureFlags{Screenshot: true}})
	require.NoError(t, e.Close(context.Background()))

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, boom)
	assert.Len(t, rec.commands, 2, "no capture after a failed navigation")
	assert.Empty(t, rec.cookies)
}

func TestEngineDispatchBlocksUntilBrowserIdle(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	l := &launchRecorder{block: block}
	e, _, _ := newTestEngine(t, Config{Browsers: 1}, l)

	require.NoError(t, e.Dispatch(context.Background(), audit.Visit{URL: "https://a.gov"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.Dispatch(ctx, audit.Visit{URL: "https://b.gov"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	require.NoError(t, e.Close(context.Background()))
	require.ErrorIs(t, e.Dispatch(context.Background(), audit.Visit{URL: "https://c.gov"}, nil), ErrClosed)
	require.NoError(t, e.Close(context.Background()), "close is idempotent")
}

func TestEngineBoundsCaptureByVisitTimeout(t *testing.T) {
	t.Parallel()

	l := &launchRecorder{hang: true}
	e, rec, art := newTestEngine(t, Config{Browsers: 1}, l)

	res := dispatchAndWait(t, e, audit.Visit{
		URL:     "https://a.gov",
		Timeout: 50 * time.Millisecond,
		Capture: audit.CaptureFlags{Screenshot: true},
	})
	require.True(t, res.Success, "a failed capture does not fail the visit")

	res = dispatchAndWait(t, e, audit.Visit{URL: "https://b.gov", Timeout: 50 * time.Millisecond})
	require.True(t, res.Success, "the browser is free again")
	require.NoError(t, e.Close(context.Background()))

	var shot *store.Command
	for i := range rec.commands {
		if rec.commands[i].Command == ScreenshotCommand {
			shot = &rec.commands[i]
		}
	}
	require.NotNil(t, shot)
	require.NotNil(t, shot.Error)
	assert.Contains(t, *shot.Error, context.DeadlineExceeded.Error())
	assert.Empty(t, art.puts)
}

func TestEngineAcquireAndRelease(t *testing.T) {
	t.Parallel()

	l := &launchRecorder{}
	e, rec, _ := newTestEngine(t, Config{Browsers: 1}, l)

	s, err := e.Acquire(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = e.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "the only browser is reserved")

	s.Release()
	s.Release()
	require.ErrorIs(t, s.Dispatch(context.Background(), audit.Visit{URL: "https://a.gov"}, nil), errSlotUsed)

	res := dispatchAndWait(t, e, audit.Visit{URL: "https://b.gov"})
	require.True(t, res.Success)
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, []string{"https://b.gov"}, rec.visits)

	_, err = e.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngineCloseRunsLogCloser(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("close log file: disk full")
	l := &launchRecorder{}
	e, _, _ := newTestEngine(t, Config{Browsers: 1, LogCloser: func() error {
		calls++
		return boom
	}}, l)

	require.ErrorIs(t, e.Close(context.Background()), boom)
	require.ErrorIs(t, e.Close(context.Background()), boom)
	assert.Equal(t, 1, calls)
	assert.True(t, l.browsers[0].closed, "browsers shut down before the log closes")
}

// cookieLedger counts unique cookie triples in a memRecorder.
type cookieLedger struct{ rec *memRecorder }

func (l cookieLedger) AlreadyVisitedHosts(context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (l cookieLedger) UniqueCookieCount(context.Context) (int, error) {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	seen := map[[3]string]struct{}{}
	for _, c := range l.rec.cookies {
		seen[[3]string{c.Host, c.Name, c.Value}] = struct{}{}
	}
	return len(seen), nil
}

func (l cookieLedger) FailedVisits(context.Context) ([]audit.FailedVisit, error) { return nil, nil }

func TestSessionCeilingWaitsForInFlightVisit(t *testing.T) {
	t.Parallel()

	l := &launchRecorder{}
	e, rec, _ := newTestEngine(t, Config{Browsers: 1}, l)
	root := t.TempDir()
	layout := audit.NewLayout(filepath.Join(root, "output"), filepath.Join(root, "profiles"), "pilot_20240301")
	cfg := audit.RunConfig{
		AuditName:    "pilot_20240301",
		TrialName:    "pilot",
		URLs:         []string{"https://a.gov", "https://b.gov", "https://c.gov"},
		BrowserN:     1,
		MaxCookies:   1,
		VisitTimeout: time.Second,
	}
	s, err := audit.NewSession(context.Background(), cfg, layout, audit.Deps{
		Engine: e,
		Ledger: cookieLedger{rec: rec},
		Dwell:  func(time.Duration, time.Duration) time.Duration { return 50 * time.Millisecond },
	})
	require.NoError(t, err)

	m, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.gov"}, rec.visits, "the ceiling is reached after the first visit")
	assert.Equal(t, 1, m.TotalCookiesCollected)
}

func TestEngineRunsBrowsersInParallel(t *testing.T) {
	t.Parallel()

	l := &launchRecorder{}
	e, rec, _ := newTestEngine(t, Config{Browsers: 3}, l)

	var wg sync.WaitGroup
	for _, u := range []string{"https://a.gov", "https://b.gov", "https://c.gov", "https://d.gov"} {
		wg.Add(1)
		require.NoError(t, e.Dispatch(context.Background(), audit.Visit{URL: u}, func(audit.VisitResult) { wg.Done() }))
	}
	wg.Wait()
	require.NoError(t, e.Close(context.Background()))

	assert.Len(t, l.browsers, 3)
	assert.ElementsMatch(t, []string{"https://a.gov", "https://b.gov", "https://c.gov", "https://d.gov"}, rec.visits)
}

func TestNewSeedsProfiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	seedDir := filepath.Join(root, "seed")
	require.NoError(t, os.MkdirAll(seedDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "Preferences"), []byte("{}"), 0o600))
	require.NoError(t, archive.New(nil).Archive([]string{seedDir}))

	l := &launchRecorder{}
	profiles := filepath.Join(root, "profiles")
	e, _, _ := newTestEngine(t, Config{
		Browsers:    2,
		Headless:    true,
		UserAgent:   "audit-bot",
		ProfileDir:  profiles,
		SeedProfile: seedDir + archive.Suffix,
	}, l)
	require.NoError(t, e.Close(context.Background()))

	require.Len(t, l.browsers, 2)
	for i, b := range l.browsers {
		assert.Equal(t, int64(i+1), b.spec.ID)
		assert.True(t, b.spec.Headless)
		assert.Equal(t, "audit-bot", b.spec.UserAgent)
		_, err := os.Stat(filepath.Join(b.spec.UserDataDir, "seed", "Preferences"))
		assert.NoError(t, err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{MaxRetries: -1}, &memRecorder{}, nil)
	require.Error(t, err)
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "screenshots/4-x.png", artifactName(audit.ScreenshotsDir, 4, "x", ".png"))
	assert.Equal(t, "sources/4.html", artifactName(audit.SourcesDir, 4, "", ".html"))
	assert.Equal(t, "text/html; charset=utf-8", contentType("sources/4.html"))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	assert.True(t, shouldRetry(context.Background(), context.DeadlineExceeded))
	assert.True(t, shouldRetry(context.Background(), errors.New("page crashed")))
	assert.False(t, shouldRetry(context.Background(), nil))
	assert.False(t, shouldRetry(context.Background(), context.Canceled))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, shouldRetry(ctx, errors.New("page crashed")))
}

func TestObserverFlushDeduplicatesDNS(t *testing.T) {
	t.Parallel()

	o := newObserver(1, 9, "https://a.gov")
	for _, u := range []string{"https://a.gov/", "https://a.gov/app.js", "https://cdn.example/x.js"} {
		o.handle(&network.EventResponseReceived{Response: &network.Response{URL: u, Status: 200, RemoteIPAddress: "192.0.2.1"}})
	}
	o.handle(&network.EventResponseReceived{Response: &network.Response{URL: "https://b.gov", Status: 200}})
	o.handle(&network.EventRequestWillBeSent{})
	o.handle("unrelated")

	rec := &memRecorder{}
	require.NoError(t, o.flush(context.Background(), rec))
	assert.Len(t, rec.responses, 4)
	assert.Empty(t, rec.requests)
	require.Len(t, rec.dns, 2)
	assert.Equal(t, "a.gov", rec.dns[0].Hostname)
	assert.Equal(t, "cdn.example", rec.dns[1].Hostname)

	rec2 := &memRecorder{}
	require.NoError(t, o.flush(context.Background(), rec2))
	assert.Empty(t, rec2.responses, "flush drains the buffers")
}

func TestSleepContextHonorsCancel(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
