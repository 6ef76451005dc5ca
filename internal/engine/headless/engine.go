// Package headless is the automation engine: a pool of Chrome instances that
// visit sites, record network traffic and cookies into the visit store, and
// capture screenshots and page sources.
package headless

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/archive"
	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/store"
)

// Command names recorded in crawl_history for capture steps.
const (
	DumpSourceCommand = "RecursiveDumpPageSourceCommand"
	ScreenshotCommand = "ScreenshotFullPageCommand"
)

// Defaults applied by New.
const (
	DefaultMaxRetries = 2
	DefaultRetryBase  = 2 * time.Second
	defaultRetryMax   = 30 * time.Second
)

// ErrClosed is returned by Acquire and Dispatch after Close.
var ErrClosed = errors.New("automation engine closed")

var errSlotUsed = errors.New("browser slot already used")

// Recorder persists visit records; *sqlite.Store implements it.
type Recorder interface {
	NewVisit(ctx context.Context, browserID int64, siteURL string, rank int) (int64, error)
	RecordCommand(ctx context.Context, c store.Command) error
	RecordRequest(ctx context.Context, r store.Request) error
	RecordResponse(ctx context.Context, r store.Response) error
	RecordCookie(ctx context.Context, c store.Cookie) error
	RecordDNS(ctx context.Context, d store.DNSResponse) error
}

// ArtifactStore writes capture output; path is relative to the audit directory.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Pacer delays navigations to the same host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Tab is one browser page used for a single visit.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	Cookies(ctx context.Context) ([]*network.Cookie, error)
	Screenshot(ctx context.Context) ([]byte, error)
	OuterHTML(ctx context.Context) (string, error)
	Close() error
}

// Browser is one long-lived browser instance.
type Browser interface {
	ID() int64
	// OpenTab opens a page whose browser events are delivered to listen.
	// listen must not block.
	OpenTab(ctx context.Context, listen func(ev any)) (Tab, error)
	Close() error
}

// LaunchSpec describes one browser to start.
type LaunchSpec struct {
	ID          int64
	Headless    bool
	UserAgent   string
	UserDataDir string
}

// Launcher starts a browser.
type Launcher func(ctx context.Context, spec LaunchSpec) (Browser, error)

// Config controls the engine.
type Config struct {
	Browsers    int
	Headless    bool
	UserAgent   string
	ProfileDir  string
	SeedProfile string
	MaxRetries  int
	RetryBase   time.Duration
	Logger      *zap.Logger
	// Launch defaults to LaunchChrome.
	Launch Launcher
	Pacer  Pacer
	// LogCloser runs once the browsers are shut down, before Close returns.
	LogCloser func() error
}

// Engine implements audit.Engine over a fixed pool of browsers.
type Engine struct {
	cfg       Config
	recorder  Recorder
	artifacts ArtifactStore
	logger    *zap.Logger
	browsers  []Browser
	idle      chan Browser

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ audit.Engine = (*Engine)(nil)

// New launches cfg.Browsers browsers. Each gets its own user-data-dir under
// ProfileDir, seeded from SeedProfile when one is configured.
func New(ctx context.Context, cfg Config, recorder Recorder, artifacts ArtifactStore) (*Engine, error) {
	if recorder == nil {
		return nil, errors.New("visit recorder is required")
	}
	if cfg.Browsers <= 0 {
		cfg.Browsers = 1
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.Launch == nil {
		cfg.Launch = LaunchChrome
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:       cfg,
		recorder:  recorder,
		artifacts: artifacts,
		logger:    logger.Named("engine"),
		idle:      make(chan Browser, cfg.Browsers),
	}
	for i := range cfg.Browsers {
		spec := LaunchSpec{ID: int64(i + 1), Headless: cfg.Headless, UserAgent: cfg.UserAgent}
		if cfg.ProfileDir != "" {
			spec.UserDataDir = filepath.Join(cfg.ProfileDir, "browser-"+strconv.Itoa(i+1))
			if err := prepareProfile(spec.UserDataDir, cfg.SeedProfile); err != nil {
				e.closeBrowsers()
				return nil, err
			}
		}
		b, err := cfg.Launch(ctx, spec)
		if err != nil {
			e.closeBrowsers()
			return nil, fmt.Errorf("launch browser %d: %w", spec.ID, err)
		}
		e.browsers = append(e.browsers, b)
		e.idle <- b
	}
	e.logger.Info("Browsers ready",
		zap.Int("browsers", cfg.Browsers),
		zap.Bool("headless", cfg.Headless),
		zap.Bool("seed_profile", cfg.SeedProfile != ""),
	)
	return e, nil
}

func prepareProfile(dir, seed string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create profile dir %s: %w", dir, err)
	}
	if seed == "" {
		return nil
	}
	if err := archive.Extract(seed, dir); err != nil {
		return fmt.Errorf("seed profile %s: %w", dir, err)
	}
	return nil
}

// Acquire blocks until a browser is idle and reserves it. A browser becomes
// idle only after its previous visit has written everything to the store.
func (e *Engine) Acquire(ctx context.Context) (audit.Slot, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case b := <-e.idle:
		return &slot{engine: e, browser: b}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for idle browser: %w", ctx.Err())
	}
}

// Dispatch waits for an idle browser and starts the visit on it.
func (e *Engine) Dispatch(ctx context.Context, v audit.Visit, onComplete func(audit.VisitResult)) error {
	s, err := e.Acquire(ctx)
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, v, onComplete)
}

// slot is a browser taken from the idle pool.
type slot struct {
	engine  *Engine
	browser Browser
	used    atomic.Bool
}

// Dispatch starts the visit on the reserved browser. The visit outcome is
// delivered to onComplete from the visit goroutine.
func (s *slot) Dispatch(ctx context.Context, v audit.Visit, onComplete func(audit.VisitResult)) error {
	if !s.used.CompareAndSwap(false, true) {
		return errSlotUsed
	}
	e, b := s.engine, s.browser
	if e.closed.Load() {
		e.idle <- b
		return ErrClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { e.idle <- b }()
		start := time.Now()
		err := e.visit(ctx, b, v)
		if onComplete != nil {
			onComplete(audit.VisitResult{
				URL:      v.URL,
				Rank:     v.Rank,
				Success:  err == nil,
				Err:      err,
				Duration: time.Since(start),
			})
		}
	}()
	return nil
}

// Release returns an unused browser to the pool.
func (s *slot) Release() {
	if s.used.CompareAndSwap(false, true) {
		s.engine.idle <- s.browser
	}
}

// Close waits for in-flight visits, shuts every browser down, then runs
// LogCloser. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			e.closeErr = fmt.Errorf("wait for in-flight visits: %w", ctx.Err())
		}
		e.closeBrowsers()
		if e.cfg.LogCloser != nil {
			if err := e.cfg.LogCloser(); err != nil {
				e.closeErr = errors.Join(e.closeErr, err)
			}
		}
	})
	return e.closeErr
}

func (e *Engine) closeBrowsers() {
	for _, b := range e.browsers {
		if err := b.Close(); err != nil {
			e.logger.Warn("Failed to close browser", zap.Int64("browser_id", b.ID()), zap.Error(err))
		}
	}
}

// visit runs one site visit. Every browser call is bounded by v.Timeout.
// Store writes use a context detached from cancellation so an interrupted
// visit is still recorded.
func (e *Engine) visit(ctx context.Context, b Browser, v audit.Visit) error {
	rec := context.WithoutCancel(ctx)
	visitID, err := e.recorder.NewVisit(rec, b.ID(), v.URL, v.Rank)
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	obs := newObserver(b.ID(), visitID, v.URL)
	defer func() {
		if err := obs.flush(rec, e.recorder); err != nil {
			e.logger.Warn("Failed to record network events", zap.String("url", v.URL), zap.Error(err))
		}
	}()

	openCtx, cancel := stepContext(ctx, v.Timeout)
	tab, err := b.OpenTab(openCtx, obs.handle)
	cancel()
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	defer func() { _ = tab.Close() }()

	if err := e.navigate(ctx, tab, b.ID(), visitID, v); err != nil {
		return err
	}
	if err := sleepContext(ctx, v.Sleep); err != nil {
		return fmt.Errorf("dwell on %s: %w", v.URL, err)
	}
	if err := e.recordCookies(ctx, rec, tab, b.ID(), visitID, v.Timeout); err != nil {
		e.logger.Warn("Failed to snapshot cookies", zap.String("url", v.URL), zap.Error(err))
	}
	if v.Capture.Source {
		e.capture(ctx, rec, b.ID(), visitID, DumpSourceCommand, v, func(ctx context.Context) (string, []byte, error) {
			html, err := tab.OuterHTML(ctx)
			return artifactName(audit.SourcesDir, visitID, v.Suffix, ".html"), []byte(html), err
		})
	}
	if v.Capture.Screenshot {
		e.capture(ctx, rec, b.ID(), visitID, ScreenshotCommand, v, func(ctx context.Context) (string, []byte, error) {
			png, err := tab.Screenshot(ctx)
			return artifactName(audit.ScreenshotsDir, visitID, v.Suffix, ".png"), png, err
		})
	}
	return nil
}

// navigate loads v.URL, retrying with jittered exponential backoff. Every
// attempt is recorded as a GetCommand with its retry number.
func (e *Engine) navigate(ctx context.Context, tab Tab, browserID, visitID int64, v audit.Visit) error {
	rec := context.WithoutCancel(ctx)
	attempt := 0
	op := func() error {
		if e.cfg.Pacer != nil {
			if err := e.cfg.Pacer.Wait(ctx, v.URL); err != nil {
				return backoff.Permanent(err)
			}
		}
		navCtx, cancel := stepContext(ctx, v.Timeout)
		start := time.Now()
		err := tab.Navigate(navCtx, v.URL)
		cancel()
		e.recordCommand(rec, store.Command{
			BrowserID:   browserID,
			VisitID:     visitID,
			Command:     store.GetCommand,
			Arguments:   v.URL,
			RetryNumber: attempt,
			Duration:    time.Since(start),
		}, err)
		attempt++
		if err == nil {
			return nil
		}
		if !shouldRetry(ctx, err) {
			return backoff.Permanent(err)
		}
		e.logger.Debug("Navigation failed; retrying", zap.String("url", v.URL), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("navigate to %s: %w", v.URL, err)
	}
	return nil
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBase
	b.MaxInterval = max(defaultRetryMax, e.cfg.RetryBase)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// shouldRetry rejects retries once the caller gave up; navigation timeouts
// and browser errors are retried.
func shouldRetry(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (e *Engine) recordCommand(ctx context.Context, c store.Command, cmdErr error) {
	if cmdErr != nil {
		msg := cmdErr.Error()
		c.Error = &msg
	}
	if err := e.recorder.RecordCommand(ctx, c); err != nil {
		e.logger.Warn("Failed to record command", zap.String("command", c.Command), zap.Error(err))
	}
}

func (e *Engine) recordCookies(ctx, rec context.Context, tab Tab, browserID, visitID int64, timeout time.Duration) error {
	stepCtx, cancel := stepContext(ctx, timeout)
	cookies, err := tab.Cookies(stepCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	now := time.Now().UTC()
	for _, c := range cookies {
		if c == nil {
			continue
		}
		if err := e.recorder.RecordCookie(rec, cookieRecord(browserID, visitID, c, now)); err != nil {
			return err
		}
	}
	return nil
}

func cookieRecord(browserID, visitID int64, c *network.Cookie, ts time.Time) store.Cookie {
	return store.Cookie{
		BrowserID:  browserID,
		VisitID:    visitID,
		Host:       c.Domain,
		Name:       c.Name,
		Value:      c.Value,
		Path:       c.Path,
		Expiry:     c.Expires,
		IsSecure:   c.Secure,
		IsHTTPOnly: c.HTTPOnly,
		SameSite:   string(c.SameSite),
		Time:       ts,
	}
}

// capture runs one capture step and stores its output. Failures are recorded
// in crawl_history and do not fail the visit.
func (e *Engine) capture(ctx, rec context.Context, browserID, visitID int64, command string, v audit.Visit,
	produce func(ctx context.Context) (string, []byte, error),
) {
	stepCtx, cancel := stepContext(ctx, v.Timeout)
	defer cancel()
	start := time.Now()
	name, data, err := produce(stepCtx)
	if err == nil {
		if e.artifacts == nil {
			err = errors.New("no artifact store configured")
		} else {
			_, err = e.artifacts.PutObject(stepCtx, name, contentType(name), bytes.NewReader(data))
		}
	}
	e.recordCommand(rec, store.Command{
		BrowserID: browserID,
		VisitID:   visitID,
		Command:   command,
		Arguments: name,
		Duration:  time.Since(start),
	}, err)
	if err != nil {
		e.logger.Warn("Capture failed", zap.String("command", command), zap.String("url", v.URL), zap.Error(err))
	}
}

func artifactName(dir string, visitID int64, suffix, ext string) string {
	name := strconv.FormatInt(visitID, 10)
	if suffix != "" {
		name += "-" + suffix
	}
	return dir + "/" + name + ext
}

func contentType(name string) string {
	if filepath.Ext(name) == ".png" {
		return "image/png"
	}
	return "text/html; charset=utf-8"
}

// stepContext bounds one browser call. A zero timeout leaves it unbounded.
func stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
