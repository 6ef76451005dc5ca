package audit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/progress"
)

// unknownLocation is recorded when the locator is missing or fails.
const unknownLocation = "unknown"

// Deps lists the collaborators a Session drives. Engine and Ledger are
// required; every other field has a usable zero value.
type Deps struct {
	Engine    Engine
	Ledger    Ledger
	Gate      Gate
	Archiver  Archiver
	Locator   Locator
	Reporters []Reporter
	Emitter   progress.Emitter
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger
	// Dwell draws the per-visit sleep from [min, max]. Defaults to uniform.
	Dwell func(lo, hi time.Duration) time.Duration
}

type queued struct {
	url  string
	rank int
}

// Session is the state machine for one audit run. The visit loop runs on the
// caller's goroutine; only engine callbacks and Snapshot touch the counters
// concurrently.
type Session struct {
	cfg    RunConfig
	layout Layout
	deps   Deps
	logger *zap.Logger
	runID  string
	done   bool
	queue  []queued

	mu         sync.Mutex
	state      State
	dispatched int
	succeeded  int
	failed     int
	lastURL    string
	startedAt  time.Time
	stopReason string
}

// NewSession prepares a run: it creates the output directory, detects an
// already completed run, and computes the remaining queue by removing hosts
// the store has already visited. Errors here are configuration errors.
func NewSession(ctx context.Context, cfg RunConfig, layout Layout, deps Deps) (*Session, error) {
	if cfg.AuditName == "" {
		return nil, errors.New("audit name is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("automation engine is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("visit ledger is required")
	}
	deps = withDefaultDeps(deps)
	s := &Session{
		cfg:    cfg.withDefaults(),
		layout: layout,
		deps:   deps,
		logger: deps.Logger.Named("session").With(zap.String("audit", cfg.AuditName)),
		state:  StateInitializing,
	}
	runID, err := deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	s.runID = runID

	if err := os.MkdirAll(layout.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", layout.OutputDir, err)
	}
	if _, err := os.Stat(layout.SentinelPath); err == nil {
		s.done = true
		s.setState(StateDone)
		return s, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat completion sentinel: %w", err)
	}

	s.setState(StateResolving)
	visited, err := deps.Ledger.AlreadyVisitedHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("query visited hosts: %w", err)
	}
	s.queue = remaining(s.cfg.URLs, visited)
	if skipped := len(s.cfg.URLs) - len(s.queue); skipped > 0 {
		s.logger.Info("Resuming audit; skipping already visited sites",
			zap.Int("skipped", skipped),
			zap.Int("remaining", len(s.queue)),
		)
	}
	return s, nil
}

func withDefaultDeps(d Deps) Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Emitter == nil {
		d.Emitter = progress.Discard{}
	}
	if d.Clock == nil {
		d.Clock = wallClock{}
	}
	if d.IDs == nil {
		d.IDs = counterIDs{}
	}
	if d.Dwell == nil {
		d.Dwell = uniformDuration
	}
	if d.Gate == nil {
		d.Gate = openGate{}
	}
	return d
}

// remaining keeps the candidates whose URL is not in visited, in order, and
// remembers each one's rank in the full candidate list.
func remaining(urls []string, visited map[string]struct{}) []queued {
	out := make([]queued, 0, len(urls))
	for i, u := range urls {
		if _, ok := visited[u]; ok {
			continue
		}
		out = append(out, queued{url: u, rank: i})
	}
	return out
}

// RunID returns the identifier attached to events and reports.
func (s *Session) RunID() string {
	return s.runID
}

// Remaining returns the URLs still to visit, in dispatch order.
func (s *Session) Remaining() []string {
	out := make([]string, len(s.queue))
	for i, q := range s.queue {
		out[i] = q.url
	}
	return out
}

// Done reports whether the completion sentinel existed when the session was built.
func (s *Session) Done() bool {
	return s.done
}

// Run drives the visit loop and finalizes the run. It returns
// ErrAlreadyComplete without visiting anything when the sentinel exists. If
// ctx is canceled the loop stops, the engine is closed, and neither the
// sentinel nor the manifest is written so a later run resumes.
func (s *Session) Run(ctx context.Context) (Manifest, error) {
	if s.done {
		s.logger.Info("Audit already complete; nothing to do", zap.String("sentinel", s.layout.SentinelPath))
		return Manifest{}, ErrAlreadyComplete
	}
	started := s.deps.Clock.Now()
	s.mu.Lock()
	s.startedAt = started
	s.mu.Unlock()
	s.emit(progress.Event{Stage: progress.StageRunStart, Note: s.cfg.AuditName})
	s.logger.Info("Starting audit",
		zap.String("run_id", s.runID),
		zap.Int("sites", len(s.queue)),
		zap.Int("browsers", s.cfg.BrowserN),
		zap.Int("max_cookies", s.cfg.MaxCookies),
	)

	s.setState(StateVisiting)
	loopErr := s.visitAll(ctx)

	closeCtx := ctx
	if loopErr != nil {
		closeCtx = context.WithoutCancel(ctx)
	}
	if err := s.deps.Engine.Close(closeCtx); err != nil {
		s.logger.Warn("Failed to close automation engine", zap.Error(err))
	}
	if loopErr != nil {
		return Manifest{}, loopErr
	}
	return s.finalize(ctx, started)
}

func (s *Session) visitAll(ctx context.Context) error {
	for _, next := range s.queue {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("audit interrupted: %w", err)
		}
		if s.ceilingReached(ctx) {
			return nil
		}
		blocked, err := s.deps.Gate.Wait(ctx)
		if err != nil {
			return fmt.Errorf("wait for active hours: %w", err)
		}
		if blocked > 0 {
			s.emit(progress.Event{Stage: progress.StageRunSuspended, Dur: blocked})
		}
		slot, err := s.deps.Engine.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("audit interrupted: %w", ctx.Err())
			}
			s.logger.Error("Failed to reserve a browser", zap.String("url", next.url), zap.Error(err))
			s.onComplete(VisitResult{URL: next.url, Rank: next.rank, Err: err})
			continue
		}
		// Visits that finished while waiting for the browser are in the store now.
		if s.ceilingReached(ctx) {
			slot.Release()
			return nil
		}
		visit := Visit{
			URL:     next.url,
			Rank:    next.rank,
			Sleep:   s.deps.Dwell(s.cfg.DwellMin, s.cfg.DwellMax),
			Timeout: s.cfg.VisitTimeout,
			Capture: s.cfg.Capture,
			Suffix:  s.cfg.AuditName,
		}
		if err := slot.Dispatch(ctx, visit, s.onComplete); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("audit interrupted: %w", ctx.Err())
			}
			s.logger.Error("Failed to dispatch visit", zap.String("url", next.url), zap.Error(err))
			s.onComplete(VisitResult{URL: next.url, Rank: next.rank, Err: err})
			continue
		}
		s.mu.Lock()
		s.dispatched++
		s.lastURL = next.url
		s.mu.Unlock()
		s.emit(progress.Event{Stage: progress.StageVisitDispatched, URL: next.url, Rank: next.rank})
	}
	return nil
}

// ceilingReached applies the cookie stopping rule. A failed count query is
// logged and does not stop the run.
func (s *Session) ceilingReached(ctx context.Context) bool {
	if s.cfg.MaxCookies <= 0 {
		return false
	}
	count, err := s.deps.Ledger.UniqueCookieCount(ctx)
	if err != nil {
		s.logger.Warn("Failed to count cookies; continuing", zap.Error(err))
		return false
	}
	if count < s.cfg.MaxCookies {
		return false
	}
	s.logger.Warn("Reached the max cookies ceiling; stopping the crawl",
		zap.Int("cookies", count),
		zap.Int("ceiling", s.cfg.MaxCookies),
	)
	s.mu.Lock()
	s.stopReason = "cookie ceiling reached"
	s.mu.Unlock()
	s.emit(progress.Event{Stage: progress.StageCeilingReached, Cookies: int64(count)})
	return true
}

func (s *Session) onComplete(res VisitResult) {
	s.mu.Lock()
	if res.Success {
		s.succeeded++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if res.Success {
		s.logger.Info("Visit ran successfully", zap.String("url", res.URL), zap.Int("rank", res.Rank))
		s.emit(progress.Event{Stage: progress.StageVisitDone, URL: res.URL, Rank: res.Rank, Dur: res.Duration})
		return
	}
	note := ""
	if res.Err != nil {
		note = res.Err.Error()
	}
	s.logger.Warn("Visit ran unsuccessfully", zap.String("url", res.URL), zap.Int("rank", res.Rank), zap.Error(res.Err))
	s.emit(progress.Event{Stage: progress.StageVisitFailed, URL: res.URL, Rank: res.Rank, Dur: res.Duration, Note: note})
}

func (s *Session) finalize(ctx context.Context, started time.Time) (Manifest, error) {
	s.setState(StateFinalizing)
	ended := s.deps.Clock.Now()

	if err := touch(s.layout.SentinelPath); err != nil {
		return Manifest{}, fmt.Errorf("write completion sentinel: %w", err)
	}
	if s.deps.Archiver != nil {
		if err := s.deps.Archiver.Archive(s.layout.ArchiveTargets()); err != nil {
			s.logger.Error("Failed to archive artifacts", zap.Error(err))
		}
	}

	m := newManifest(s.cfg, started, ended)
	m.RanFromLocation = s.locate(ctx)
	if cookies, err := s.deps.Ledger.UniqueCookieCount(ctx); err != nil {
		s.logger.Error("Sanity check: cookie count failed", zap.Error(err))
	} else {
		m.TotalCookiesCollected = cookies
	}
	if failed, err := s.deps.Ledger.FailedVisits(ctx); err != nil {
		s.logger.Error("Sanity check: failed visit query failed", zap.Error(err))
	} else {
		m.FailedVisitsCount = len(failed)
		m.FailedVisitsDict = NewFailedVisitsDict(failed)
	}

	if err := WriteManifest(s.layout.ManifestPath, m); err != nil {
		return m, fmt.Errorf("write manifest: %w", err)
	}
	for _, r := range s.deps.Reporters {
		if err := r.ReportManifest(ctx, s.runID, m); err != nil {
			s.logger.Warn("Failed to report manifest", zap.Error(err))
		}
	}

	s.emit(progress.Event{
		Stage:   progress.StageRunDone,
		Dur:     ended.Sub(started),
		Cookies: int64(m.TotalCookiesCollected),
	})
	s.setState(StateDone)
	s.logger.Info("Audit finished",
		zap.Int("cookies", m.TotalCookiesCollected),
		zap.Int("failed_visits", m.FailedVisitsCount),
		zap.String("manifest", s.layout.ManifestPath),
	)
	return m, nil
}

func (s *Session) locate(ctx context.Context) string {
	if s.deps.Locator == nil {
		return unknownLocation
	}
	loc, err := s.deps.Locator.Locate(ctx)
	if err != nil || loc == "" {
		s.logger.Warn("Failed to resolve originating location", zap.Error(err))
		return unknownLocation
	}
	return loc
}

// Snapshot returns the live counters for status reporting.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RunID:      s.runID,
		AuditName:  s.cfg.AuditName,
		State:      s.state,
		Queued:     len(s.queue),
		Dispatched: s.dispatched,
		Succeeded:  s.succeeded,
		Failed:     s.failed,
		LastURL:    s.lastURL,
		StartedAt:  s.startedAt,
		StopReason: s.stopReason,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(evt progress.Event) {
	evt.RunID = s.runID
	evt.TS = s.deps.Clock.Now()
	s.deps.Emitter.Emit(evt)
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func uniformDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

type openGate struct{}

func (openGate) Wait(context.Context) (time.Duration, error) { return 0, nil }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type counterIDs struct{}

func (counterIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", time.Now().UnixNano()), nil
}
