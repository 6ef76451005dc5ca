// Package app builds every audit component from configuration and runs one
// audit end to end.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/api"
	"github.com/JakeFAU/govtrack-audit/internal/archive"
	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/clock/system"
	"github.com/JakeFAU/govtrack-audit/internal/config"
	"github.com/JakeFAU/govtrack-audit/internal/engine/headless"
	"github.com/JakeFAU/govtrack-audit/internal/id/uuid"
	"github.com/JakeFAU/govtrack-audit/internal/ledger"
	"github.com/JakeFAU/govtrack-audit/internal/locator"
	"github.com/JakeFAU/govtrack-audit/internal/logging"
	"github.com/JakeFAU/govtrack-audit/internal/policy/ratelimit"
	"github.com/JakeFAU/govtrack-audit/internal/progress"
	"github.com/JakeFAU/govtrack-audit/internal/progress/sinks"
	"github.com/JakeFAU/govtrack-audit/internal/publisher/pubsub"
	"github.com/JakeFAU/govtrack-audit/internal/resolver"
	"github.com/JakeFAU/govtrack-audit/internal/schedule"
	"github.com/JakeFAU/govtrack-audit/internal/storage/gcs"
	"github.com/JakeFAU/govtrack-audit/internal/storage/local"
	"github.com/JakeFAU/govtrack-audit/internal/storage/postgres"
	"github.com/JakeFAU/govtrack-audit/internal/store/sqlite"
)

const closeTimeout = 30 * time.Second

// Options overrides collaborators for tests. Zero values use the real ones.
type Options struct {
	Launch   headless.Launcher
	Clock    audit.Clock
	Dwell    func(lo, hi time.Duration) time.Duration
	Registry *prometheus.Registry
}

// App holds the configuration and shared services of one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	opts     Options
	registry *prometheus.Registry
	clock    audit.Clock

	closers []func() error
}

// New creates an App. Nothing is opened until RunAudit.
func New(cfg config.Config, logger *zap.Logger, opts Options) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var clk audit.Clock = system.New()
	if opts.Clock != nil {
		clk = opts.Clock
	}
	return &App{cfg: cfg, logger: logger, opts: opts, registry: reg, clock: clk}
}

// Layout returns the paths for today's audit.
func (a *App) Layout() audit.Layout {
	name := a.cfg.AuditName(a.clock.Now())
	return audit.NewLayout(a.cfg.Audit.OutputDir, a.cfg.Audit.ProfilesDir, name)
}

// RunAudit resolves the website list, launches the browsers, and drives the
// session until it finishes or ctx is cancelled.
func (a *App) RunAudit(ctx context.Context) (audit.Manifest, error) {
	defer a.closeAll()

	layout := a.Layout()
	logger := a.logger.With(zap.String("audit", layout.AuditName))
	if _, err := os.Stat(layout.SentinelPath); err == nil {
		logger.Info("Audit already complete; nothing to do", zap.String("sentinel", layout.SentinelPath))
		return audit.Manifest{}, audit.ErrAlreadyComplete
	}
	if err := os.MkdirAll(layout.OutputDir, 0o750); err != nil {
		return audit.Manifest{}, fmt.Errorf("create output dir: %w", err)
	}

	objects, err := a.objectStore(ctx)
	if err != nil {
		return audit.Manifest{}, err
	}
	var remote resolver.Source
	if objects != nil {
		remote = objects
	}
	pool, err := resolver.Load(ctx, a.cfg.Audit.WebsitesPath, remote, logger)
	if err != nil {
		return audit.Manifest{}, err
	}
	seed, err := a.runSeed(layout, logger)
	if err != nil {
		return audit.Manifest{}, err
	}
	resolved, err := resolver.New().Resolve(pool, a.cfg.Audit.WebsitesN, seed)
	if err != nil {
		return audit.Manifest{}, err
	}
	if resolved.SampleSize > 0 {
		if err := audit.WriteSeed(layout.SeedPath, resolved.Seed); err != nil {
			return audit.Manifest{}, err
		}
	}
	logger.Info("Resolved websites",
		zap.Int("pool", len(pool)),
		zap.Int("selected", len(resolved.URLs)),
		zap.Uint64("seed", resolved.Seed),
	)
	runCfg := a.cfg.RunConfig(layout.AuditName, resolved)

	engine, err := a.engine(ctx, layout, logger)
	if err != nil {
		return audit.Manifest{}, err
	}

	book := ledger.New(layout.StorePath, logger)
	a.closers = append(a.closers, book.Close)

	gate, err := schedule.New(schedule.Config{
		Window:       schedule.Window{Start: a.cfg.Schedule.ActiveStart, Stop: a.cfg.Schedule.ActiveStop},
		PollInterval: a.cfg.Schedule.PollInterval,
		Clock:        a.clock,
		Logger:       logger,
	})
	if err != nil {
		_ = engine.Close(ctx)
		return audit.Manifest{}, err
	}

	hub, err := a.progressHub(logger)
	if err != nil {
		_ = engine.Close(ctx)
		return audit.Manifest{}, err
	}

	reporters, err := a.reporters(ctx, objects, logger)
	if err != nil {
		_ = engine.Close(ctx)
		return audit.Manifest{}, err
	}

	deps := audit.Deps{
		Engine:    engine,
		Ledger:    book,
		Gate:      gate,
		Archiver:  archive.New(logger),
		Reporters: reporters,
		Emitter:   hub,
		Clock:     a.clock,
		IDs:       uuid.New(),
		Logger:    logger,
		Dwell:     a.opts.Dwell,
	}
	if a.cfg.Locator.Enabled {
		deps.Locator = locator.New(locator.Config{URL: a.cfg.Locator.URL, Timeout: a.cfg.Locator.Timeout})
	}

	session, err := audit.NewSession(ctx, runCfg, layout, deps)
	if err != nil {
		_ = engine.Close(ctx)
		return audit.Manifest{}, err
	}
	a.serveStatus(ctx, session, logger)
	return session.Run(ctx)
}

// runSeed returns the configured seed or, when sampling without one, the
// seed an earlier attempt at the same audit sampled with.
func (a *App) runSeed(layout audit.Layout, logger *zap.Logger) (uint64, error) {
	if seed := a.cfg.Seed(); seed != 0 || a.cfg.Audit.WebsitesN <= 0 {
		return seed, nil
	}
	seed, ok, err := audit.ReadSeed(layout.SeedPath)
	if err != nil {
		return 0, err
	}
	if ok {
		logger.Info("Reusing the sampling seed of the interrupted attempt", zap.Uint64("seed", seed))
	}
	return seed, nil
}

// engine opens the visit store and launches the browser pool. The engine
// logs to the layout's engine log as well as the main logger.
func (a *App) engine(ctx context.Context, layout audit.Layout, logger *zap.Logger) (*headless.Engine, error) {
	visits, err := sqlite.Open(layout.StorePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, visits.Close)

	artifacts, err := local.New(layout.OutputDir)
	if err != nil {
		return nil, err
	}

	engineLogger, closeLog, err := logging.Tee(logger, layout.EngineLog)
	if err != nil {
		return nil, err
	}
	// Also closed by the engine so the file is complete before it is archived.
	a.closers = append(a.closers, closeLog)

	pacer := ratelimit.New(ratelimit.Config{
		PerHostRPS: a.cfg.Visit.HostRPS,
		OnDelay: func(host string, d time.Duration) {
			engineLogger.Debug("Pacing navigation", zap.String("host", host), zap.Duration("delay", d))
		},
	})

	engine, err := headless.New(ctx, headless.Config{
		Browsers:    a.cfg.Audit.BrowserN,
		Headless:    a.cfg.Audit.Headless,
		UserAgent:   a.cfg.Browser.UserAgent,
		ProfileDir:  layout.ProfileDir,
		SeedProfile: a.cfg.Audit.SeedProfile,
		MaxRetries:  a.cfg.Visit.MaxRetries,
		RetryBase:   a.cfg.Visit.RetryBase,
		Logger:      engineLogger,
		Launch:      a.opts.Launch,
		Pacer:       pacer,
		LogCloser:   closeLog,
	}, visits, artifacts)
	if err != nil {
		return nil, fmt.Errorf("start automation engine: %w", err)
	}
	return engine, nil
}

// objectStore connects to GCS when a bucket or a gs:// dataset is configured.
func (a *App) objectStore(ctx context.Context) (*gcs.ObjectStore, error) {
	remoteDataset := strings.HasPrefix(a.cfg.Audit.WebsitesPath, "gs://")
	if a.cfg.Storage.GCSBucket == "" && !remoteDataset {
		return nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	bucket := a.cfg.Storage.GCSBucket
	if bucket == "" {
		// Only reads are needed; the bucket is taken from the dataset URI.
		bucket, _, err = gcs.ParseURI(a.cfg.Audit.WebsitesPath)
		if err != nil {
			return nil, err
		}
	}
	return gcs.New(client, gcs.Config{
		Bucket:     bucket,
		Prefix:     a.cfg.Storage.Prefix,
		OutputRoot: a.cfg.Audit.OutputDir,
		Logger:     a.logger,
	})
}

func (a *App) reporters(ctx context.Context, objects *gcs.ObjectStore, logger *zap.Logger) ([]audit.Reporter, error) {
	var out []audit.Reporter
	if objects != nil && a.cfg.Storage.GCSBucket != "" {
		out = append(out, objects)
	}
	if a.cfg.DB.DSN != "" {
		reg, err := postgres.NewRunRegistry(ctx, postgres.Config{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { reg.Close(); return nil })
		if err := reg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	if a.cfg.PubSub.TopicName != "" {
		pub, err := pubsub.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		out = append(out, pub)
	}
	logger.Debug("Manifest reporters configured", zap.Int("count", len(out)))
	return out, nil
}

func (a *App) progressHub(logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(a.registry, a.registry, sinks.PushConfig{
		URL: a.cfg.Metrics.PushgatewayURL,
		Job: a.cfg.Metrics.Job,
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger.Named("progress")), promSink)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return hub.Close(ctx)
	})
	return hub, nil
}

func (a *App) serveStatus(ctx context.Context, session *audit.Session, logger *zap.Logger) {
	if a.cfg.Metrics.ListenAddr == "" {
		return
	}
	srv, err := api.NewServer(api.Config{
		Addr:       a.cfg.Metrics.ListenAddr,
		Gatherer:   a.registry,
		Registerer: a.registry,
		Status:     session,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn("Status server disabled", zap.Error(err))
		return
	}
	serveCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(serveCtx); err != nil {
			logger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	a.closers = append(a.closers, func() error {
		stop()
		<-done
		return nil
	})
}

// closeAll releases resources in reverse order of acquisition.
func (a *App) closeAll() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error releasing audit resources", zap.Error(err))
	}
}

// Status summarizes an existing audit directory without launching anything.
type Status struct {
	AuditName string          `json:"audit_name"`
	Complete  bool            `json:"complete"`
	Summary   ledger.Summary  `json:"summary"`
	Manifest  *audit.Manifest `json:"manifest,omitempty"`
}

// Inspect reads the ledger and manifest of auditName under outputRoot.
func Inspect(ctx context.Context, outputRoot, auditName string, logger *zap.Logger) (Status, error) {
	layout := audit.NewLayout(outputRoot, "", auditName)
	if _, err := os.Stat(layout.OutputDir); err != nil {
		return Status{}, fmt.Errorf("audit %s: %w", auditName, err)
	}
	book := ledger.New(layout.StorePath, logger)
	defer func() { _ = book.Close() }()

	st := Status{AuditName: auditName}
	if _, err := os.Stat(layout.SentinelPath); err == nil {
		st.Complete = true
	}
	summary, err := book.Summarize(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Summary = summary
	if m, err := audit.ReadManifest(layout.ManifestPath); err == nil {
		st.Manifest = &m
	} else if !errors.Is(err, os.ErrNotExist) {
		return Status{}, err
	}
	return st, nil
}
