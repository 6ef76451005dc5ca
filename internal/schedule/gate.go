// Package schedule implements the active-hours gate that suspends an audit
// outside its configured daily window.
package schedule

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Default window and polling interval.
const (
	DefaultStart        = 8
	DefaultStop         = 19
	DefaultPollInterval = time.Second
)

// Window is a daily [Start, Stop) range of wall-clock hours. Start > Stop
// wraps past midnight; Start == Stop means always active.
type Window struct {
	Start int
	Stop  int
}

// Validate checks both bounds are valid hours.
func (w Window) Validate() error {
	if w.Start < 0 || w.Start > 23 {
		return fmt.Errorf("active window start %d out of range [0,23]", w.Start)
	}
	if w.Stop < 0 || w.Stop > 23 {
		return fmt.Errorf("active window stop %d out of range [0,23]", w.Stop)
	}
	return nil
}

// Active reports whether hour falls inside the window.
func (w Window) Active(hour int) bool {
	switch {
	case w.Start == w.Stop:
		return true
	case w.Start < w.Stop:
		return hour >= w.Start && hour < w.Stop
	default:
		return hour >= w.Start || hour < w.Stop
	}
}

// Clock returns the current local time.
type Clock interface {
	Now() time.Time
}

// Config configures a Gate.
type Config struct {
	Window       Window
	PollInterval time.Duration
	Clock        Clock
	Logger       *zap.Logger
	// Sleep pauses for d or until ctx ends. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gate blocks callers while the clock is outside the active window.
type Gate struct {
	window Window
	poll   time.Duration
	clock  Clock
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New validates cfg and returns a Gate.
func New(cfg Config) (*Gate, error) {
	if err := cfg.Window.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = localClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Gate{
		window: cfg.Window,
		poll:   cfg.PollInterval,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("schedule"),
		sleep:  cfg.Sleep,
	}, nil
}

// Wait returns immediately inside the window. Outside it, Wait polls the
// clock until the window opens and reports how long it blocked.
func (g *Gate) Wait(ctx context.Context) (time.Duration, error) {
	start := g.clock.Now()
	if g.window.Active(start.Hour()) {
		return 0, nil
	}
	g.logger.Info("Outside active hours; suspending the crawl",
		zap.Int("hour", start.Hour()),
		zap.Int("active_start", g.window.Start),
		zap.Int("active_stop", g.window.Stop),
	)
	for {
		if err := g.sleep(ctx, g.poll); err != nil {
			return g.clock.Now().Sub(start), fmt.Errorf("suspended outside active hours: %w", err)
		}
		now := g.clock.Now()
		if g.window.Active(now.Hour()) {
			blocked := now.Sub(start)
			g.logger.Info("Active hours resumed", zap.Int("hour", now.Hour()), zap.Duration("blocked", blocked))
			return blocked, nil
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type localClock struct{}

func (localClock) Now() time.Time { return time.Now() }
