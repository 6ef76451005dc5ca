package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/JakeFAU/govtrack-audit/internal/progress"
)

// PrometheusSink exports audit progress as Prometheus collectors. When a
// Pushgateway URL is configured the final values are pushed on Close, since
// an audit is a batch job that may exit before any scrape.
type PrometheusSink struct {
	runsStarted     prometheus.Counter
	runsCompleted   prometheus.Counter
	runRuntime      prometheus.Histogram
	visits          *prometheus.CounterVec
	visitDuration   *prometheus.HistogramVec
	suspensions     prometheus.Counter
	ceilingStops    prometheus.Counter
	cookiesObserved prometheus.Gauge

	pusher *push.Pusher
}

// PushConfig enables pushing the collectors to a Pushgateway on Close.
type PushConfig struct {
	URL string
	Job string
}

// NewPrometheusSink registers the collectors against reg. gatherer may be nil
// when push is disabled.
func NewPrometheusSink(reg prometheus.Registerer, gatherer prometheus.Gatherer, pushCfg PushConfig) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_runs_started_total",
			Help: "Audit runs that entered the visiting loop.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_runs_completed_total",
			Help: "Audit runs that wrote their manifest.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_run_duration_seconds",
			Help:    "Wall time per completed audit run.",
			Buckets: []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 72 * 3600},
		}),
		visits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_visits_total",
			Help: "Site visits partitioned by stage (dispatched, done, failed).",
		}, []string{"stage"}),
		visitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_visit_duration_seconds",
			Help:    "Visit duration including dwell time, partitioned by result.",
			Buckets: []float64{5, 10, 20, 40, 60, 90, 120, 180},
		}, []string{"result"}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_active_hours_suspensions_total",
			Help: "Times the visit loop was suspended outside active hours.",
		}),
		ceilingStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_cookie_ceiling_stops_total",
			Help: "Runs stopped early by the cookie ceiling.",
		}),
		cookiesObserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_unique_cookies",
			Help: "Last observed count of unique (host, name, value) cookies.",
		}),
	}
	collectors := []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runRuntime,
		s.visits,
		s.visitDuration,
		s.suspensions,
		s.ceilingStops,
		s.cookiesObserved,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	if pushCfg.URL != "" {
		if gatherer == nil {
			return nil, fmt.Errorf("pushgateway requires a gatherer")
		}
		job := pushCfg.Job
		if job == "" {
			job = "govaudit"
		}
		s.pusher = push.New(pushCfg.URL, job).Gatherer(gatherer)
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsCompleted.Inc()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		s.cookiesObserved.Set(float64(evt.Cookies))
	case progress.StageVisitDispatched:
		s.visits.WithLabelValues("dispatched").Inc()
	case progress.StageVisitDone:
		s.visits.WithLabelValues("done").Inc()
		s.observeVisit(evt, "success")
	case progress.StageVisitFailed:
		s.visits.WithLabelValues("failed").Inc()
		s.observeVisit(evt, "error")
	case progress.StageRunSuspended:
		s.suspensions.Inc()
	case progress.StageCeilingReached:
		s.ceilingStops.Inc()
		s.cookiesObserved.Set(float64(evt.Cookies))
	}
}

func (s *PrometheusSink) observeVisit(evt progress.Event, result string) {
	if evt.Dur > 0 {
		s.visitDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close pushes the collectors to the Pushgateway when configured.
func (s *PrometheusSink) Close(ctx context.Context) error {
	if s.pusher == nil {
		return nil
	}
	if err := s.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
