// Package audit drives one tracking-audit run: it turns a resolved list of
// target URLs into a bounded, resumable sequence of browser visits and writes
// the run manifest once the sequence ends.
package audit

import (
	"errors"
	"time"
)

// Run lifecycle errors.
var (
	// ErrAlreadyComplete is returned by Session.Run when the completion
	// sentinel already exists in the output directory.
	ErrAlreadyComplete = errors.New("audit already complete")
	// ErrManifestExists is returned when a manifest would overwrite an existing one.
	ErrManifestExists = errors.New("run manifest already exists")
)

// Default visit parameters.
const (
	DefaultVisitTimeout = 60 * time.Second
	DefaultDwellMin     = 6 * time.Second
	DefaultDwellMax     = 60 * time.Second
)

// State is a step of the session state machine.
type State string

// Session states in the order a run moves through them.
const (
	StateInitializing State = "initializing"
	StateResolving    State = "resolving_urls"
	StateVisiting     State = "visiting"
	StateFinalizing   State = "finalizing"
	StateDone         State = "done"
)

// CaptureFlags selects the optional side effects attached to each visit.
type CaptureFlags struct {
	Screenshot bool `json:"screenshot"`
	Source     bool `json:"source"`
}

// RunConfig is the immutable configuration of one audit run. Zero values of
// SampleSize, MaxCookies and RandomSeed mean "not set".
type RunConfig struct {
	AuditName   string
	TrialName   string
	Location    string
	URLs        []string
	SampleSize  int
	BrowserN    int
	Headless    bool
	MaxCookies  int
	RandomSeed  uint64
	SeedProfile string
	Capture     CaptureFlags

	VisitTimeout time.Duration
	DwellMin     time.Duration
	DwellMax     time.Duration
}

// withDefaults fills the visit timing knobs left at zero.
func (c RunConfig) withDefaults() RunConfig {
	if c.VisitTimeout <= 0 {
		c.VisitTimeout = DefaultVisitTimeout
	}
	if c.DwellMin <= 0 && c.DwellMax <= 0 {
		c.DwellMin, c.DwellMax = DefaultDwellMin, DefaultDwellMax
	}
	if c.DwellMax < c.DwellMin {
		c.DwellMax = c.DwellMin
	}
	if c.BrowserN <= 0 {
		c.BrowserN = 1
	}
	c.URLs = append([]string(nil), c.URLs...)
	return c
}

// Visit is one dispatch request handed to the automation engine.
type Visit struct {
	URL     string
	Rank    int
	Sleep   time.Duration
	Timeout time.Duration
	Capture CaptureFlags
	// Suffix namespaces capture artifacts; it is the audit name.
	Suffix string
}

// VisitResult is reported by the engine through the completion callback.
type VisitResult struct {
	URL      string
	Rank     int
	Success  bool
	Err      error
	Duration time.Duration
}

// FailedVisit is one page fetch that terminated with an error.
type FailedVisit struct {
	BrowserID   int64  `json:"browser_id"`
	VisitID     int64  `json:"visit_id"`
	SiteURL     string `json:"site_url"`
	Error       string `json:"error"`
	RetryNumber int64  `json:"retry_number"`
}

// Snapshot is a point-in-time view of a running session.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	AuditName  string    `json:"audit_name"`
	State      State     `json:"state"`
	Queued     int       `json:"queued"`
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	LastURL    string    `json:"last_url,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	StopReason string    `json:"stop_reason,omitempty"`
}
