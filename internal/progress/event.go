package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageVisitDispatched Stage = "VISIT_DISPATCHED"
	StageVisitDone       Stage = "VISIT_DONE"
	StageVisitFailed     Stage = "VISIT_FAILED"
	StageRunSuspended    Stage = "RUN_SUSPENDED"
	StageCeilingReached  Stage = "CEILING_REACHED"
	StageRunDone         Stage = "RUN_DONE"
)

// Event captures a single milestone of an audit run.
type Event struct {
	// RunID identifies the run that emitted the event.
	RunID string
	// TS is the timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the visited site for visit-scoped stages.
	URL string
	// Rank is the site rank of URL.
	Rank int
	// Cookies carries the unique cookie count when it was queried.
	Cookies int64
	// Dur captures visit latency or total run time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunSuspended, StageCeilingReached:
	case StageVisitDispatched, StageVisitDone, StageVisitFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
