package audit

import (
	"context"
	"time"
)

// Engine is the browser-automation boundary. Acquire blocks until a browser
// is idle, which means its previous visit is fully recorded, and reserves it.
// Close waits for in-flight visits.
type Engine interface {
	Acquire(ctx context.Context) (Slot, error)
	Close(ctx context.Context) error
}

// Slot is a reserved browser. Exactly one of Dispatch or Release is called.
// Dispatch hands the visit over and returns once the hand-off is done; the
// outcome arrives later through onComplete and the browser goes back to the
// pool when the visit ends, even if Dispatch fails.
type Slot interface {
	Dispatch(ctx context.Context, visit Visit, onComplete func(VisitResult)) error
	Release()
}

// Ledger answers read queries against the persistent visit store. Every call
// re-queries the store.
type Ledger interface {
	AlreadyVisitedHosts(ctx context.Context) (map[string]struct{}, error)
	UniqueCookieCount(ctx context.Context) (int, error)
	FailedVisits(ctx context.Context) ([]FailedVisit, error)
}

// Gate blocks the caller while the current time is outside active hours and
// reports how long it held the caller back.
type Gate interface {
	Wait(ctx context.Context) (time.Duration, error)
}

// Archiver compresses bulky artifacts after a run.
type Archiver interface {
	Archive(paths []string) error
}

// Locator reports where the crawl runs from.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// Reporter replicates a completed manifest somewhere else (database, bucket, topic).
type Reporter interface {
	ReportManifest(ctx context.Context, runID string, manifest Manifest) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
