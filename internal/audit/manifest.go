package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// TimestampLayout is the YYYYMMDDHHMM format used for manifest timestamps.
const TimestampLayout = "200601021504"

// Manifest is the write-once record of a completed run (crawl_config.json).
type Manifest struct {
	AuditName             string           `json:"audit_name"`
	WebsitesN             *int             `json:"websites_n"`
	BrowserN              int              `json:"browser_n"`
	Location              *string          `json:"location"`
	SeedProfileUsed       *string          `json:"seed_profile_used"`
	TrialName             string           `json:"trial_name"`
	MaxCookies            *int             `json:"max_cookies"`
	StartedAt             string           `json:"started_at"`
	EndedAt               string           `json:"ended_at"`
	RandomSeed            *uint64          `json:"random_seed"`
	RanFromLocation       string           `json:"ran_from_location"`
	TotalCookiesCollected int              `json:"total_cookies_collected"`
	FailedVisitsCount     int              `json:"failed_visits_count"`
	FailedVisitsDict      FailedVisitsDict `json:"failed_visits_dict"`
}

// FailedVisitsDict is the column-oriented form of the failed visit list.
type FailedVisitsDict struct {
	BrowserID   []int64  `json:"browser_id"`
	VisitID     []int64  `json:"visit_id"`
	SiteURL     []string `json:"site_url"`
	Error       []string `json:"error"`
	RetryNumber []int64  `json:"retry_number"`
}

// NewFailedVisitsDict pivots failed visits into columns. Empty input still
// yields empty (non-null) columns.
func NewFailedVisitsDict(failed []FailedVisit) FailedVisitsDict {
	d := FailedVisitsDict{
		BrowserID:   make([]int64, 0, len(failed)),
		VisitID:     make([]int64, 0, len(failed)),
		SiteURL:     make([]string, 0, len(failed)),
		Error:       make([]string, 0, len(failed)),
		RetryNumber: make([]int64, 0, len(failed)),
	}
	for _, f := range failed {
		d.BrowserID = append(d.BrowserID, f.BrowserID)
		d.VisitID = append(d.VisitID, f.VisitID)
		d.SiteURL = append(d.SiteURL, f.SiteURL)
		d.Error = append(d.Error, f.Error)
		d.RetryNumber = append(d.RetryNumber, f.RetryNumber)
	}
	return d
}

// newManifest fills the configuration half of the manifest.
func newManifest(cfg RunConfig, started, ended time.Time) Manifest {
	m := Manifest{
		AuditName: cfg.AuditName,
		BrowserN:  cfg.BrowserN,
		TrialName: cfg.TrialName,
		StartedAt: started.Format(TimestampLayout),
		EndedAt:   ended.Format(TimestampLayout),
	}
	if cfg.SampleSize > 0 {
		n := cfg.SampleSize
		m.WebsitesN = &n
	}
	if cfg.Location != "" {
		loc := cfg.Location
		m.Location = &loc
	}
	if cfg.SeedProfile != "" {
		p := cfg.SeedProfile
		m.SeedProfileUsed = &p
	}
	if cfg.MaxCookies > 0 {
		mc := cfg.MaxCookies
		m.MaxCookies = &mc
	}
	if cfg.RandomSeed > 0 {
		seed := cfg.RandomSeed
		m.RandomSeed = &seed
	}
	m.FailedVisitsDict = NewFailedVisitsDict(nil)
	return m
}

// WriteManifest persists the manifest at path. It refuses to replace an
// existing file.
func WriteManifest(path string, m Manifest) error {
	payload, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrManifestExists
		}
		return fmt.Errorf("create manifest %s: %w", path, err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path derived from the audit layout.
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}
