package audit

import (
	"path/filepath"
	"strings"
	"time"
)

// File names inside an audit output directory.
const (
	SentinelFile   = "crawl_done.txt"
	ManifestFile   = "crawl_config.json"
	ScreenshotsDir = "screenshots"
	SourcesDir     = "sources"
	// SeedFile keeps the sampling seed so a resumed run draws the same sample.
	SeedFile = "random_seed.txt"
)

// AuditName builds trial[_location]_YYYYMMDD.
func AuditName(trial, location string, day time.Time) string {
	parts := []string{trial}
	if loc := strings.TrimSpace(location); loc != "" {
		parts = append(parts, loc)
	}
	parts = append(parts, day.Format("20060102"))
	return strings.Join(parts, "_")
}

// Layout holds every path derived from the audit name.
type Layout struct {
	AuditName     string
	OutputDir     string
	StorePath     string
	SentinelPath  string
	ManifestPath  string
	SeedPath      string
	ScreenshotDir string
	SourceDir     string
	EngineLog     string
	ProfileDir    string
}

// NewLayout derives the per-run paths under outputRoot and profilesRoot.
func NewLayout(outputRoot, profilesRoot, auditName string) Layout {
	dir := filepath.Join(outputRoot, auditName)
	return Layout{
		AuditName:     auditName,
		OutputDir:     dir,
		StorePath:     filepath.Join(dir, auditName+".sqlite"),
		SentinelPath:  filepath.Join(dir, SentinelFile),
		ManifestPath:  filepath.Join(dir, ManifestFile),
		SeedPath:      filepath.Join(dir, SeedFile),
		ScreenshotDir: filepath.Join(dir, ScreenshotsDir),
		SourceDir:     filepath.Join(dir, SourcesDir),
		EngineLog:     filepath.Join(dir, "openwpm_"+auditName+".log"),
		ProfileDir:    filepath.Join(profilesRoot, auditName),
	}
}

// ArchiveTargets lists the bulky outputs compressed at finalization.
func (l Layout) ArchiveTargets() []string {
	return []string{l.ScreenshotDir, l.SourceDir, l.EngineLog}
}
