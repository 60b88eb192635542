package domain

import "time"

// Outcome classifies what the detector reported for a scan.
type Outcome string

const (
	OutcomeClean    Outcome = "CLEAN"
	OutcomeInfected Outcome = "INFECTED"
	OutcomeError    Outcome = "ERROR"
)

// ScanResult is the detector verdict for a completed job. At most one result
// exists per job; it is written in the same transaction that moves the job to
// COMPLETED.
type ScanResult struct {
	ResultID           string    `db:"result_id"`
	JobID              string    `db:"job_id"`
	Outcome            Outcome   `db:"outcome"`
	IsInfected         bool      `db:"is_infected"`
	ThreatName         string    `db:"threat_name"`
	ThreatCategory     string    `db:"threat_category"`
	ThreatDescription  string    `db:"threat_description"`
	DetectorVersion    string    `db:"detector_version"`
	DefinitionsVersion string    `db:"definitions_version"`
	ScanDurationMs     int64     `db:"scan_duration_ms"`
	ScannedAt          time.Time `db:"scanned_at"`
}

// ScanResultInput carries the fields the worker supplies when completing a
// job; the store assigns id and timestamps.
type ScanResultInput struct {
	Outcome            Outcome
	IsInfected         bool
	ThreatName         string
	ThreatCategory     string
	ThreatDescription  string
	DetectorVersion    string
	DefinitionsVersion string
	ScanDurationMs     int64
}
