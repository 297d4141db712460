package model

import "time"

// Stage identifies a pipeline stage.
type Stage string

const (
	StageSummary   Stage = "summary"
	StageSoilFiles Stage = "soilfiles"
	StageDownload  Stage = "download"
)

// UnitStatus is the result of processing one state or county.
type UnitStatus string

const (
	UnitSucceeded UnitStatus = "succeeded"
	UnitSkipped   UnitStatus = "skipped"
	UnitFailed    UnitStatus = "failed"
)

// Skip reasons recorded with UnitSkipped.
const (
	ReasonNoCropland  = "no_cropland"
	ReasonNoSoilMatch = "no_soil_match"
	ReasonNoHorizons  = "no_horizons"
	ReasonNoSample    = "no_sample_point"
	ReasonResumed     = "already_processed"
	ReasonExists      = "already_downloaded"
)

// Outcome records how one processing unit finished.
type Outcome struct {
	Stage    Stage         `json:"stage"`
	State    string        `json:"state"`
	County   string        `json:"county,omitempty"`
	Type     string        `json:"type,omitempty"`
	Status   UnitStatus    `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Error returns the error text, or "" when the unit did not fail.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// RunStatus is the overall status of a batch run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunPartial  RunStatus = "partial"
	RunFailed   RunStatus = "failed"
)

// RunCounts tallies unit outcomes in a run.
type RunCounts struct {
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Failed    int `json:"failed" yaml:"failed"`
}

// Add counts one outcome.
func (c *RunCounts) Add(s UnitStatus) {
	switch s {
	case UnitSucceeded:
		c.Succeeded++
	case UnitSkipped:
		c.Skipped++
	case UnitFailed:
		c.Failed++
	}
}

// Status derives the run status from the counts.
func (c RunCounts) Status() RunStatus {
	switch {
	case c.Failed == 0:
		return RunComplete
	case c.Succeeded+c.Skipped > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// Run is a ledger row for one batch invocation.
type Run struct {
	ID         string     `json:"id"`
	Stage      Stage      `json:"stage"`
	Status     RunStatus  `json:"status"`
	Counts     RunCounts  `json:"counts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// UnitRecord is a ledger row for one processed unit.
type UnitRecord struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	State      string     `json:"state"`
	County     string     `json:"county,omitempty"`
	Type       string     `json:"type,omitempty"`
	Status     UnitStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	RecordedAt time.Time  `json:"recorded_at"`
}
