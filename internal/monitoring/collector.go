package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/model"
)

// Snapshot holds a point-in-time view of run health.
type Snapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int `json:"runs_total"`
	RunsComplete int `json:"runs_complete"`
	RunsPartial  int `json:"runs_partial"`
	RunsFailed   int `json:"runs_failed"`
	RunsRunning  int `json:"runs_running"`

	// StaleRuns are still running past the stale age.
	StaleRuns []string `json:"stale_runs,omitempty"`
	// FailedRuns lists runs that finished failed or partial.
	FailedRuns []string `json:"failed_runs,omitempty"`

	// Unit outcomes of finished runs.
	UnitsSucceeded int     `json:"units_succeeded"`
	UnitsSkipped   int     `json:"units_skipped"`
	UnitsFailed    int     `json:"units_failed"`
	UnitFailRate   float64 `json:"unit_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// UnitsTotal is the number of units counted.
func (s *Snapshot) UnitsTotal() int {
	return s.UnitsSucceeded + s.UnitsSkipped + s.UnitsFailed
}

// RunLister is the ledger method the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter ledger.RunFilter) ([]model.Run, error)
}

// Collector gathers snapshots from the run ledger.
type Collector struct {
	runs     RunLister
	clock    clockwork.Clock
	staleAge time.Duration
}

// NewCollector creates a collector. Runs still marked running after
// staleAge are reported as stale; zero disables the check.
func NewCollector(runs RunLister, clock clockwork.Clock, staleAge time.Duration) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{runs: runs, clock: clock, staleAge: staleAge}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.clock.Now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.ListRuns(ctx, ledger.RunFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunComplete:
			snap.RunsComplete++
		case model.RunPartial:
			snap.RunsPartial++
			snap.FailedRuns = append(snap.FailedRuns, r.ID)
		case model.RunFailed:
			snap.RunsFailed++
			snap.FailedRuns = append(snap.FailedRuns, r.ID)
		case model.RunRunning:
			snap.RunsRunning++
			if c.staleAge > 0 && now.Sub(r.StartedAt) > c.staleAge {
				snap.StaleRuns = append(snap.StaleRuns, r.ID)
			}
			continue
		}
		snap.UnitsSucceeded += r.Counts.Succeeded
		snap.UnitsSkipped += r.Counts.Skipped
		snap.UnitsFailed += r.Counts.Failed
	}

	if total := snap.UnitsTotal(); total > 0 {
		snap.UnitFailRate = float64(snap.UnitsFailed) / float64(total)
	}
	return snap, nil
}
