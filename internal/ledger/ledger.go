// Package ledger records batch runs and per-unit outcomes so that runs can be
// inspected and failed counties found after the fact.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("ledger: not found")

// RunFilter selects runs.
type RunFilter struct {
	Stage  model.Stage     `json:"stage,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Since  time.Time       `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// UnitFilter selects unit records of one run.
type UnitFilter struct {
	Status model.UnitStatus `json:"status,omitempty"`
	State  string           `json:"state,omitempty"`
}

// Ledger persists runs and unit outcomes.
type Ledger interface {
	StartRun(ctx context.Context, stage model.Stage) (*model.Run, error)
	RecordUnit(ctx context.Context, runID string, o model.Outcome) error
	RecordUnits(ctx context.Context, runID string, outcomes []model.Outcome) error
	FinishRun(ctx context.Context, runID string, counts model.RunCounts) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ListUnits(ctx context.Context, runID string, filter UnitFilter) ([]model.UnitRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// Drivers lists the supported backends.
var Drivers = []string{"sqlite", "postgres"}

// Open connects to the configured backend and migrates it.
func Open(ctx context.Context, cfg Config, clock clockwork.Clock) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		l, err = NewSQLite(cfg.DSN, clock)
	case "postgres":
		l, err = NewPostgres(ctx, cfg.DSN, clock)
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	return l, nil
}

func orRealClock(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}

func newRun(stage model.Stage, now time.Time) *model.Run {
	return &model.Run{
		ID:        uuid.New().String(),
		Stage:     stage,
		Status:    model.RunRunning,
		StartedAt: now,
	}
}

// NewRecord converts an outcome into a unit row.
func NewRecord(runID string, o model.Outcome, now time.Time) model.UnitRecord {
	return model.UnitRecord{
		ID:         uuid.New().String(),
		RunID:      runID,
		State:      o.State,
		County:     o.County,
		Type:       o.Type,
		Status:     o.Status,
		Reason:     o.Reason,
		Error:      o.Error(),
		DurationMs: o.Duration.Milliseconds(),
		RecordedAt: now,
	}
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
