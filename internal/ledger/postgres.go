package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/model"
)

// Pool is the subset of *pgxpool.Pool the ledger uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// PostgresLedger implements Ledger on a shared Postgres database.
type PostgresLedger struct {
	pool  Pool
	clock clockwork.Clock
}

// NewPostgres connects a pool and pings it.
func NewPostgres(ctx context.Context, connString string, clock clockwork.Clock) (*PostgresLedger, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresWithPool(pool, clock), nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool Pool, clock clockwork.Clock) *PostgresLedger {
	return &PostgresLedger{pool: pool, clock: orRealClock(clock)}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cropsoil_runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	succeeded   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS cropsoil_units (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES cropsoil_runs(id),
	state       TEXT NOT NULL,
	county      TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cropsoil_runs_stage ON cropsoil_runs(stage);
CREATE INDEX IF NOT EXISTS idx_cropsoil_runs_started_at ON cropsoil_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_cropsoil_units_run_id ON cropsoil_units(run_id);
`

var unitColumns = []string{"id", "run_id", "state", "county", "type", "status", "reason", "error", "duration_ms", "recorded_at"}

func (s *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresLedger) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresLedger) StartRun(ctx context.Context, stage model.Stage) (*model.Run, error) {
	run := newRun(stage, s.clock.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cropsoil_runs (id, stage, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Stage), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresLedger) RecordUnit(ctx context.Context, runID string, o model.Outcome) error {
	return s.RecordUnits(ctx, runID, []model.Outcome{o})
}

// RecordUnits bulk-inserts with the COPY protocol.
func (s *PostgresLedger) RecordUnits(ctx context.Context, runID string, outcomes []model.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	rows := make([][]any, 0, len(outcomes))
	for _, o := range outcomes {
		r := NewRecord(runID, o, now)
		rows = append(rows, []any{r.ID, r.RunID, r.State, r.County, r.Type,
			string(r.Status), r.Reason, r.Error, r.DurationMs, r.RecordedAt})
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"cropsoil_units"}, unitColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return eris.Wrapf(err, "postgres: COPY INTO cropsoil_units for run %s", runID)
	}
	if n != int64(len(rows)) {
		return eris.Errorf("postgres: copied %d of %d units", n, len(rows))
	}
	return nil
}

func (s *PostgresLedger) FinishRun(ctx context.Context, runID string, counts model.RunCounts) (*model.Run, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cropsoil_runs SET status = $1, succeeded = $2, skipped = $3, failed = $4, finished_at = $5 WHERE id = $6`,
		string(counts.Status()), counts.Succeeded, counts.Skipped, counts.Failed, s.clock.Now().UTC(), runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return s.GetRun(ctx, runID)
}

const pgRunColumns = `id, stage, status, succeeded, skipped, failed, started_at, finished_at`

func (s *PostgresLedger) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM cropsoil_runs WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresLedger) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM cropsoil_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresLedger) ListUnits(ctx context.Context, runID string, filter UnitFilter) ([]model.UnitRecord, error) {
	query := `SELECT id, run_id, state, county, type, status, reason, error, duration_ms, recorded_at
		FROM cropsoil_units WHERE run_id = $1`
	args := []any{runID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	query += ` ORDER BY recorded_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list units of %s", runID)
	}
	defer rows.Close()

	var units []model.UnitRecord
	for rows.Next() {
		var u model.UnitRecord
		var status string
		if err := rows.Scan(&u.ID, &u.RunID, &u.State, &u.County, &u.Type, &status,
			&u.Reason, &u.Error, &u.DurationMs, &u.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unit")
		}
		u.Status = model.UnitStatus(status)
		units = append(units, u)
	}
	return units, eris.Wrap(rows.Err(), "postgres: list units iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var stage, status string
	var finished *time.Time
	if err := row.Scan(&r.ID, &stage, &status, &r.Counts.Succeeded, &r.Counts.Skipped,
		&r.Counts.Failed, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Status = model.RunStatus(status)
	r.FinishedAt = finished
	return &r, nil
}

var _ Ledger = (*PostgresLedger)(nil)
