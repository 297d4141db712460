package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cropsoil/internal/model"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string, clock clockwork.Clock) (*SQLiteLedger, error) {
	if dsn == "" {
		dsn = "cropsoil.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLedger{db: db, clock: orRealClock(clock)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	succeeded   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS units (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	state       TEXT NOT NULL,
	county      TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_units_run_id ON units(run_id);
CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);
`

func (s *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) StartRun(ctx context.Context, stage model.Stage) (*model.Run, error) {
	run := newRun(stage, s.clock.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, stage, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Stage), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteLedger) RecordUnit(ctx context.Context, runID string, o model.Outcome) error {
	return s.RecordUnits(ctx, runID, []model.Outcome{o})
}

func (s *SQLiteLedger) RecordUnits(ctx context.Context, runID string, outcomes []model.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin units")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO units (id, run_id, state, county, type, status, reason, error, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare units")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.clock.Now().UTC()
	for _, o := range outcomes {
		r := NewRecord(runID, o, now)
		if _, err := stmt.ExecContext(ctx, r.ID, r.RunID, r.State, r.County, r.Type,
			string(r.Status), r.Reason, r.Error, r.DurationMs, r.RecordedAt); err != nil {
			return eris.Wrapf(err, "sqlite: insert unit %s/%s", r.State, r.County)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit units")
}

func (s *SQLiteLedger) FinishRun(ctx context.Context, runID string, counts model.RunCounts) (*model.Run, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, succeeded = ?, skipped = ?, failed = ?, finished_at = ? WHERE id = ?`,
		string(counts.Status()), counts.Succeeded, counts.Skipped, counts.Failed, s.clock.Now().UTC(), runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	if err := checkRowsAffected(res, runID); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

const runColumns = `id, stage, status, succeeded, skipped, failed, started_at, finished_at`

func (s *SQLiteLedger) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteLedger) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteLedger) ListUnits(ctx context.Context, runID string, filter UnitFilter) ([]model.UnitRecord, error) {
	query := `SELECT id, run_id, state, county, type, status, reason, error, duration_ms, recorded_at
		FROM units WHERE run_id = ?`
	args := []any{runID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY recorded_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list units of %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var units []model.UnitRecord
	for rows.Next() {
		var u model.UnitRecord
		if err := rows.Scan(&u.ID, &u.RunID, &u.State, &u.County, &u.Type, &u.Status,
			&u.Reason, &u.Error, &u.DurationMs, &u.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unit")
		}
		units = append(units, u)
	}
	return units, eris.Wrap(rows.Err(), "sqlite: list units iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Stage, &r.Status, &r.Counts.Succeeded, &r.Counts.Skipped,
		&r.Counts.Failed, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

var _ Ledger = (*SQLiteLedger)(nil)
