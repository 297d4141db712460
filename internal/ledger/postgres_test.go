package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cropsoil/internal/model"
)

func newMockPostgres(t *testing.T) (*PostgresLedger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresWithPool(mock, clockwork.NewFakeClockAt(epoch)), mock
}

func runRow(id string, finished any) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "stage", "status", "succeeded", "skipped", "failed", "started_at", "finished_at"}).
		AddRow(id, "summary", "complete", 2, 1, 0, epoch, finished)
}

func TestPostgres_Migrate(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cropsoil_runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, l.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StartRun(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO cropsoil_runs`).
		WithArgs(pgxmock.AnyArg(), "soilfiles", "running", epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := l.StartRun(context.Background(), model.StageSoilFiles)
	require.NoError(t, err)
	assert.Equal(t, model.StageSoilFiles, run.Stage)
	assert.Equal(t, epoch, run.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordUnitsUsesCopy(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectCopyFrom(pgx.Identifier{"cropsoil_units"}, unitColumns).WillReturnResult(2)

	err := l.RecordUnits(context.Background(), "run-1", []model.Outcome{
		{State: "USA.1_1", County: "USA.1.1_1", Status: model.UnitSucceeded},
		{State: "USA.1_1", County: "USA.1.2_1", Status: model.UnitFailed, Err: fmt.Errorf("boom")},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordUnitsCopyError(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectCopyFrom(pgx.Identifier{"cropsoil_units"}, unitColumns).WillReturnError(fmt.Errorf("permission denied"))

	err := l.RecordUnit(context.Background(), "run-1", model.Outcome{State: "USA.1_1", Status: model.UnitSkipped})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO cropsoil_units")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinishRun(t *testing.T) {
	l, mock := newMockPostgres(t)
	done := epoch
	mock.ExpectExec(`UPDATE cropsoil_runs SET status`).
		WithArgs("complete", 2, 1, 0, epoch, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT id, stage, status, succeeded, skipped, failed, started_at, finished_at FROM cropsoil_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(runRow("run-1", &done))

	run, err := l.FinishRun(context.Background(), "run-1", model.RunCounts{Succeeded: 2, Skipped: 1})
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, run.Status)
	assert.Equal(t, 2, run.Counts.Succeeded)
	require.NotNil(t, run.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinishRunNotFound(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE cropsoil_runs`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := l.FinishRun(context.Background(), "missing", model.RunCounts{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRunNotFound(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectQuery(`FROM cropsoil_runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := l.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListRunsFilters(t *testing.T) {
	l, mock := newMockPostgres(t)
	since := epoch.Add(-time.Hour)
	mock.ExpectQuery(`FROM cropsoil_runs WHERE true AND stage = \$1 AND started_at >= \$2 ORDER BY started_at DESC LIMIT \$3`).
		WithArgs("summary", since, 5).
		WillReturnRows(runRow("run-1", nil))

	runs, err := l.ListRuns(context.Background(), RunFilter{Stage: model.StageSummary, Since: since, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, model.StageSummary, runs[0].Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListUnits(t *testing.T) {
	l, mock := newMockPostgres(t)
	mock.ExpectQuery(`FROM cropsoil_units WHERE run_id = \$1 AND status = \$2`).
		WithArgs("run-1", "failed").
		WillReturnRows(pgxmock.NewRows(unitColumns).
			AddRow("u1", "run-1", "USA.1_1", "USA.1.1_1", "rainfed", "failed", "", "boom", int64(12), epoch))

	units, err := l.ListUnits(context.Background(), "run-1", UnitFilter{Status: model.UnitFailed})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, model.UnitFailed, units[0].Status)
	assert.Equal(t, "boom", units[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}
