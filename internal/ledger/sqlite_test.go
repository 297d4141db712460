package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cropsoil/internal/model"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) (*SQLiteLedger, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))
	return l, clock
}

func TestSQLite_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestSQLite(t)

	run, err := l.StartRun(ctx, model.StageSummary)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)
	assert.NotEmpty(t, run.ID)

	require.NoError(t, l.RecordUnits(ctx, run.ID, []model.Outcome{
		{State: "USA.16_1", County: "USA.16.85_1", Status: model.UnitSucceeded, Duration: 1500 * time.Millisecond},
		{State: "USA.16_1", County: "USA.16.86_1", Status: model.UnitSkipped, Reason: model.ReasonNoCropland},
	}))
	require.NoError(t, l.RecordUnit(ctx, run.ID, model.Outcome{
		State: "USA.17_1", County: "USA.17.1_1", Status: model.UnitFailed, Err: eris.New("read raster"),
	}))

	clock.Advance(time.Minute)
	finished, err := l.FinishRun(ctx, run.ID, model.RunCounts{Succeeded: 1, Skipped: 1, Failed: 1})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, finished.Status)
	assert.Equal(t, model.RunCounts{Succeeded: 1, Skipped: 1, Failed: 1}, finished.Counts)
	require.NotNil(t, finished.FinishedAt)
	assert.True(t, finished.FinishedAt.Equal(epoch.Add(time.Minute)))
	assert.True(t, finished.StartedAt.Equal(epoch))

	units, err := l.ListUnits(ctx, run.ID, UnitFilter{})
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, int64(1500), units[0].DurationMs)
	assert.Equal(t, model.ReasonNoCropland, units[1].Reason)

	failed, err := l.ListUnits(ctx, run.ID, UnitFilter{Status: model.UnitFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "read raster")

	byState, err := l.ListUnits(ctx, run.ID, UnitFilter{State: "USA.16_1"})
	require.NoError(t, err)
	assert.Len(t, byState, 2)
}

func TestSQLite_ListRuns(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestSQLite(t)

	first, err := l.StartRun(ctx, model.StageSummary)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	second, err := l.StartRun(ctx, model.StageSoilFiles)
	require.NoError(t, err)
	_, err = l.FinishRun(ctx, second.ID, model.RunCounts{Succeeded: 3})
	require.NoError(t, err)

	runs, err := l.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")
	assert.Nil(t, runs[1].FinishedAt)

	runs, err = l.ListRuns(ctx, RunFilter{Stage: model.StageSummary})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.ID, runs[0].ID)

	runs, err = l.ListRuns(ctx, RunFilter{Status: model.RunComplete})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = l.ListRuns(ctx, RunFilter{Since: epoch.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, second.ID, runs[0].ID)

	runs, err = l.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_NotFound(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestSQLite(t)

	_, err := l.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.FinishRun(ctx, "nope", model.RunCounts{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, l.RecordUnits(ctx, "nope", nil))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	_, err = l.StartRun(ctx, model.StageDownload)
	require.NoError(t, err)

	_, err = Open(ctx, Config{Driver: "mysql"}, nil)
	assert.Error(t, err)
}
