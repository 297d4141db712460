package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/monitoring"
	"github.com/sells-group/cropsoil/internal/pipeline"
)

// batchEnv holds the dependencies shared by the batch commands.
type batchEnv struct {
	Ledger   ledger.Ledger
	Registry *prometheus.Registry
	Metrics  *monitoring.Metrics
	Pipeline *pipeline.Pipeline
}

// initLedger opens and migrates the configured run ledger.
func initLedger(ctx context.Context) (ledger.Ledger, error) {
	l, err := ledger.Open(ctx, cfg.Store.Ledger(), clockwork.NewRealClock())
	if err != nil {
		return nil, eris.Wrap(err, "open ledger")
	}
	return l, nil
}

// initBatch wires the ledger, metrics, and pipeline for a batch command.
func initBatch(ctx context.Context) (*batchEnv, error) {
	l, err := initLedger(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := monitoring.NewMetrics(reg)
	if err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}

	p, err := pipeline.New(cfg, l, m)
	if err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	return &batchEnv{Ledger: l, Registry: reg, Metrics: m, Pipeline: p}, nil
}

// Close writes the metrics textfile, when configured, and closes the ledger.
func (e *batchEnv) Close() {
	if cfg.Metrics.Textfile != "" {
		if err := monitoring.WriteTextfile(cfg.Metrics.Textfile, e.Registry); err != nil {
			zap.L().Warn("metrics textfile not written", zap.Error(err))
		}
	}
	if err := e.Ledger.Close(); err != nil {
		zap.L().Warn("close ledger", zap.Error(err))
	}
}

// finishBatch prints the run counts and turns failed units into a non-zero
// exit.
func finishBatch(out io.Writer, report *pipeline.Report, err error) error {
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "run %s %s: %d succeeded, %d skipped, %d failed\n",
		truncateID(report.Run.ID),
		report.Run.Status,
		report.Counts.Succeeded,
		report.Counts.Skipped,
		report.Counts.Failed,
	)
	if report.Failed() {
		return eris.Errorf("%d units failed; see `cropsoil status --run %s`", report.Counts.Failed, report.Run.ID)
	}
	return nil
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
