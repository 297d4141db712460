// Package pipeline runs the county batches: cropland summaries, soil files,
// and SoilGrids downloads. Every processed unit is logged, counted, and
// recorded in the run ledger.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/boundary"
	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/gridarea"
	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/monitoring"
	"github.com/sells-group/cropsoil/internal/raster"
)

// AreaSource returns the ground area of the grid rows holding lats.
type AreaSource interface {
	Areas(lats []float64) *gridarea.Table
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithAreas replaces the ellipsoidal area calculator.
func WithAreas(a AreaSource) Option {
	return func(p *Pipeline) { p.areas = a }
}

// WithClock sets the clock used for unit durations.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// Pipeline runs the batch stages for one configuration.
type Pipeline struct {
	cfg     *config.Config
	codes   config.Codes
	ledger  ledger.Ledger
	metrics *monitoring.Metrics
	clock   clockwork.Clock
	areas   AreaSource
	aligner *raster.Aligner
	markers *Markers
	log     *zap.Logger
}

// New creates a Pipeline. cfg must already be validated.
func New(cfg *config.Config, led ledger.Ledger, metrics *monitoring.Metrics, opts ...Option) (*Pipeline, error) {
	if led == nil {
		return nil, eris.New("pipeline: nil ledger")
	}
	codes, err := cfg.CRS.Parse()
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: parse crs")
	}
	if metrics == nil {
		metrics = monitoring.NewMetricsForTesting()
	}
	p := &Pipeline{
		cfg:     cfg,
		codes:   codes,
		ledger:  led,
		metrics: metrics,
		clock:   clockwork.NewRealClock(),
		aligner: raster.NewAligner(cfg.Grid),
		markers: NewMarkers(cfg.Data.MarkersDir),
		log:     zap.L().With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.areas == nil {
		proj, err := crs.Lookup(codes.Area)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: area projection")
		}
		p.areas = gridarea.NewCalculator(cfg.Grid, proj)
	}
	return p, nil
}

// Report summarizes a finished run.
type Report struct {
	Run    *model.Run
	Counts model.RunCounts
}

// Failed reports whether any unit failed.
func (r *Report) Failed() bool {
	return r != nil && r.Counts.Failed > 0
}

// groups reads the county boundaries and returns the configured states.
func (p *Pipeline) groups() ([]boundary.Group, error) {
	counties, err := boundary.ReadCounties(p.cfg.Data.Counties)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read counties")
	}
	groups := boundary.FilterStates(boundary.GroupByState(counties), p.cfg.Pipeline.States)
	if len(groups) == 0 {
		return nil, eris.Errorf("pipeline: no counties for states %v", p.cfg.Pipeline.States)
	}
	return groups, nil
}

// countyContext applies the per-county deadline, if any.
func (p *Pipeline) countyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := p.cfg.Pipeline.CountyTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) concurrency() int {
	if n := p.cfg.Pipeline.Concurrency; n > 0 {
		return n
	}
	return 1
}

// tracker records the outcomes of one run.
type tracker struct {
	p     *Pipeline
	stage model.Stage
	run   *model.Run
	log   *zap.Logger

	mu     sync.Mutex
	counts model.RunCounts
}

func (p *Pipeline) begin(ctx context.Context, stage model.Stage) (*tracker, error) {
	run, err := p.ledger.StartRun(ctx, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: start %s run", stage)
	}
	log := p.log.With(zap.String("stage", string(stage)), zap.String("run_id", run.ID))
	log.Info("run started")
	return &tracker{p: p, stage: stage, run: run, log: log}, nil
}

// record logs, counts, and stores outcomes. Ledger writes survive
// cancellation so an interrupted run still accounts for finished units.
func (t *tracker) record(ctx context.Context, outcomes ...model.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	for i := range outcomes {
		o := &outcomes[i]
		o.Stage = t.stage
		fields := []zap.Field{
			zap.String("state", o.State),
			zap.String("county", o.County),
			zap.String("type", o.Type),
			zap.String("status", string(o.Status)),
			zap.Duration("elapsed", o.Duration),
		}
		switch o.Status {
		case model.UnitFailed:
			t.log.Error("unit failed", append(fields, zap.Error(o.Err))...)
		case model.UnitSkipped:
			t.log.Info("unit skipped", append(fields, zap.String("reason", o.Reason))...)
		default:
			t.log.Info("unit complete", fields...)
		}
		t.p.metrics.ObserveUnit(*o)
	}

	t.mu.Lock()
	for _, o := range outcomes {
		t.counts.Add(o.Status)
	}
	t.mu.Unlock()

	if err := t.p.ledger.RecordUnits(context.WithoutCancel(ctx), t.run.ID, outcomes); err != nil {
		t.log.Warn("failed to record units", zap.Int("units", len(outcomes)), zap.Error(err))
	}
}

func (t *tracker) since(start time.Time) time.Duration {
	return t.p.clock.Since(start)
}

// finish closes the run in the ledger and writes the manifest entry.
func (t *tracker) finish(ctx context.Context) (*Report, error) {
	t.mu.Lock()
	counts := t.counts
	t.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	run, err := t.p.ledger.FinishRun(ctx, t.run.ID, counts)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: finish run %s", t.run.ID)
	}
	if err := WriteManifest(t.p.cfg.Data.OutDir, t.p.cfg, run); err != nil {
		t.log.Warn("failed to write manifest", zap.Error(err))
	}
	t.log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
	)
	return &Report{Run: run, Counts: counts}, nil
}

// fail records a state-level failure.
func (t *tracker) fail(ctx context.Context, state string, start time.Time, err error) {
	t.record(ctx, model.Outcome{
		State:    state,
		Status:   model.UnitFailed,
		Err:      err,
		Duration: t.since(start),
	})
}
