package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cropsoil/internal/boundary"
	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/raster"
	"github.com/sells-group/cropsoil/internal/soilgrids"
	"github.com/sells-group/cropsoil/internal/summary"
	"github.com/sells-group/cropsoil/internal/zonal"
)

// Column prefixes for SOC inputs in concentration mode.
const (
	socColumn   = "soc"
	bdColumn    = "bulk_density"
	stockColumn = "socstock"
)

// SummaryLayout returns the summary table layout for the configuration.
func (p *Pipeline) SummaryLayout() summary.Layout {
	layers := make([]string, len(p.cfg.SOC.Layers))
	for i, l := range p.cfg.SOC.Layers {
		layers[i] = l.Name
	}
	return summary.Layout{
		Types:         p.cfg.Landuse.TypeNames(),
		Layers:        layers,
		Stats:         zonal.Stats,
		SOCDepth:      p.cfg.SOC.Depth,
		MinReportArea: p.cfg.Landuse.MinReportArea,
		AreasOnly:     p.cfg.Pipeline.AreasOnly,
	}
}

// statLayers builds the reported SOC layers as mixes of sub-layer stocks.
func (p *Pipeline) statLayers() []zonal.StatLayer {
	if p.cfg.Pipeline.AreasOnly {
		return nil
	}
	subs, prefix := p.cfg.SOC.StockLayers, p.cfg.SOC.Variable
	if p.cfg.SOC.Mode == config.SOCModeConcentration {
		subs, prefix = p.cfg.Soil.SoilGridsLayers, stockColumn
	}
	out := make([]zonal.StatLayer, 0, len(p.cfg.SOC.Layers))
	for _, l := range p.cfg.SOC.Layers {
		out = append(out, zonal.StatLayer{Name: l.Name, Terms: zonal.StockTerms(l, subs, prefix)})
	}
	return out
}

// stateInputs are a state's rasters, read once and shared by its counties.
type stateInputs struct {
	landUse *raster.Raster
	sources []raster.Source
}

func (p *Pipeline) openSource(gid, variable, column string, layer model.DepthLayer, multiplier float64) (raster.Source, error) {
	path := soilgrids.Path(p.cfg.Data.SoilGridsDir, gid, variable, layer.Name)
	r, err := raster.Open(path, p.codes.SoilGrids)
	if err != nil {
		return raster.Source{}, err
	}
	return raster.Source{Property: column, Layer: layer.Name, Raster: r, Multiplier: multiplier}, nil
}

func (p *Pipeline) summaryInputs(gid string) (*stateInputs, error) {
	lu, err := raster.Open(p.cfg.Data.LandUsePath(gid), p.codes.LandUse)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: land use for %s", gid)
	}
	in := &stateInputs{landUse: lu}
	if p.cfg.Pipeline.AreasOnly {
		return in, nil
	}

	if p.cfg.SOC.Mode == config.SOCModeConcentration {
		soc := p.cfg.Soil.SoilGridsParams[model.PropertySOC]
		bd := p.cfg.Soil.SoilGridsParams[model.PropertyBulkDensity]
		for _, l := range p.cfg.Soil.SoilGridsLayers {
			for _, s := range []struct {
				param  soilgrids.Param
				column string
			}{{soc, socColumn}, {bd, bdColumn}} {
				src, err := p.openSource(gid, s.param.Variable, s.column, l, s.param.Multiplier)
				if err != nil {
					return nil, eris.Wrapf(err, "pipeline: soilgrids for %s", gid)
				}
				in.sources = append(in.sources, src)
			}
		}
		return in, nil
	}

	for _, l := range p.cfg.SOC.StockLayers {
		src, err := p.openSource(gid, p.cfg.SOC.Variable, p.cfg.SOC.Variable, l, 1)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: soilgrids for %s", gid)
		}
		in.sources = append(in.sources, src)
	}
	return in, nil
}

// Summarize computes per-county cropland areas and SOC statistics and
// appends them to the summary table, one state at a time.
func (p *Pipeline) Summarize(ctx context.Context) (*Report, error) {
	groups, err := p.groups()
	if err != nil {
		return nil, err
	}
	agg, err := zonal.NewAggregator(zonal.Config{
		Types:         p.cfg.Landuse.Types,
		Layers:        p.statLayers(),
		MinReportArea: p.cfg.Landuse.MinReportArea,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: aggregator")
	}

	layout := p.SummaryLayout()
	var w *summary.Writer
	if p.cfg.Pipeline.Resume {
		w, err = summary.Open(ctx, p.cfg.Data.Summary, layout)
	} else {
		if err = p.markers.Clear(); err != nil {
			return nil, err
		}
		w, err = summary.Create(p.cfg.Data.Summary, layout)
	}
	if err != nil {
		return nil, err
	}

	tr, err := p.begin(ctx, model.StageSummary)
	if err != nil {
		w.Close() //nolint:errcheck
		return nil, err
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			tr.log.Warn("summary interrupted", zap.String("next_state", g.StateGID), zap.Error(ctx.Err()))
			break
		}
		p.summarizeState(ctx, tr, w, agg, g)
	}

	if err := w.Close(); err != nil {
		tr.log.Error("failed to close summary", zap.Error(err))
	}
	return tr.finish(ctx)
}

// countyResult is a county's finished aggregate waiting to be written.
type countyResult struct {
	outcome model.Outcome
	row     *summary.Row
}

func (p *Pipeline) summarizeState(ctx context.Context, tr *tracker, w *summary.Writer, agg *zonal.Aggregator, g boundary.Group) {
	start := p.clock.Now()
	log := tr.log.With(zap.String("state", g.StateGID), zap.String("name", g.State))

	var pending []boundary.County
	var resumed []model.Outcome
	for _, c := range g.Counties {
		if p.cfg.Pipeline.Resume && (w.Has(c.GID) || p.markers.Has(c.GID)) {
			resumed = append(resumed, model.Outcome{
				State:  c.StateGID,
				County: c.GID,
				Status: model.UnitSkipped,
				Reason: model.ReasonResumed,
			})
			continue
		}
		pending = append(pending, c)
	}
	tr.record(ctx, resumed...)
	if len(pending) == 0 {
		log.Info("state already summarized", zap.Int("counties", len(g.Counties)))
		return
	}

	in, err := p.summaryInputs(g.StateGID)
	if err != nil {
		tr.fail(ctx, g.StateGID, start, err)
		return
	}
	log.Info("summarizing state", zap.Int("counties", len(pending)), zap.Int("resumed", len(resumed)))

	results := make([]*countyResult, len(pending))
	var done atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.concurrency())
	for i, c := range pending {
		if gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			results[i] = p.summarizeCounty(gctx, agg, in, c)
			n := done.Add(1)
			log.Debug("county aggregated",
				zap.String("county", c.GID),
				zap.Int64("done", n),
				zap.Int("total", len(pending)),
			)
			return nil
		})
	}
	_ = eg.Wait()

	// Rows go out in county order once the whole state is in.
	outcomes := make([]model.Outcome, 0, len(results))
	var finished []string
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.row != nil {
			if _, err := w.Write(*res.row); err != nil {
				res.outcome.Status = model.UnitFailed
				res.outcome.Reason = ""
				res.outcome.Err = err
			} else {
				for _, t := range res.row.Result.Types {
					p.metrics.AddCroplandArea(t.Type, t.Area)
				}
			}
		}
		outcomes = append(outcomes, res.outcome)
		if res.outcome.Status != model.UnitFailed {
			finished = append(finished, res.outcome.County)
		}
	}
	if err := w.Flush(); err != nil {
		tr.record(ctx, outcomes...)
		tr.fail(ctx, g.StateGID, start, err)
		return
	}
	for _, gid := range finished {
		if err := p.markers.Mark(gid); err != nil {
			log.Warn("failed to write marker", zap.String("county", gid), zap.Error(err))
		}
	}
	tr.record(ctx, outcomes...)
	log.Info("state summarized",
		zap.Int("counties", len(outcomes)),
		zap.Duration("elapsed", tr.since(start)),
	)
}

func (p *Pipeline) summarizeCounty(ctx context.Context, agg *zonal.Aggregator, in *stateInputs, c boundary.County) *countyResult {
	ctx, cancel := p.countyContext(ctx)
	defer cancel()

	start := p.clock.Now()
	res := &countyResult{outcome: model.Outcome{State: c.StateGID, County: c.GID}}
	fail := func(err error) *countyResult {
		res.outcome.Status = model.UnitFailed
		res.outcome.Err = err
		res.outcome.Duration = p.clock.Since(start)
		return res
	}

	result, err := p.aggregate(ctx, agg, in, c)
	if err != nil {
		return fail(err)
	}
	res.outcome.Duration = p.clock.Since(start)
	if result.TotalArea() <= 0 {
		res.outcome.Status = model.UnitSkipped
		res.outcome.Reason = model.ReasonNoCropland
		return res
	}
	res.outcome.Status = model.UnitSucceeded
	res.row = &summary.Row{GID: c.GID, State: c.State, County: c.Name, Result: result}
	return res
}

func (p *Pipeline) aggregate(ctx context.Context, agg *zonal.Aggregator, in *stateInputs, c boundary.County) (zonal.Result, error) {
	if err := ctx.Err(); err != nil {
		return zonal.Result{}, eris.Wrapf(err, "pipeline: county %s", c.GID)
	}
	tbl, err := p.aligner.Align(in.landUse, c.Geometry, in.sources)
	if err != nil {
		return zonal.Result{}, eris.Wrapf(err, "pipeline: align %s", c.GID)
	}
	if err := ctx.Err(); err != nil {
		return zonal.Result{}, eris.Wrapf(err, "pipeline: county %s", c.GID)
	}
	if p.cfg.SOC.Mode == config.SOCModeConcentration && !p.cfg.Pipeline.AreasOnly {
		if err := zonal.AddConcentrationStock(tbl, p.cfg.Soil.SoilGridsLayers, socColumn, bdColumn, stockColumn); err != nil {
			return zonal.Result{}, eris.Wrapf(err, "pipeline: soc stock for %s", c.GID)
		}
	}
	result, err := agg.Aggregate(tbl, p.areas.Areas(tbl.Y))
	if err != nil {
		return zonal.Result{}, eris.Wrapf(err, "pipeline: aggregate %s", c.GID)
	}
	return result, nil
}
