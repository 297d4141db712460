package pipeline

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cropsoil/internal/boundary"
	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/profile"
	"github.com/sells-group/cropsoil/internal/raster"
	"github.com/sells-group/cropsoil/internal/selector"
	"github.com/sells-group/cropsoil/internal/soilfile"
	"github.com/sells-group/cropsoil/internal/ssurgo"
	"github.com/sells-group/cropsoil/internal/summary"
)

// soilInputs are a state's land use, SoilGrids properties, and survey.
type soilInputs struct {
	landUse  *raster.Raster
	sources  []raster.Source
	selector *selector.Selector
}

// soilProperties returns the soil-file properties that have SoilGrids
// params, in file order.
func (p *Pipeline) soilProperties() []model.Property {
	var props []model.Property
	for _, prop := range model.SoilProperties {
		if _, ok := p.cfg.Soil.SoilGridsParams[prop]; ok {
			props = append(props, prop)
		}
	}
	return props
}

func (p *Pipeline) soilInputs(ctx context.Context, g boundary.Group, distance crs.Projection) (*soilInputs, error) {
	lu, err := raster.Open(p.cfg.Data.LandUsePath(g.StateGID), p.codes.LandUse)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: land use for %s", g.StateGID)
	}
	in := &soilInputs{landUse: lu}
	for _, prop := range p.soilProperties() {
		param := p.cfg.Soil.SoilGridsParams[prop]
		for _, l := range p.cfg.Soil.SoilGridsLayers {
			src, err := p.openSource(g.StateGID, param.Variable, string(prop), l, param.Multiplier)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: soilgrids for %s", g.StateGID)
			}
			in.sources = append(in.sources, src)
		}
	}

	survey, err := ssurgo.Open(ctx, p.cfg.Data.SSURGO.ForState(g.Abbr), p.cfg.Soil.SSURGOParams)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: gSSURGO for %s", g.Abbr)
	}
	in.selector, err = selector.New(p.cfg.Soil.Rules, survey, p.codes.SSURGO, distance)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// SoilFiles writes a gSSURGO and a SoilGrids soil file for every county and
// land-use type with reported area in the summary table at areasPath.
func (p *Pipeline) SoilFiles(ctx context.Context, areasPath string) (*Report, error) {
	areas, err := summary.ReadAreas(ctx, areasPath, p.cfg.Landuse.TypeNames())
	if err != nil {
		return nil, err
	}
	groups, err := p.groups()
	if err != nil {
		return nil, err
	}
	distance, err := crs.Lookup(p.codes.Distance)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: distance projection")
	}

	tr, err := p.begin(ctx, model.StageSoilFiles)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			tr.log.Warn("soil files interrupted", zap.String("next_state", g.StateGID), zap.Error(ctx.Err()))
			break
		}
		var counties []boundary.County
		for _, c := range g.Counties {
			if a, ok := areas[c.GID]; ok && a.Total() > 0 {
				counties = append(counties, c)
			}
		}
		if len(counties) == 0 {
			tr.log.Debug("no cropland in state", zap.String("state", g.StateGID))
			continue
		}
		g.Counties = counties
		p.soilFilesState(ctx, tr, g, areas, distance)
	}
	return tr.finish(ctx)
}

func (p *Pipeline) soilFilesState(ctx context.Context, tr *tracker, g boundary.Group, areas map[string]summary.Areas, distance crs.Projection) {
	start := p.clock.Now()
	log := tr.log.With(zap.String("state", g.StateGID), zap.String("abbr", g.Abbr))

	in, err := p.soilInputs(ctx, g, distance)
	if err != nil {
		tr.fail(ctx, g.StateGID, start, err)
		return
	}
	log.Info("writing soil files", zap.Int("counties", len(g.Counties)))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.concurrency())
	for _, c := range g.Counties {
		if gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			tr.record(ctx, p.soilFilesCounty(gctx, in, c, areas[c.GID], distance)...)
			return nil
		})
	}
	_ = eg.Wait()
	log.Info("state soil files done", zap.Duration("elapsed", tr.since(start)))
}

func (p *Pipeline) soilFilesCounty(ctx context.Context, in *soilInputs, c boundary.County, areas summary.Areas, distance crs.Projection) []model.Outcome {
	ctx, cancel := p.countyContext(ctx)
	defer cancel()

	start := p.clock.Now()
	base := model.Outcome{State: c.StateGID, County: c.GID}
	tbl, err := p.aligner.Align(in.landUse, c.Geometry, in.sources)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		base.Status = model.UnitFailed
		base.Err = eris.Wrapf(err, "pipeline: align %s", c.GID)
		base.Duration = p.clock.Since(start)
		return []model.Outcome{base}
	}
	centroid := c.Centroid(distance)

	var outcomes []model.Outcome
	for _, lt := range p.cfg.Landuse.Types {
		if areas[lt.Name] <= 0 {
			continue
		}
		typeStart := p.clock.Now()
		o := base
		o.Type = lt.Name
		status, reason, err := p.soilFilesType(ctx, in, tbl, c, lt, centroid)
		o.Status, o.Reason, o.Err = status, reason, err
		o.Duration = p.clock.Since(typeStart)
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// soilFilesType selects the dominant soil under one type's pixels and writes
// its files.
func (p *Pipeline) soilFilesType(ctx context.Context, in *soilInputs, tbl *raster.Table, c boundary.County, lt model.LandUseType, centroid geom.Coord) (model.UnitStatus, string, error) {
	if err := ctx.Err(); err != nil {
		return model.UnitFailed, "", eris.Wrapf(err, "pipeline: county %s", c.GID)
	}

	columns := make([][]float64, len(in.sources))
	for k, s := range in.sources {
		columns[k], _ = tbl.Column(s.Column())
	}
	var points []selector.Point
	for i, v := range tbl.Ref {
		if math.IsNaN(v) || float64(int(v)) != v || !lt.Has(int(v)) {
			continue
		}
		values := make([]float64, len(columns))
		for k, col := range columns {
			values[k] = col[i]
		}
		points = append(points, selector.Point{Lon: tbl.X[i], Lat: tbl.Y[i], Values: values})
	}
	if len(points) == 0 {
		return model.UnitSkipped, model.ReasonNoCropland, nil
	}

	res, reason, err := in.selector.Select(points, centroid)
	if err != nil {
		return model.UnitFailed, "", eris.Wrapf(err, "pipeline: select soil for %s %s", c.GID, lt.Name)
	}
	if reason != "" {
		return model.UnitSkipped, reason, nil
	}

	samples := make([]profile.Sample, len(res.Horizons))
	for i, h := range res.Horizons {
		samples[i] = h.Sample()
	}
	f := soilfile.File{
		Source:   soilfile.SourceGSSURGO,
		County:   c.Name,
		State:    c.State,
		Type:     lt.Name,
		HydGroup: res.HydGroup,
		Slope:    res.Slope,
		MuName:   res.Name,
		MuKey:    res.MuKey,
		Layers:   profile.Resample(samples, p.cfg.Soil.Layers, res.Depth),
	}
	if err := p.writeSoilFile(c.GID, f); err != nil {
		return model.UnitFailed, "", err
	}

	if res.Sample < 0 {
		return model.UnitSkipped, model.ReasonNoSample, nil
	}
	pt := points[res.Sample]
	index := make(map[string]float64, len(in.sources))
	for k, s := range in.sources {
		index[s.Column()] = pt.Values[k]
	}
	gridded := profile.FromDepthLayers(p.cfg.Soil.SoilGridsLayers, func(prop model.Property, layer string) float64 {
		if v, ok := index[string(prop)+"_"+layer]; ok {
			return v
		}
		return math.NaN()
	})
	f.Source = soilfile.SourceSoilGrids
	f.Lat, f.Lon = pt.Lat, pt.Lon
	f.MuName, f.MuKey = "", 0
	f.Layers = profile.Resample(gridded, p.cfg.Soil.Layers, res.Depth)
	if err := p.writeSoilFile(c.GID, f); err != nil {
		return model.UnitFailed, "", err
	}
	return model.UnitSucceeded, "", nil
}

func (p *Pipeline) writeSoilFile(gid string, f soilfile.File) error {
	path := soilfile.Name(p.cfg.Data.SoilDir, gid, f.Type, f.Source)
	if err := soilfile.WriteFile(path, f, p.cfg.Soil.CurveNumbers); err != nil {
		return err
	}
	p.metrics.SoilFileWritten(f.Source)
	return nil
}
