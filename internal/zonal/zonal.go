// Package zonal aggregates aligned pixel tables into per-type cropland areas
// and per-layer property statistics.
package zonal

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/cropsoil/internal/gridarea"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/profile"
	"github.com/sells-group/cropsoil/internal/raster"
)

// Term is one weighted column in a layer's linear mix.
type Term struct {
	Column string  `yaml:"column" mapstructure:"column"`
	Weight float64 `yaml:"weight" mapstructure:"weight"`
}

// StatLayer is a reported layer: the per-pixel value is the weighted sum of
// its terms.
type StatLayer struct {
	Name  string `yaml:"name" mapstructure:"name"`
	Terms []Term `yaml:"terms" mapstructure:"terms"`
}

// Config controls aggregation.
type Config struct {
	Types         []model.LandUseType
	Layers        []StatLayer
	MinReportArea float64
}

// Stats names the reducers in report order.
var Stats = []string{"mean", "max", "min"}

var reducers = map[string]func([]float64) float64{
	"mean": func(x []float64) float64 { return stat.Mean(x, nil) },
	"max":  floats.Max,
	"min":  floats.Min,
}

// TypeResult is the aggregate for one land-use type.
type TypeResult struct {
	Type    string
	Area    float64
	RawArea float64
	Pixels  int
	// Stats maps layer name to reducer name to value. Missing is NaN.
	Stats map[string]map[string]float64
}

// Stat returns one statistic, NaN when missing.
func (r TypeResult) Stat(layer, name string) float64 {
	if v, ok := r.Stats[layer][name]; ok {
		return v
	}
	return math.NaN()
}

// Result is the aggregate for one zone, one entry per configured type.
type Result struct {
	Types []TypeResult
}

// TotalArea sums the reported areas.
func (r Result) TotalArea() float64 {
	var t float64
	for _, tr := range r.Types {
		t += tr.Area
	}
	return t
}

// Type returns the result for a type name.
func (r Result) Type(name string) (TypeResult, bool) {
	for _, tr := range r.Types {
		if tr.Type == name {
			return tr, true
		}
	}
	return TypeResult{}, false
}

// Aggregator computes zone results for a fixed configuration.
type Aggregator struct {
	cfg   Config
	codes map[int]int
}

// NewAggregator validates cfg and builds an Aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if len(cfg.Types) == 0 {
		return nil, eris.New("zonal: no land-use types")
	}
	if cfg.MinReportArea < 0 {
		return nil, eris.New("zonal: negative minimum report area")
	}
	for _, l := range cfg.Layers {
		if l.Name == "" || len(l.Terms) == 0 {
			return nil, eris.Errorf("zonal: layer %q has no terms", l.Name)
		}
	}
	return &Aggregator{cfg: cfg, codes: model.CodeIndex(cfg.Types)}, nil
}

// Aggregate joins table rows to their row areas and reduces them per type.
// Types whose reported area is zero, or that have no pixels, get NaN for
// every statistic.
func (a *Aggregator) Aggregate(t *raster.Table, areas *gridarea.Table) (Result, error) {
	res := Result{Types: make([]TypeResult, len(a.cfg.Types))}
	for i, lt := range a.cfg.Types {
		res.Types[i] = TypeResult{Type: lt.Name, Stats: a.missingStats()}
	}

	byType := make([][]int, len(a.cfg.Types))
	found := false
	for i, v := range t.Ref {
		if math.IsNaN(v) {
			continue
		}
		ti, ok := a.codes[int(v)]
		if !ok || float64(int(v)) != v {
			continue
		}
		byType[ti] = append(byType[ti], i)
		found = true
	}
	if !found {
		return res, nil
	}

	for ti, idx := range byType {
		tr := &res.Types[ti]
		tr.Pixels = len(idx)
		for _, i := range idx {
			area, ok := areas.Area(t.GridRow[i])
			if !ok {
				return Result{}, eris.Errorf("zonal: no area for grid row %d", t.GridRow[i])
			}
			tr.RawArea += area
		}
		if tr.RawArea > a.cfg.MinReportArea {
			tr.Area = tr.RawArea
		}
		if tr.Area == 0 || len(idx) == 0 {
			continue
		}

		for _, l := range a.cfg.Layers {
			values, err := layerValues(t, l, idx)
			if err != nil {
				return Result{}, err
			}
			if len(values) == 0 {
				continue
			}
			for _, name := range Stats {
				tr.Stats[l.Name][name] = reducers[name](values)
			}
		}
	}
	return res, nil
}

func (a *Aggregator) missingStats() map[string]map[string]float64 {
	m := make(map[string]map[string]float64, len(a.cfg.Layers))
	for _, l := range a.cfg.Layers {
		s := make(map[string]float64, len(Stats))
		for _, name := range Stats {
			s[name] = math.NaN()
		}
		m[l.Name] = s
	}
	return m
}

// layerValues returns the non-NaN mixed values of the rows in idx.
func layerValues(t *raster.Table, l StatLayer, idx []int) ([]float64, error) {
	cols := make([][]float64, len(l.Terms))
	for k, term := range l.Terms {
		c, ok := t.Column(term.Column)
		if !ok {
			return nil, eris.Errorf("zonal: layer %s needs missing column %s", l.Name, term.Column)
		}
		cols[k] = c
	}

	out := make([]float64, 0, len(idx))
	for _, i := range idx {
		var v float64
		for k, term := range l.Terms {
			v += term.Weight * cols[k][i]
		}
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// StockTerms mixes sub-layer stock columns ({prefix}_{sub}) into layer. Each
// sub-layer contributes the fraction of its thickness that overlaps layer.
func StockTerms(layer model.DepthLayer, subs []model.DepthLayer, prefix string) []Term {
	var terms []Term
	for _, s := range subs {
		th := s.Thickness()
		if th <= 0 {
			continue
		}
		ov := profile.Overlap(s.Top, s.Bottom, layer.Top, layer.Bottom)
		if ov <= 0 {
			continue
		}
		terms = append(terms, Term{Column: prefix + "_" + s.Name, Weight: ov / th})
	}
	return terms
}

// AddConcentrationStock derives a stock column {out}_{sub} in Mg/ha for each
// sub-layer from organic carbon in percent ({soc}_{sub}) and bulk density in
// Mg/m3 ({bd}_{sub}).
func AddConcentrationStock(t *raster.Table, subs []model.DepthLayer, soc, bd, out string) error {
	for _, s := range subs {
		sc, ok := t.Column(soc + "_" + s.Name)
		if !ok {
			return eris.Errorf("zonal: missing column %s_%s", soc, s.Name)
		}
		bc, ok := t.Column(bd + "_" + s.Name)
		if !ok {
			return eris.Errorf("zonal: missing column %s_%s", bd, s.Name)
		}
		th := s.Thickness()
		col := make([]float64, t.Len())
		for i := range col {
			col[i] = sc[i] / 100 * bc[i] * th * 1e4
		}
		if err := t.SetColumn(out+"_"+s.Name, col); err != nil {
			return err
		}
	}
	return nil
}
