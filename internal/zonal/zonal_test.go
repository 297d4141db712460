package zonal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cropsoil/internal/gridarea"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/raster"
)

var grid = gridarea.Grid{CellWidth: 0.01, CellHeight: 0.01, Lat0: 40}

// pixels builds a table of n pixels on two grid rows with one SOC column.
func pixels(t *testing.T, codes []float64, soc []float64) *raster.Table {
	t.Helper()
	n := len(codes)
	x := make([]float64, n)
	y := make([]float64, n)
	rows := make([]gridarea.RowIndex, n)
	for i := range codes {
		x[i] = -95 + float64(i)*0.01
		y[i] = 40 + float64(i%2)*0.01
		rows[i] = grid.RowIndex(y[i])
	}
	tbl, err := raster.NewTable(x, y, rows, codes)
	require.NoError(t, err)
	require.NoError(t, tbl.SetColumn("ocs_0-30cm", soc))
	return tbl
}

func halfHectare() *gridarea.Table {
	return gridarea.NewTable(grid, map[gridarea.RowIndex]float64{0: 0.5, 1: 0.5})
}

func stockConfig(minArea float64) Config {
	return Config{
		Types:         model.DefaultLandUseTypes(),
		Layers:        []StatLayer{{Name: "0-30cm", Terms: []Term{{Column: "ocs_0-30cm", Weight: 1}}}},
		MinReportArea: minArea,
	}
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAggregate_RainfedAndIrrigated(t *testing.T) {
	t.Parallel()
	codes := append(fill(30, 3), fill(10, 2)...)
	codes = append(codes, 1, math.NaN())
	soc := fill(len(codes), 20)
	soc[31] = math.NaN()

	a, err := NewAggregator(stockConfig(10))
	require.NoError(t, err)
	res, err := a.Aggregate(pixels(t, codes, soc), halfHectare())
	require.NoError(t, err)

	rainfed, ok := res.Type("rainfed")
	require.True(t, ok)
	assert.InDelta(t, 15, rainfed.Area, 1e-9)
	assert.Equal(t, 30, rainfed.Pixels)
	assert.Equal(t, 20.0, rainfed.Stat("0-30cm", "mean"))
	assert.Equal(t, 20.0, rainfed.Stat("0-30cm", "max"))
	assert.Equal(t, 20.0, rainfed.Stat("0-30cm", "min"))

	irrigated, ok := res.Type("irrigated")
	require.True(t, ok)
	assert.InDelta(t, 5, irrigated.RawArea, 1e-9)
	assert.Zero(t, irrigated.Area, "below the reporting threshold")
	assert.True(t, math.IsNaN(irrigated.Stat("0-30cm", "mean")))

	assert.InDelta(t, 15, res.TotalArea(), 1e-9)
}

func TestAggregate_ThresholdEquality(t *testing.T) {
	t.Parallel()
	a, err := NewAggregator(stockConfig(10))
	require.NoError(t, err)

	// 20 pixels of 0.5 ha is exactly the threshold and is suppressed.
	res, err := a.Aggregate(pixels(t, fill(20, 3), fill(20, 30)), halfHectare())
	require.NoError(t, err)
	r, _ := res.Type("rainfed")
	assert.Zero(t, r.Area)
	assert.True(t, math.IsNaN(r.Stat("0-30cm", "max")))

	// Just above.
	res, err = a.Aggregate(pixels(t, fill(21, 3), fill(21, 30)), halfHectare())
	require.NoError(t, err)
	r, _ = res.Type("rainfed")
	assert.InDelta(t, 10.5, r.Area, 1e-9)
	assert.Equal(t, 30.0, r.Stat("0-30cm", "mean"))
}

func TestAggregate_NoCropland(t *testing.T) {
	t.Parallel()
	a, err := NewAggregator(stockConfig(0))
	require.NoError(t, err)

	res, err := a.Aggregate(pixels(t, fill(5, 1), fill(5, 20)), halfHectare())
	require.NoError(t, err)
	require.Len(t, res.Types, 2)
	assert.Zero(t, res.TotalArea())
	for _, tr := range res.Types {
		assert.Zero(t, tr.Pixels)
		assert.True(t, math.IsNaN(tr.Stat("0-30cm", "min")))
	}
}

func TestAggregate_StatsSkipMissingValues(t *testing.T) {
	t.Parallel()
	a, err := NewAggregator(stockConfig(0))
	require.NoError(t, err)

	soc := []float64{10, math.NaN(), 30, 50}
	res, err := a.Aggregate(pixels(t, fill(4, 3), soc), halfHectare())
	require.NoError(t, err)
	r, _ := res.Type("rainfed")
	assert.InDelta(t, 2, r.Area, 1e-9)
	assert.InDelta(t, 30, r.Stat("0-30cm", "mean"), 1e-9)
	assert.Equal(t, 50.0, r.Stat("0-30cm", "max"))
	assert.Equal(t, 10.0, r.Stat("0-30cm", "min"))

	// Area is reported even when every value is missing.
	res, err = a.Aggregate(pixels(t, fill(4, 3), fill(4, math.NaN())), halfHectare())
	require.NoError(t, err)
	r, _ = res.Type("rainfed")
	assert.InDelta(t, 2, r.Area, 1e-9)
	assert.True(t, math.IsNaN(r.Stat("0-30cm", "mean")))
}

func TestAggregate_Errors(t *testing.T) {
	t.Parallel()
	_, err := NewAggregator(Config{})
	assert.Error(t, err)
	_, err = NewAggregator(Config{Types: model.DefaultLandUseTypes(), MinReportArea: -1})
	assert.Error(t, err)
	_, err = NewAggregator(Config{Types: model.DefaultLandUseTypes(), Layers: []StatLayer{{Name: "x"}}})
	assert.Error(t, err)

	a, err := NewAggregator(stockConfig(0))
	require.NoError(t, err)
	_, err = a.Aggregate(pixels(t, fill(2, 3), fill(2, 1)), gridarea.NewTable(grid, nil))
	assert.Error(t, err, "missing row area")

	bad, err := NewAggregator(Config{
		Types:  model.DefaultLandUseTypes(),
		Layers: []StatLayer{{Name: "0-30cm", Terms: []Term{{Column: "nope", Weight: 1}}}},
	})
	require.NoError(t, err)
	_, err = bad.Aggregate(pixels(t, fill(2, 3), fill(2, 1)), halfHectare())
	assert.Error(t, err)
}

func TestStockTerms(t *testing.T) {
	t.Parallel()
	terms := StockTerms(model.DepthLayer{Name: "0-30cm", Top: 0, Bottom: 0.3}, model.SoilGridsLayers(), "socstock")
	require.Len(t, terms, 3)
	assert.Equal(t, "socstock_0-5cm", terms[0].Column)
	for _, term := range terms {
		assert.InDelta(t, 1, term.Weight, 1e-9)
	}

	terms = StockTerms(model.DepthLayer{Name: "0-20cm", Top: 0, Bottom: 0.2}, model.SoilGridsLayers(), "socstock")
	require.Len(t, terms, 3)
	assert.Equal(t, "socstock_15-30cm", terms[2].Column)
	assert.InDelta(t, 1.0/3, terms[2].Weight, 1e-9)
}

func TestAddConcentrationStock(t *testing.T) {
	t.Parallel()
	subs := []model.DepthLayer{{Name: "0-5cm", Top: 0, Bottom: 0.05}}
	tbl, err := raster.NewTable([]float64{0}, []float64{40}, []gridarea.RowIndex{0}, []float64{3})
	require.NoError(t, err)
	require.NoError(t, tbl.SetColumn("soc_0-5cm", []float64{2}))
	require.NoError(t, tbl.SetColumn("bulk_density_0-5cm", []float64{1.3}))

	require.NoError(t, AddConcentrationStock(tbl, subs, "soc", "bulk_density", "socstock"))
	col, ok := tbl.Column("socstock_0-5cm")
	require.True(t, ok)
	// 2 % x 1.3 Mg/m3 x 0.05 m x 10000 m2/ha.
	assert.InDelta(t, 13, col[0], 1e-9)

	assert.Error(t, AddConcentrationStock(tbl, []model.DepthLayer{{Name: "5-15cm", Top: 0.05, Bottom: 0.15}}, "soc", "bulk_density", "socstock"))
}
