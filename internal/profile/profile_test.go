package profile

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cropsoil/internal/model"
)

func uniform(top, bottom, v float64) Sample {
	return Sample{Top: top, Bottom: bottom, Values: map[model.Property]float64{
		model.PropertyClay:        v,
		model.PropertySand:        v,
		model.PropertySOC:         v,
		model.PropertyBulkDensity: v,
	}}
}

func TestOverlap(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.15, Overlap(0, 0.3, 0.15, 0.6), 1e-12)
	assert.Equal(t, 0.0, Overlap(0, 0.1, 0.2, 0.3))
	assert.Equal(t, 0.0, Overlap(0, 0.1, 0.1, 0.3))
	assert.InDelta(t, 0.1, Overlap(0.2, 0.3, 0, 1), 1e-12)
}

func TestWeighted(t *testing.T) {
	t.Parallel()
	samples := []Sample{uniform(0, 0.1, 10), uniform(0.1, 0.3, 40)}
	get := func(s Sample) float64 { return s.Get(model.PropertyClay) }

	// Half from each horizon.
	assert.InDelta(t, 25.0, Weighted(samples, 0.05, 0.15, get), 1e-9)
	// Only the first horizon overlaps.
	assert.InDelta(t, 10.0, Weighted(samples, 0, 0.05, get), 1e-9)
	// A horizon reaching only part of the layer still averages to its value.
	assert.InDelta(t, 40.0, Weighted(samples, 0.2, 0.4, get), 1e-9)
}

func TestWeighted_NoOverlapIsNaN(t *testing.T) {
	t.Parallel()
	samples := []Sample{uniform(0, 0.1, 10)}
	got := Weighted(samples, 0.5, 0.6, func(s Sample) float64 { return s.Get(model.PropertySand) })
	assert.True(t, math.IsNaN(got))

	got = Weighted(samples, 0.5, 0.5, func(s Sample) float64 { return s.Get(model.PropertySand) })
	assert.True(t, math.IsNaN(got))
}

func TestWeighted_MissingValuePropagates(t *testing.T) {
	t.Parallel()
	samples := []Sample{
		uniform(0, 0.1, 10),
		{Top: 0.1, Bottom: 0.2, Values: map[model.Property]float64{model.PropertyClay: 5}},
	}
	got := Weighted(samples, 0, 0.2, func(s Sample) float64 { return s.Get(model.PropertySOC) })
	assert.True(t, math.IsNaN(got))

	got = Weighted(samples, 0, 0.2, func(s Sample) float64 { return s.Get(model.PropertyClay) })
	assert.InDelta(t, 7.5, got, 1e-9)
}

func TestResample_UniformIsIdempotent(t *testing.T) {
	t.Parallel()
	stacks := [][]Sample{
		{uniform(0, 2, 1.35)},
		{uniform(0, 0.07, 1.35), uniform(0.07, 0.33, 1.35), uniform(0.33, 2, 1.35)},
		FromDepthLayers(model.SoilGridsLayers(), func(model.Property, string) float64 { return 1.35 }),
	}
	for _, samples := range stacks {
		layers := Resample(samples, model.StandardSoilLayers(), 2.0)
		require.Len(t, layers, 12)
		for _, l := range layers {
			for _, p := range model.SoilProperties {
				assert.InDelta(t, 1.35, l.Value(p), 1e-9, "layer %.2f-%.2f %s", l.Top, l.Bottom, p)
			}
		}
	}
}

func TestResample_TruncatesAtDepth(t *testing.T) {
	t.Parallel()
	samples := []Sample{uniform(0, 0.6, 20)}
	layers := Resample(samples, model.StandardSoilLayers(), 0.6)
	require.Len(t, layers, 5)
	assert.InDelta(t, 0.6, layers[4].Bottom, 1e-12)
	assert.InDelta(t, 2.0, layers[4].NO3, 1e-12)

	layers = Resample(samples, model.StandardSoilLayers(), 0.01)
	assert.Empty(t, layers)
}

func TestResample_ShallowHorizonsLeaveDeepLayersMissing(t *testing.T) {
	t.Parallel()
	samples := []Sample{uniform(0, 0.2, 20)}
	layers := Resample(samples, model.StandardSoilLayers(), 0.4)
	require.Len(t, layers, 4)
	assert.InDelta(t, 20.0, layers[2].Value(model.PropertyClay), 1e-9)
	assert.True(t, math.IsNaN(layers[3].Value(model.PropertyClay)))
}

func TestFromDepthLayers(t *testing.T) {
	t.Parallel()
	samples := FromDepthLayers(model.SoilGridsLayers(), func(p model.Property, layer string) float64 {
		if p == model.PropertyClay && layer == "0-5cm" {
			return 30
		}
		return math.NaN()
	})
	require.Len(t, samples, 6)
	assert.Equal(t, 30.0, samples[0].Get(model.PropertyClay))
	assert.True(t, math.IsNaN(samples[1].Get(model.PropertyClay)))
	assert.InDelta(t, 0.15, samples[2].Top, 1e-12)
}

func TestResample_TwoHorizons(t *testing.T) {
	t.Parallel()
	samples := []Sample{uniform(0, 0.1, 10), uniform(0.1, 0.3, 40)}

	got := Resample(samples, model.StandardSoilLayers(), 0.2)
	want := []Layer{
		{SoilLayer: model.StandardSoilLayers()[0], Values: uniform(0, 0, 10).Values},
		{SoilLayer: model.StandardSoilLayers()[1], Values: uniform(0, 0, 10).Values},
		{SoilLayer: model.StandardSoilLayers()[2], Values: uniform(0, 0, 40).Values},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Resample mismatch (-want +got):\n%s", diff)
	}
}
