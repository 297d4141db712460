// Package profile resamples soil horizon stacks onto a fixed vertical layering
// by depth-weighted overlap averaging.
package profile

import (
	"math"

	"github.com/sells-group/cropsoil/internal/model"
)

// Sample is one source interval: a survey horizon or a gridded depth layer.
// Values are keyed by property; absent or NaN values are missing.
type Sample struct {
	Top    float64
	Bottom float64
	Values map[model.Property]float64
}

// Get returns the value of p, or NaN when absent.
func (s Sample) Get(p model.Property) float64 {
	v, ok := s.Values[p]
	if !ok {
		return math.NaN()
	}
	return v
}

// Layer is one target layer filled with resampled properties.
type Layer struct {
	model.SoilLayer
	Values map[model.Property]float64
}

// Value returns the resampled value of p, NaN when missing.
func (l Layer) Value(p model.Property) float64 {
	v, ok := l.Values[p]
	if !ok {
		return math.NaN()
	}
	return v
}

// Overlap returns the length shared by [top1,bottom1] and [top2,bottom2].
func Overlap(top1, bottom1, top2, bottom2 float64) float64 {
	return math.Max(0, math.Min(bottom1, bottom2)-math.Max(top1, top2))
}

// Weighted averages get over samples, weighting each by the fraction of
// [top,bottom] it covers. It returns NaN when nothing overlaps or when an
// overlapping sample's value is missing.
func Weighted(samples []Sample, top, bottom float64, get func(Sample) float64) float64 {
	span := bottom - top
	if span <= 0 {
		return math.NaN()
	}

	var sum, total float64
	for _, s := range samples {
		w := Overlap(s.Top, s.Bottom, top, bottom) / span
		if w <= 0 {
			continue
		}
		sum += get(s) * w
		total += w
	}
	if total == 0 {
		return math.NaN()
	}
	return sum / total
}

// Resample keeps the layers whose bottom does not exceed depth and fills each
// with the depth-weighted properties of samples.
func Resample(samples []Sample, layers []model.SoilLayer, depth float64) []Layer {
	var out []Layer
	for _, l := range layers {
		// Depths come from the same ladder, so compare with a small tolerance
		// to absorb float noise from unit conversion.
		if l.Bottom > depth+1e-9 {
			continue
		}
		values := make(map[model.Property]float64, len(model.SoilProperties))
		for _, p := range model.SoilProperties {
			values[p] = Weighted(samples, l.Top, l.Bottom, func(s Sample) float64 { return s.Get(p) })
		}
		out = append(out, Layer{SoilLayer: l, Values: values})
	}
	return out
}

// FromDepthLayers builds samples from fixed-depth layers and a lookup of
// property values per layer name, as read from one gridded pixel.
func FromDepthLayers(layers []model.DepthLayer, value func(p model.Property, layer string) float64) []Sample {
	out := make([]Sample, 0, len(layers))
	for _, l := range layers {
		values := make(map[model.Property]float64, len(model.SoilProperties))
		for _, p := range model.SoilProperties {
			values[p] = value(p, l.Name)
		}
		out = append(out, Sample{Top: l.Top, Bottom: l.Bottom, Values: values})
	}
	return out
}
