package model

// Property is a soil property carried through profiles and soil files.
type Property string

const (
	PropertyClay        Property = "clay"
	PropertySand        Property = "sand"
	PropertySOC         Property = "soc"
	PropertyBulkDensity Property = "bulk_density"
)

// SoilProperties lists the properties written to soil files, in column order.
var SoilProperties = []Property{PropertyClay, PropertySand, PropertySOC, PropertyBulkDensity}

// DepthLayer is a named depth interval in metres.
type DepthLayer struct {
	Name   string  `json:"name" yaml:"name" mapstructure:"name"`
	Top    float64 `json:"top" yaml:"top" mapstructure:"top"`
	Bottom float64 `json:"bottom" yaml:"bottom" mapstructure:"bottom"`
}

// Thickness returns Bottom - Top.
func (l DepthLayer) Thickness() float64 { return l.Bottom - l.Top }

// SoilGridsLayers returns the six SoilGrids250m v2.0 standard depths.
func SoilGridsLayers() []DepthLayer {
	return []DepthLayer{
		{Name: "0-5cm", Top: 0, Bottom: 0.05},
		{Name: "5-15cm", Top: 0.05, Bottom: 0.15},
		{Name: "15-30cm", Top: 0.15, Bottom: 0.3},
		{Name: "30-60cm", Top: 0.3, Bottom: 0.6},
		{Name: "60-100cm", Top: 0.6, Bottom: 1.0},
		{Name: "100-200cm", Top: 1.0, Bottom: 2.0},
	}
}

// SoilLayer is one row of the standard soil-file layering. NO3 and NH4 are
// default initial contents in kg/ha.
type SoilLayer struct {
	Top       float64 `json:"top" yaml:"top" mapstructure:"top"`
	Bottom    float64 `json:"bottom" yaml:"bottom" mapstructure:"bottom"`
	Thickness float64 `json:"thickness" yaml:"thickness" mapstructure:"thickness"`
	NO3       float64 `json:"no3" yaml:"no3" mapstructure:"no3"`
	NH4       float64 `json:"nh4" yaml:"nh4" mapstructure:"nh4"`
}

// StandardSoilLayers returns the twelve layers used in soil files, 0 to 2 m.
func StandardSoilLayers() []SoilLayer {
	layers := []SoilLayer{
		{Top: 0, Bottom: 0.05, Thickness: 0.05, NO3: 10, NH4: 1},
		{Top: 0.05, Bottom: 0.1, Thickness: 0.05, NO3: 10, NH4: 1},
		{Top: 0.1, Bottom: 0.2, Thickness: 0.1, NO3: 7, NH4: 1},
		{Top: 0.2, Bottom: 0.4, Thickness: 0.2, NO3: 4, NH4: 1},
		{Top: 0.4, Bottom: 0.6, Thickness: 0.2, NO3: 2, NH4: 1},
	}
	for top := 6; top < 20; top += 2 {
		layers = append(layers, SoilLayer{
			Top:       float64(top) / 10,
			Bottom:    float64(top+2) / 10,
			Thickness: 0.2,
			NO3:       1,
			NH4:       1,
		})
	}
	return layers
}

// LayerBottoms returns the bottom depth of each layer, the soil-depth ladder.
func LayerBottoms(layers []SoilLayer) []float64 {
	out := make([]float64, len(layers))
	for i, l := range layers {
		out[i] = l.Bottom
	}
	return out
}
