package crs

import "math"

// igh constants: the latitude where the sinusoidal and Mollweide lobes meet,
// and the vertical offset that joins them (unit sphere).
var ighBoundary = deg2rad(40 + 44.0/60 + 11.8/3600)

const ighDY = 0.0528035274542

// HomolosineProjection is the Interrupted Goode Homolosine projection
// (forward only) on a sphere of the WGS84 semi-major axis, as used by the
// SoilGrids250m rasters.
type HomolosineProjection struct {
	r float64
}

// NewHomolosine returns the SoilGrids homolosine projection.
func NewHomolosine() *HomolosineProjection { return &HomolosineProjection{r: grs80A} }

// lobeCenter returns the central meridian (radians) of the lobe holding the
// point.
func lobeCenter(lam, phi float64) float64 {
	if phi >= 0 {
		if lam <= deg2rad(-40) {
			return deg2rad(-100)
		}
		return deg2rad(30)
	}
	switch {
	case lam <= deg2rad(-100):
		return deg2rad(-160)
	case lam <= deg2rad(-20):
		return deg2rad(-60)
	case lam <= deg2rad(80):
		return deg2rad(20)
	default:
		return deg2rad(140)
	}
}

// Forward projects lon/lat degrees to metres.
func (p *HomolosineProjection) Forward(lon, lat float64) (float64, float64) {
	lam := deg2rad(lon)
	phi := deg2rad(lat)
	lam0 := lobeCenter(lam, phi)
	dl := lam - lam0

	var x, y float64
	if math.Abs(phi) < ighBoundary {
		x = dl * math.Cos(phi)
		y = phi
	} else {
		theta := mollweideTheta(phi)
		x = 2 * math.Sqrt2 / math.Pi * dl * math.Cos(theta)
		y = math.Sqrt2 * math.Sin(theta)
		if phi > 0 {
			y -= ighDY
		} else {
			y += ighDY
		}
	}
	x += lam0
	return p.r * x, p.r * y
}

// mollweideTheta solves 2θ + sin 2θ = π sin φ by Newton iteration.
func mollweideTheta(phi float64) float64 {
	if math.Abs(math.Abs(phi)-math.Pi/2) < 1e-12 {
		return math.Copysign(math.Pi/2, phi)
	}
	k := math.Pi * math.Sin(phi)
	th := phi
	for i := 0; i < 50; i++ {
		d := (2*th + math.Sin(2*th) - k) / (2 + 2*math.Cos(2*th))
		th -= d
		if math.Abs(d) < 1e-13 {
			break
		}
	}
	return th
}
