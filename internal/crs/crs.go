// Package crs implements the four coordinate reference systems the pipeline
// moves between: geographic WGS84, USA Contiguous Albers Equal Area
// (ESRI:102003), NAD83 / CONUS Albers (EPSG:5070), and the Interrupted Goode
// Homolosine grid used by SoilGrids.
package crs

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// Code identifies a supported CRS.
type Code int

const (
	WGS84 Code = iota
	Albers
	ConusAlbers
	Homolosine
)

func (c Code) String() string {
	switch c {
	case WGS84:
		return "epsg:4326"
	case Albers:
		return "esri:102003"
	case ConusAlbers:
		return "epsg:5070"
	case Homolosine:
		return "urn:ogc:def:crs:EPSG::152160"
	default:
		return "unknown"
	}
}

// Parse accepts the authority codes used in configuration and file headers.
func Parse(s string) (Code, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "epsg:4326", "wgs84", "4326":
		return WGS84, nil
	case "esri:102003", "aeac", "albers", "102003":
		return Albers, nil
	case "epsg:5070", "nad83", "5070":
		return ConusAlbers, nil
	case "urn:ogc:def:crs:epsg::152160", "epsg:152160", "homolosine", "igh", "152160":
		return Homolosine, nil
	}
	return 0, eris.Errorf("crs: unsupported reference system %q", s)
}

// Projection converts geographic degrees to projected metres.
type Projection interface {
	Forward(lon, lat float64) (x, y float64)
}

// Inverter converts projected metres back to geographic degrees.
type Inverter interface {
	Inverse(x, y float64) (lon, lat float64)
}

// Transform maps a coordinate from one CRS to another.
type Transform func(x, y float64) (float64, float64, error)

// ErrNoInverse is returned for transforms out of a CRS that only has a
// forward projection.
var ErrNoInverse = eris.New("crs: inverse projection not supported")

// Lookup returns the projection for a projected CRS. WGS84 has none.
func Lookup(c Code) (Projection, error) {
	switch c {
	case Albers, ConusAlbers:
		return NewProjected(c)
	case Homolosine:
		return NewHomolosine(), nil
	}
	return nil, eris.Errorf("crs: %s is not a projected system", c)
}

// NewTransform returns the transform between two codes. Pairs with proj4
// definitions go straight through the library transform; Homolosine is
// reached by projecting the geographic coordinate forward. NAD83 and WGS84
// datums are treated as identical.
func NewTransform(from, to Code) (Transform, error) {
	if from == to {
		return func(x, y float64) (float64, float64, error) { return x, y, nil }, nil
	}
	if from == Homolosine {
		return nil, eris.Wrapf(ErrNoInverse, "crs: %s to %s", from, to)
	}

	toGeo := func(x, y float64) (float64, float64, error) { return x, y, nil }
	if to == Homolosine {
		if from != WGS84 {
			t, err := proj4Transform(from, WGS84)
			if err != nil {
				return nil, err
			}
			toGeo = t
		}
		igh := NewHomolosine()
		return checked(to, func(x, y float64) (float64, float64, error) {
			lon, lat, err := toGeo(x, y)
			if err != nil {
				return lon, lat, err
			}
			x, y = igh.Forward(lon, lat)
			return x, y, nil
		}), nil
	}

	t, err := proj4Transform(from, to)
	if err != nil {
		return nil, err
	}
	return checked(to, t), nil
}

func checked(to Code, t func(x, y float64) (float64, float64, error)) Transform {
	return func(x, y float64) (float64, float64, error) {
		x, y, err := t(x, y)
		if err != nil {
			return x, y, eris.Wrapf(err, "crs: coordinate not representable in %s", to)
		}
		if math.IsNaN(x) || math.IsNaN(y) {
			return x, y, eris.Errorf("crs: coordinate not representable in %s", to)
		}
		return x, y, nil
	}
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
