package crs

import (
	"math"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
)

// GRS80 ellipsoid, shared by NAD83 and (to within a millimetre) WGS84.
const (
	grs80A  = 6378137.0
	grs80E2 = 0.00669438002290
)

// proj4 definitions. The geographic system carries no datum shift, so NAD83
// and WGS84 coordinates pass through unchanged.
const (
	geographicDef  = "+proj=longlat +ellps=GRS80 +no_defs"
	albersUSADef   = "+proj=aea +lat_1=29.5 +lat_2=45.5 +lat_0=37.5 +lon_0=-96 +x_0=0 +y_0=0 +ellps=GRS80 +units=m +no_defs"
	albersCONUSDef = "+proj=aea +lat_1=29.5 +lat_2=45.5 +lat_0=23 +lon_0=-96 +x_0=0 +y_0=0 +ellps=GRS80 +units=m +no_defs"
)

// Def returns the proj4 definition for c. Homolosine has none.
func (c Code) Def() (string, bool) {
	switch c {
	case WGS84:
		return geographicDef, true
	case Albers:
		return albersUSADef, true
	case ConusAlbers:
		return albersCONUSDef, true
	}
	return "", false
}

var spatialRefs = sync.OnceValues(func() (map[Code]*proj.SR, error) {
	srs := make(map[Code]*proj.SR, 3)
	for _, c := range []Code{WGS84, Albers, ConusAlbers} {
		def, _ := c.Def()
		sr, err := proj.Parse(def)
		if err != nil {
			return nil, eris.Wrapf(err, "crs: parse %s", c)
		}
		srs[c] = sr
	}
	return srs, nil
})

// proj4Transform builds the library transform between two codes that both
// have a proj4 definition.
func proj4Transform(from, to Code) (proj.Transformer, error) {
	srs, err := spatialRefs()
	if err != nil {
		return nil, err
	}
	src, ok := srs[from]
	if !ok {
		return nil, eris.Errorf("crs: no proj4 definition for %s", from)
	}
	dst, ok := srs[to]
	if !ok {
		return nil, eris.Errorf("crs: no proj4 definition for %s", to)
	}
	t, err := src.NewTransform(dst)
	if err != nil {
		return nil, eris.Wrapf(err, "crs: transform %s to %s", from, to)
	}
	return t, nil
}

// Projected is a projected CRS evaluated through its proj4 definition.
// Coordinates that fail to project come back as NaN.
type Projected struct {
	code     Code
	fwd, inv proj.Transformer
}

// NewProjected builds the forward and inverse transforms for a projected code.
func NewProjected(c Code) (*Projected, error) {
	if _, ok := c.Def(); !ok || c == WGS84 {
		return nil, eris.Errorf("crs: %s has no proj4 projection", c)
	}
	fwd, err := proj4Transform(WGS84, c)
	if err != nil {
		return nil, err
	}
	inv, err := proj4Transform(c, WGS84)
	if err != nil {
		return nil, err
	}
	return &Projected{code: c, fwd: fwd, inv: inv}, nil
}

func mustProjected(c Code) *Projected {
	p, err := NewProjected(c)
	if err != nil {
		panic(err)
	}
	return p
}

// AlbersUSA is USA Contiguous Albers Equal Area Conic (ESRI:102003).
func AlbersUSA() *Projected { return mustProjected(Albers) }

// AlbersCONUS is NAD83 / Conus Albers (EPSG:5070), the gSSURGO CRS.
func AlbersCONUS() *Projected { return mustProjected(ConusAlbers) }

// Code reports which system p projects to.
func (p *Projected) Code() Code { return p.code }

// Forward projects lon/lat degrees to metres.
func (p *Projected) Forward(lon, lat float64) (float64, float64) {
	x, y, err := p.fwd(lon, lat)
	if err != nil {
		return math.NaN(), math.NaN()
	}
	return x, y
}

// Inverse converts metres back to lon/lat degrees.
func (p *Projected) Inverse(x, y float64) (float64, float64) {
	lon, lat, err := p.inv(x, y)
	if err != nil {
		return math.NaN(), math.NaN()
	}
	return lon, lat
}

// AuthalicBandArea returns the exact ellipsoidal area in m² of the
// lon/lat rectangle spanning dlon degrees between lat1 and lat2.
func AuthalicBandArea(lat1, lat2, dlon float64) float64 {
	dq := qsfn(deg2rad(lat2)) - qsfn(deg2rad(lat1))
	return math.Abs(0.5 * grs80A * grs80A * dq * deg2rad(dlon))
}

// qsfn is the authalic q of Snyder eq. 3-12 on GRS80.
func qsfn(phi float64) float64 {
	e := math.Sqrt(grs80E2)
	s := math.Sin(phi)
	es := e * s
	return (1 - grs80E2) * (s/(1-es*es) - (1/(2*e))*math.Log((1-es)/(1+es)))
}
