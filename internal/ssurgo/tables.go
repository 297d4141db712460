// Package ssurgo reads gSSURGO map-unit polygons and their component,
// horizon, and aggregated-attribute tables.
package ssurgo

import (
	"context"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/fetcher"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/profile"
)

// MapUnit is one row of muaggatt.
type MapUnit struct {
	Key int64
	// Name is the map-unit name up to its first comma, so that phases of
	// one series (slope, erosion) group together.
	Name     string
	FullName string
	HydGroup string
	// Slope is the weighted average slope gradient in percent, NaN when
	// missing.
	Slope float64
}

// Component is one row of component.
type Component struct {
	MuKey int64
	CoKey int64
	Major bool
}

// Horizon is one row of chorizon with units converted: depths in metres,
// organic matter converted to organic carbon.
type Horizon struct {
	CoKey  int64
	Name   string
	Top    float64
	Bottom float64
	Values map[model.Property]float64
}

// Sample returns the horizon as a profile sample.
func (h Horizon) Sample() profile.Sample {
	return profile.Sample{Top: h.Top, Bottom: h.Bottom, Values: h.Values}
}

// Param maps a soil property to a chorizon column.
type Param struct {
	Column     string  `yaml:"column" mapstructure:"column"`
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultParams returns the chorizon columns for each property.
func DefaultParams() map[model.Property]Param {
	return map[model.Property]Param{
		model.PropertyClay:        {Column: "claytotal_r", Multiplier: 1},
		model.PropertySand:        {Column: "sandtotal_r", Multiplier: 1},
		model.PropertySOC:         {Column: "om_r", Multiplier: 0.58},
		model.PropertyBulkDensity: {Column: "dbthirdbar_r", Multiplier: 1},
	}
}

// Depth columns are in centimetres.
const depthMultiplier = 0.01

// GroupName returns the text before the first comma of a map-unit name.
func GroupName(name string) string {
	if i := strings.IndexByte(name, ','); i >= 0 {
		return name[:i]
	}
	return name
}

func parseKey(rec fetcher.Record, col string) (int64, error) {
	v := rec.Get(col)
	k, err := strconv.ParseInt(strings.TrimSuffix(v, ".0"), 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "ssurgo: line %d: bad %s %q", rec.Line, col, v)
	}
	return k, nil
}

func parseFloat(rec fetcher.Record, col string) (float64, error) {
	v := rec.Get(col)
	if v == "" {
		return math.NaN(), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "ssurgo: line %d: bad %s %q", rec.Line, col, v)
	}
	return f, nil
}

var csvOptions = fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true}

func withRequired(cols ...string) fetcher.CSVOptions {
	o := csvOptions
	o.Required = cols
	return o
}

// ReadMapUnits reads a muaggatt export keyed by mukey.
func ReadMapUnits(ctx context.Context, r io.Reader) (map[int64]MapUnit, error) {
	out := map[int64]MapUnit{}
	err := fetcher.EachCSV(ctx, r, withRequired("mukey", "muname", "hydgrpdcd", "slopegradwta"), func(rec fetcher.Record) error {
		key, err := parseKey(rec, "mukey")
		if err != nil {
			return err
		}
		slope, err := parseFloat(rec, "slopegradwta")
		if err != nil {
			return err
		}
		full := rec.Get("muname")
		out[key] = MapUnit{
			Key:      key,
			Name:     GroupName(full),
			FullName: full,
			HydGroup: rec.Get("hydgrpdcd"),
			Slope:    slope,
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "ssurgo: read muaggatt")
	}
	return out, nil
}

// ReadComponents reads a component export in file order.
func ReadComponents(ctx context.Context, r io.Reader) ([]Component, error) {
	var out []Component
	err := fetcher.EachCSV(ctx, r, withRequired("mukey", "cokey", "majcompflag"), func(rec fetcher.Record) error {
		mu, err := parseKey(rec, "mukey")
		if err != nil {
			return err
		}
		co, err := parseKey(rec, "cokey")
		if err != nil {
			return err
		}
		out = append(out, Component{MuKey: mu, CoKey: co, Major: strings.EqualFold(rec.Get("majcompflag"), "Yes")})
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "ssurgo: read component")
	}
	return out, nil
}

// ReadHorizons reads a chorizon export in file order.
func ReadHorizons(ctx context.Context, r io.Reader, params map[model.Property]Param) ([]Horizon, error) {
	required := []string{"cokey", "hzname", "hzdept_r", "hzdepb_r"}
	for _, p := range model.SoilProperties {
		if c, ok := params[p]; ok {
			required = append(required, c.Column)
		}
	}

	var out []Horizon
	err := fetcher.EachCSV(ctx, r, withRequired(required...), func(rec fetcher.Record) error {
		co, err := parseKey(rec, "cokey")
		if err != nil {
			return err
		}
		top, err := parseFloat(rec, "hzdept_r")
		if err != nil {
			return err
		}
		bottom, err := parseFloat(rec, "hzdepb_r")
		if err != nil {
			return err
		}
		h := Horizon{
			CoKey:  co,
			Name:   rec.Get("hzname"),
			Top:    top * depthMultiplier,
			Bottom: bottom * depthMultiplier,
			Values: make(map[model.Property]float64, len(params)),
		}
		for prop, p := range params {
			v, err := parseFloat(rec, p.Column)
			if err != nil {
				return err
			}
			h.Values[prop] = v * p.Multiplier
		}
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "ssurgo: read chorizon")
	}
	return out, nil
}

// Paths locates one state's gSSURGO exports. Each field may contain the
// placeholder {state}, replaced by the state's postal code.
type Paths struct {
	Polygons  string `yaml:"polygons" mapstructure:"polygons"`
	Component string `yaml:"component" mapstructure:"component"`
	Chorizon  string `yaml:"chorizon" mapstructure:"chorizon"`
	Muaggatt  string `yaml:"muaggatt" mapstructure:"muaggatt"`
}

// ForState expands the {state} placeholder.
func (p Paths) ForState(abbr string) Paths {
	r := strings.NewReplacer("{state}", abbr)
	return Paths{
		Polygons:  r.Replace(p.Polygons),
		Component: r.Replace(p.Component),
		Chorizon:  r.Replace(p.Chorizon),
		Muaggatt:  r.Replace(p.Muaggatt),
	}
}

// Tables holds the attribute tables of one state.
type Tables struct {
	MapUnits   map[int64]MapUnit
	Components []Component
	Horizons   []Horizon
}

// ReadTables reads the three attribute exports named in p.
func ReadTables(ctx context.Context, p Paths, params map[model.Property]Param) (*Tables, error) {
	t := &Tables{}
	if err := readFile(p.Muaggatt, func(r io.Reader) (err error) {
		t.MapUnits, err = ReadMapUnits(ctx, r)
		return err
	}); err != nil {
		return nil, err
	}
	if err := readFile(p.Component, func(r io.Reader) (err error) {
		t.Components, err = ReadComponents(ctx, r)
		return err
	}); err != nil {
		return nil, err
	}
	if err := readFile(p.Chorizon, func(r io.Reader) (err error) {
		t.Horizons, err = ReadHorizons(ctx, r, params)
		return err
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func readFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "ssurgo: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return fn(f)
}
