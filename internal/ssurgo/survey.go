package ssurgo

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/rtree"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/boundary"
	"github.com/sells-group/cropsoil/internal/model"
)

// Polygon is one MUPOLYGON record in NAD83 / CONUS Albers.
type Polygon struct {
	Index    int
	MuKey    int64
	Geometry *geom.MultiPolygon
}

// Contains reports whether (x, y) lies inside the polygon under the
// even-odd rule of each member polygon.
func (p Polygon) Contains(x, y float64) bool {
	c := geom.Coord{x, y}
	for i := 0; i < p.Geometry.NumPolygons(); i++ {
		poly := p.Geometry.Polygon(i)
		inside := false
		for j := 0; j < poly.NumLinearRings(); j++ {
			ring := poly.LinearRing(j)
			if xy.IsPointInRing(ring.Layout(), c, ring.FlatCoords()) {
				inside = !inside
			}
		}
		if inside {
			return true
		}
	}
	return false
}

// Survey is one state's gSSURGO database: polygons in an R-tree plus the
// attribute tables indexed by key.
type Survey struct {
	polys      []Polygon
	tree       rtree.RTreeG[int]
	units      map[int64]MapUnit
	components map[int64][]Component
	horizons   map[int64][]Horizon
}

// NewSurvey indexes polygons and tables. Polygons keep their order.
func NewSurvey(polys []Polygon, t *Tables) *Survey {
	s := &Survey{
		polys:      polys,
		units:      t.MapUnits,
		components: make(map[int64][]Component),
		horizons:   make(map[int64][]Horizon),
	}
	if s.units == nil {
		s.units = map[int64]MapUnit{}
	}
	for i, p := range polys {
		b := p.Geometry.Bounds()
		if b.IsEmpty() {
			continue
		}
		s.tree.Insert([2]float64{b.Min(0), b.Min(1)}, [2]float64{b.Max(0), b.Max(1)}, i)
	}
	for _, c := range t.Components {
		s.components[c.MuKey] = append(s.components[c.MuKey], c)
	}
	for _, h := range t.Horizons {
		s.horizons[h.CoKey] = append(s.horizons[h.CoKey], h)
	}
	return s
}

// Open reads a state's polygons and tables.
func Open(ctx context.Context, p Paths, params map[model.Property]Param) (*Survey, error) {
	polys, err := ReadPolygons(p.Polygons)
	if err != nil {
		return nil, err
	}
	tables, err := ReadTables(ctx, p, params)
	if err != nil {
		return nil, err
	}
	s := NewSurvey(polys, tables)
	zap.L().Debug("ssurgo: survey loaded",
		zap.String("polygons", p.Polygons),
		zap.Int("polygon_count", len(polys)),
		zap.Int("map_units", len(tables.MapUnits)),
		zap.Int("horizons", len(tables.Horizons)),
	)
	return s, nil
}

// ReadPolygons reads a MUPOLYGON shapefile export carrying a MUKEY field.
func ReadPolygons(shpPath string) ([]Polygon, error) {
	features, err := boundary.ReadFeatures(shpPath)
	if err != nil {
		return nil, err
	}
	out := make([]Polygon, 0, len(features))
	for _, f := range features {
		raw := strings.TrimSuffix(f.Attrs["MUKEY"], ".0")
		key, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "ssurgo: record %d has bad MUKEY %q", f.Index, raw)
		}
		out = append(out, Polygon{Index: len(out), MuKey: key, Geometry: f.Geometry})
	}
	return out, nil
}

// Len returns the number of polygons.
func (s *Survey) Len() int { return len(s.polys) }

// Locate returns the polygon containing (x, y). When polygons overlap the
// one with the lowest index wins.
func (s *Survey) Locate(x, y float64) (Polygon, bool) {
	best := -1
	pt := [2]float64{x, y}
	s.tree.Search(pt, pt, func(_, _ [2]float64, i int) bool {
		if (best < 0 || i < best) && s.polys[i].Contains(x, y) {
			best = i
		}
		return true
	})
	if best < 0 {
		return Polygon{}, false
	}
	return s.polys[best], true
}

// MapUnit returns the aggregated attributes of a map unit.
func (s *Survey) MapUnit(key int64) (MapUnit, bool) {
	u, ok := s.units[key]
	return u, ok
}

// Components returns the components of a map unit in file order.
func (s *Survey) Components(mukey int64) []Component {
	return s.components[mukey]
}

// Horizons returns the horizons of a component in file order.
func (s *Survey) Horizons(cokey int64) []Horizon {
	return s.horizons[cokey]
}
