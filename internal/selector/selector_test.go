package selector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/ssurgo"
)

// kmProj maps degrees to kilometres-as-metres on a flat plane.
type kmProj struct{}

func (kmProj) Forward(lon, lat float64) (float64, float64) { return lon * 1000, lat * 1000 }

// stripSurvey is a survey of unit-wide vertical strips: x in [i, i+1) is
// polygon i.
type stripSurvey struct {
	keys       []int64
	units      map[int64]ssurgo.MapUnit
	components map[int64][]ssurgo.Component
	horizons   map[int64][]ssurgo.Horizon
}

func (s *stripSurvey) Locate(x, _ float64) (ssurgo.Polygon, bool) {
	i := int(math.Floor(x))
	if i < 0 || i >= len(s.keys) {
		return ssurgo.Polygon{}, false
	}
	return ssurgo.Polygon{Index: i, MuKey: s.keys[i]}, true
}

func (s *stripSurvey) MapUnit(key int64) (ssurgo.MapUnit, bool) {
	u, ok := s.units[key]
	return u, ok
}

func (s *stripSurvey) Components(mukey int64) []ssurgo.Component { return s.components[mukey] }
func (s *stripSurvey) Horizons(cokey int64) []ssurgo.Horizon    { return s.horizons[cokey] }

func unit(key int64, full, hsg string, slope float64) ssurgo.MapUnit {
	return ssurgo.MapUnit{Key: key, Name: ssurgo.GroupName(full), FullName: full, HydGroup: hsg, Slope: slope}
}

func horizon(cokey int64, name string, top, bottom, clay float64) ssurgo.Horizon {
	return ssurgo.Horizon{CoKey: cokey, Name: name, Top: top, Bottom: bottom, Values: map[model.Property]float64{model.PropertyClay: clay}}
}

func fixtureSurvey() *stripSurvey {
	return &stripSurvey{
		keys: []int64{10, 20, 11, 30, 40},
		units: map[int64]ssurgo.MapUnit{
			10: unit(10, "Clarion loam, 2 to 6 percent slopes", "B", 4),
			11: unit(11, "Clarion loam, 6 to 10 percent slopes", "C", math.NaN()),
			20: unit(20, "Water", "", math.NaN()),
			30: unit(30, "Urban land-Clarion complex", "D", 1),
			40: unit(40, "Webster clay loam", "B/D", 1),
		},
		components: map[int64][]ssurgo.Component{
			10: {{MuKey: 10, CoKey: 100, Major: true}, {MuKey: 10, CoKey: 101}},
			40: {{MuKey: 40, CoKey: 400}},
		},
		horizons: map[int64][]ssurgo.Horizon{
			100: {horizon(100, "Bt", 0.3, 0.93, 30), horizon(100, "Ap", 0, 0.3, 20), horizon(100, "R", 0.93, 2, math.NaN())},
			101: {horizon(101, "A", 0, 2, 50)},
			400: {horizon(400, "A", 0, 0.5, 35)},
		},
	}
}

func identity(x, y float64) (float64, float64, error) { return x, y, nil }

func pt(lon float64) Point { return Point{Lon: lon, Lat: 0, Values: []float64{1, 2}} }

func TestMode_TieIsLexicalUnderPermutation(t *testing.T) {
	t.Parallel()
	perms := [][]string{
		{"b", "c", "a", "c", "a", "b"},
		{"c", "c", "b", "b", "a", "a"},
		{"a", "b", "c", "a", "b", "c"},
		{"c", "a", "b", "b", "a", "c"},
	}
	for _, p := range perms {
		assert.Equal(t, "a", Mode(p), "%v", p)
	}
	assert.Equal(t, "c", Mode([]string{"a", "c", "c"}))
	assert.Equal(t, "", Mode(nil))
}

func TestJoinFilterSelect(t *testing.T) {
	t.Parallel()
	s := fixtureSurvey()
	points := []Point{pt(0.5), pt(0.6), pt(1.5), pt(2.5), pt(3.5), pt(-1), pt(2.7)}

	matches, err := Join(points, s, identity)
	require.NoError(t, err)
	require.Len(t, matches, len(points))
	assert.False(t, matches[5].Matched)
	assert.Equal(t, 2, matches[3].Polygon)

	kept := DefaultRules().Filter(matches)
	require.Len(t, kept, 4, "water, urban, and unmatched dropped")

	sel, ok := Select(kept)
	require.True(t, ok)
	assert.Equal(t, "Clarion loam", sel.Name)
	assert.Equal(t, int64(10), sel.MuKey, "lowest polygon index carrying the name")
	assert.Equal(t, "Clarion loam, 2 to 6 percent slopes", sel.FullName)
	assert.InDelta(t, 4, sel.Slope, 1e-12, "NaN slopes skipped")
	assert.Equal(t, "B", sel.HydGroup, "2 B vs 2 C resolves lexically")
	assert.Equal(t, 4, sel.Points)

	_, ok = Select(nil)
	assert.False(t, ok)
}

func TestSelect_KeyFromMatchedPolygons(t *testing.T) {
	t.Parallel()
	a := unit(30, "Clarion loam, 0 to 2 percent slopes", "B", 2)
	b := unit(20, "Clarion loam, 2 to 6 percent slopes", "B", 4)
	matches := []Match{
		{Point: 0, Polygon: 9, Unit: a, Matched: true},
		{Point: 1, Polygon: 5, Unit: b, Matched: true},
		{Point: 2, Polygon: 9, Unit: a, Matched: true},
	}

	sel, ok := Select(matches)
	require.True(t, ok)
	assert.Equal(t, int64(20), sel.MuKey, "polygon 5 is the lowest index the points hit")
	assert.Equal(t, "Clarion loam, 2 to 6 percent slopes", sel.FullName)
}

func TestSelect_NoHydGroupOrSlope(t *testing.T) {
	t.Parallel()
	sel, ok := Select([]Match{{Unit: unit(1, "Foo", "", math.NaN()), Matched: true}})
	require.True(t, ok)
	assert.Equal(t, "", sel.HydGroup)
	assert.True(t, math.IsNaN(sel.Slope))
}

func TestRules_Horizons(t *testing.T) {
	t.Parallel()
	s := fixtureSurvey()
	r := DefaultRules()

	hz := r.Horizons(s, 10)
	require.Len(t, hz, 2, "minor component and bedrock dropped")
	assert.Equal(t, "Ap", hz[0].Name)
	assert.Equal(t, "Bt", hz[1].Name)

	hz = r.Horizons(s, 40)
	require.Len(t, hz, 1, "falls back to all components")

	assert.Empty(t, r.Horizons(s, 99))
}

func TestSoilDepth(t *testing.T) {
	t.Parallel()
	ladder := DefaultRules().DepthLadder

	d, ok := SoilDepth([]ssurgo.Horizon{horizon(1, "A", 0, 0.3, 1), horizon(1, "B", 0.3, 0.93, 1)}, ladder)
	require.True(t, ok)
	assert.InDelta(t, 1.0, d, 1e-12)

	d, _ = SoilDepth([]ssurgo.Horizon{horizon(1, "A", 0, 0.5, 1)}, ladder)
	assert.InDelta(t, 0.4, d, 1e-12, "tie goes to the shallower depth")

	d, _ = SoilDepth([]ssurgo.Horizon{horizon(1, "A", 0, 2.5, 1)}, ladder)
	assert.InDelta(t, 2.0, d, 1e-12)

	_, ok = SoilDepth(nil, ladder)
	assert.False(t, ok)
}

func TestNearest(t *testing.T) {
	t.Parallel()
	points := []Point{pt(5), pt(1), pt(3)}
	matches := []Match{
		{Point: 0, Unit: unit(1, "Clarion loam", "", 0), Matched: true},
		{Point: 1, Unit: unit(1, "Clarion loam", "", 0), Matched: true},
		{Point: 2, Unit: unit(1, "Clarion loam", "", 0), Matched: true},
	}
	i, ok := Nearest(points, matches, "Clarion loam", geom.Coord{0, 0}, kmProj{})
	require.True(t, ok)
	assert.Equal(t, 1, i)

	// Missing gridded values and other names do not qualify.
	points[1].Values[0] = math.NaN()
	matches[2].Unit.Name = "Webster"
	i, ok = Nearest(points, matches, "Clarion loam", geom.Coord{0, 0}, kmProj{})
	require.True(t, ok)
	assert.Equal(t, 0, i)

	// Equal distances go to the lowest index.
	eq := []Point{pt(2), pt(-2)}
	i, _ = Nearest(eq, []Match{{Point: 1, Unit: matches[0].Unit}, {Point: 0, Unit: matches[0].Unit}}, "Clarion loam", geom.Coord{0, 0}, kmProj{})
	assert.Equal(t, 0, i)

	_, ok = Nearest(points, nil, "Clarion loam", geom.Coord{0, 0}, kmProj{})
	assert.False(t, ok)
}

func TestSelector_Select(t *testing.T) {
	t.Parallel()
	sel, err := New(DefaultRules(), fixtureSurvey(), crs.WGS84, kmProj{})
	require.NoError(t, err)

	points := []Point{pt(0.9), pt(0.2), pt(2.5), pt(1.5)}
	res, reason, err := sel.Select(points, geom.Coord{0, 0})
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, int64(10), res.MuKey)
	assert.InDelta(t, 1.0, res.Depth, 1e-12)
	assert.Len(t, res.Horizons, 2)
	assert.Equal(t, 1, res.Sample)

	res, reason, err = sel.Select([]Point{pt(1.5), pt(-4)}, geom.Coord{0, 0})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNoSoilMatch, reason)

	// Map unit 11 has no components, so no horizons.
	res, reason, err = sel.Select([]Point{pt(2.1)}, geom.Coord{0, 0})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNoHorizons, reason)
	assert.Equal(t, int64(11), res.MuKey)
}

func TestNew_UnsupportedTransform(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultRules(), fixtureSurvey(), crs.Code(99), kmProj{})
	assert.Error(t, err)
}
