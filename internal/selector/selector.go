// Package selector picks a representative soil for the cropland of one
// county and land-use type from gSSURGO map units.
package selector

import (
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/ssurgo"
)

// Rules control filtering and depth selection.
type Rules struct {
	// NonSoil names are dropped on exact match of the grouped name.
	NonSoil []string `yaml:"non_soil" mapstructure:"non_soil"`
	// Urban names are dropped when the grouped name contains any of them.
	Urban []string `yaml:"urban" mapstructure:"urban"`
	// BedrockHorizon is the horizon name excluded from profiles.
	BedrockHorizon string `yaml:"bedrock_horizon" mapstructure:"bedrock_horizon"`
	// DepthLadder lists the allowed soil depths in metres.
	DepthLadder []float64 `yaml:"depth_ladder" mapstructure:"depth_ladder"`
}

// DefaultRules returns the gSSURGO filters and the standard depth ladder.
func DefaultRules() Rules {
	return Rules{
		NonSoil: []string{
			"Acidic rock land",
			"Area not surveyed",
			"Dam",
			"Dumps",
			"Levee",
			"No Digital Data Available",
			"Pits",
			"Water",
		},
		Urban:          []string{"Udorthents", "Urban land"},
		BedrockHorizon: "R",
		DepthLadder:    model.LayerBottoms(model.StandardSoilLayers()),
	}
}

// Point is a cropland pixel centre in WGS84 with its gridded soil values.
type Point struct {
	Lon    float64
	Lat    float64
	Values []float64
}

// Complete reports whether every gridded value is present.
func (p Point) Complete() bool {
	for _, v := range p.Values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Locator finds map units by location in the survey's CRS.
type Locator interface {
	Locate(x, y float64) (ssurgo.Polygon, bool)
	MapUnit(key int64) (ssurgo.MapUnit, bool)
}

// HorizonSource resolves map units to components and horizons.
type HorizonSource interface {
	Components(mukey int64) []ssurgo.Component
	Horizons(cokey int64) []ssurgo.Horizon
}

// Survey is a full gSSURGO state database.
type Survey interface {
	Locator
	HorizonSource
}

// Match is the result of joining one point to the survey.
type Match struct {
	Point   int
	Polygon int
	Unit    ssurgo.MapUnit
	Matched bool
}

// Join locates each point in the survey. Points are transformed with
// toSurvey first. Unmatched points, and points whose polygon has no
// aggregated attributes, come back with Matched false.
func Join(points []Point, loc Locator, toSurvey crs.Transform) ([]Match, error) {
	out := make([]Match, len(points))
	for i, p := range points {
		out[i] = Match{Point: i, Polygon: -1}
		x, y, err := toSurvey(p.Lon, p.Lat)
		if err != nil {
			return nil, eris.Wrap(err, "selector: project point")
		}
		poly, ok := loc.Locate(x, y)
		if !ok {
			continue
		}
		unit, ok := loc.MapUnit(poly.MuKey)
		if !ok {
			continue
		}
		out[i] = Match{Point: i, Polygon: poly.Index, Unit: unit, Matched: true}
	}
	return out, nil
}

// Filter drops unmatched, non-soil, and urban matches.
func (r Rules) Filter(matches []Match) []Match {
	nonSoil := make(map[string]bool, len(r.NonSoil))
	for _, n := range r.NonSoil {
		nonSoil[n] = true
	}

	var out []Match
	for _, m := range matches {
		if !m.Matched || nonSoil[m.Unit.Name] || r.isUrban(m.Unit.Name) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r Rules) isUrban(name string) bool {
	for _, u := range r.Urban {
		if u != "" && strings.Contains(name, u) {
			return true
		}
	}
	return false
}

// Selection is the dominant soil of a set of matches.
type Selection struct {
	MuKey    int64
	Name     string
	FullName string
	// Slope is the mean slope of all matches, NaN when none has one.
	Slope float64
	// HydGroup is the modal hydrologic group, "" when none has one.
	HydGroup string
	Points   int
}

// Select picks the dominant grouped name and summarizes the matches. Ties
// in either mode go to the lexically smallest value. Returns false when
// matches is empty.
// MuKey and FullName come from the lowest-indexed polygon among the matched
// points, not from the whole polygon layer.
func Select(matches []Match) (Selection, bool) {
	if len(matches) == 0 {
		return Selection{}, false
	}

	names := make([]string, len(matches))
	groups := make([]string, 0, len(matches))
	slopes := make([]float64, 0, len(matches))
	for i, m := range matches {
		names[i] = m.Unit.Name
		if m.Unit.HydGroup != "" {
			groups = append(groups, m.Unit.HydGroup)
		}
		if !math.IsNaN(m.Unit.Slope) {
			slopes = append(slopes, m.Unit.Slope)
		}
	}

	sel := Selection{Name: Mode(names), Slope: math.NaN(), HydGroup: Mode(groups), Points: len(matches)}
	if len(slopes) > 0 {
		sel.Slope = stat.Mean(slopes, nil)
	}

	best := -1
	for i, m := range matches {
		if m.Unit.Name != sel.Name {
			continue
		}
		if best < 0 || m.Polygon < matches[best].Polygon {
			best = i
		}
	}
	sel.MuKey = matches[best].Unit.Key
	sel.FullName = matches[best].Unit.FullName
	return sel, true
}

// Mode returns the most frequent value, the lexically smallest on ties, or
// "" for an empty slice.
func Mode(values []string) string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	var best string
	bestN := 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best
}

// Horizons returns the profile of a map unit: the horizons of its major
// components without bedrock, sorted by top depth. When no component is
// flagged major every component is used.
func (r Rules) Horizons(src HorizonSource, mukey int64) []ssurgo.Horizon {
	comps := src.Components(mukey)
	var major []ssurgo.Component
	for _, c := range comps {
		if c.Major {
			major = append(major, c)
		}
	}
	if len(major) == 0 && len(comps) > 0 {
		zap.L().Warn("selector: map unit has no major component, using all components",
			zap.Int64("mukey", mukey),
			zap.Int("components", len(comps)),
		)
		major = comps
	}

	var out []ssurgo.Horizon
	for _, c := range major {
		for _, h := range src.Horizons(c.CoKey) {
			if h.Name == r.BedrockHorizon {
				continue
			}
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Top < out[j].Top })
	return out
}

// SoilDepth returns the ladder depth closest to the bottom of the deepest
// horizon. Ties go to the shallower depth.
func SoilDepth(horizons []ssurgo.Horizon, ladder []float64) (float64, bool) {
	deepest := math.NaN()
	for _, h := range horizons {
		if !math.IsNaN(h.Bottom) && (math.IsNaN(deepest) || h.Bottom > deepest) {
			deepest = h.Bottom
		}
	}
	if math.IsNaN(deepest) || len(ladder) == 0 {
		return 0, false
	}

	best, bestD := ladder[0], math.Abs(ladder[0]-deepest)
	for _, v := range ladder[1:] {
		d := math.Abs(v - deepest)
		if d < bestD-1e-12 || (math.Abs(d-bestD) <= 1e-12 && v < best) {
			best, bestD = v, d
		}
	}
	return best, true
}

// Nearest returns the index of the point closest to centroid among points
// matched to name and carrying every gridded value. Distances are measured
// after projecting with proj, where centroid already lies. Ties go to the
// lowest index.
func Nearest(points []Point, matches []Match, name string, centroid geom.Coord, proj crs.Projection) (int, bool) {
	best, bestD := -1, math.Inf(1)
	for _, m := range matches {
		if m.Unit.Name != name {
			continue
		}
		p := points[m.Point]
		if !p.Complete() {
			continue
		}
		x, y := proj.Forward(p.Lon, p.Lat)
		d := math.Hypot(x-centroid.X(), y-centroid.Y())
		if d < bestD || (d == bestD && m.Point < best) {
			best, bestD = m.Point, d
		}
	}
	return best, best >= 0
}

// Result is the soil chosen for one county and land-use type.
type Result struct {
	Selection
	Horizons []ssurgo.Horizon
	Depth    float64
	// Sample is the index of the sampling point, -1 when none qualifies.
	Sample int
}

// Selector runs the full selection against one state's survey.
type Selector struct {
	rules    Rules
	survey   Survey
	toSurvey crs.Transform
	distance crs.Projection
}

// New creates a Selector. Points are given in WGS84; surveyCRS is the CRS of
// the survey polygons and distance the projection distances are measured in.
func New(rules Rules, survey Survey, surveyCRS crs.Code, distance crs.Projection) (*Selector, error) {
	to, err := crs.NewTransform(crs.WGS84, surveyCRS)
	if err != nil {
		return nil, eris.Wrap(err, "selector: survey transform")
	}
	return &Selector{rules: rules, survey: survey, toSurvey: to, distance: distance}, nil
}

// Select joins points to the survey and picks the dominant soil, its
// horizons and depth, and the sampling point nearest centroid. centroid is
// in the distance projection. When no soil can be chosen the returned
// reason names the empty stage and the error is nil.
func (s *Selector) Select(points []Point, centroid geom.Coord) (Result, string, error) {
	matches, err := Join(points, s.survey, s.toSurvey)
	if err != nil {
		return Result{}, "", err
	}
	matches = s.rules.Filter(matches)

	sel, ok := Select(matches)
	if !ok {
		return Result{}, model.ReasonNoSoilMatch, nil
	}

	res := Result{Selection: sel, Sample: -1}
	res.Horizons = s.rules.Horizons(s.survey, sel.MuKey)
	res.Depth, ok = SoilDepth(res.Horizons, s.rules.DepthLadder)
	if !ok {
		return res, model.ReasonNoHorizons, nil
	}

	if i, ok := Nearest(points, matches, sel.Name, centroid, s.distance); ok {
		res.Sample = i
	}
	return res, "", nil
}
