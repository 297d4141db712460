// Package boundary reads GADM administrative boundaries for the contiguous
// United States.
package boundary

import (
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/cropsoil/internal/crs"
)

// County is a GADM level-2 unit in WGS84.
type County struct {
	GID       string
	StateGID  string
	Name      string
	State     string
	StateAbbr string
	Geometry  *geom.MultiPolygon
}

// State is a GADM level-1 unit in WGS84.
type State struct {
	GID      string
	Name     string
	Abbr     string
	Geometry *geom.MultiPolygon
}

// Centroid returns the area centroid of the county computed under proj, in
// proj's coordinates.
func (c County) Centroid(proj crs.Projection) geom.Coord {
	return Centroid(c.Geometry, proj)
}

// Centroid projects mp and returns its area centroid in projected
// coordinates.
func Centroid(mp *geom.MultiPolygon, proj crs.Projection) geom.Coord {
	return xy.MultiPolygonCentroid(Project(mp, proj))
}

// Project returns a copy of mp with every vertex passed through proj.
func Project(mp *geom.MultiPolygon, proj crs.Projection) *geom.MultiPolygon {
	src := mp.FlatCoords()
	dst := make([]float64, len(src))
	stride := mp.Stride()
	for i := 0; i+1 < len(src); i += stride {
		dst[i], dst[i+1] = proj.Forward(src[i], src[i+1])
	}
	return geom.NewMultiPolygonFlat(mp.Layout(), dst, mp.Endss())
}

// Bounds returns west, south, east, north.
func Bounds(mp *geom.MultiPolygon) (float64, float64, float64, float64) {
	b := mp.Bounds()
	return b.Min(0), b.Min(1), b.Max(0), b.Max(1)
}

// excluded lists level-1 names outside CONUS.
var excluded = map[string]bool{
	"Alaska": true,
	"Hawaii": true,
}

// IsCONUS reports whether a level-1 name is in the contiguous US.
func IsCONUS(stateName string) bool { return !excluded[stateName] }

// stateAbbreviations maps GADM 4.1 level-1 IDs to postal codes.
var stateAbbreviations = map[string]string{
	"USA.1_1": "AL", "USA.2_1": "AK", "USA.3_1": "AZ", "USA.4_1": "AR",
	"USA.5_1": "CA", "USA.6_1": "CO", "USA.7_1": "CT", "USA.8_1": "DE",
	"USA.9_1": "DC", "USA.10_1": "FL", "USA.11_1": "GA", "USA.12_1": "HI",
	"USA.13_1": "ID", "USA.14_1": "IL", "USA.15_1": "IN", "USA.16_1": "IA",
	"USA.17_1": "KS", "USA.18_1": "KY", "USA.19_1": "LA", "USA.20_1": "ME",
	"USA.21_1": "MD", "USA.22_1": "MA", "USA.23_1": "MI", "USA.24_1": "MN",
	"USA.25_1": "MS", "USA.26_1": "MO", "USA.27_1": "MT", "USA.28_1": "NE",
	"USA.29_1": "NV", "USA.30_1": "NH", "USA.31_1": "NJ", "USA.32_1": "NM",
	"USA.33_1": "NY", "USA.34_1": "NC", "USA.35_1": "ND", "USA.36_1": "OH",
	"USA.37_1": "OK", "USA.38_1": "OR", "USA.39_1": "PA", "USA.40_1": "RI",
	"USA.41_1": "SC", "USA.42_1": "SD", "USA.43_1": "TN", "USA.44_1": "TX",
	"USA.45_1": "UT", "USA.46_1": "VT", "USA.47_1": "VA", "USA.48_1": "WA",
	"USA.49_1": "WV", "USA.50_1": "WI", "USA.51_1": "WY",
}

// StateAbbr returns the postal code for a county. HASC_2 codes look like
// "US.AL.AU"; when absent the level-1 ID table is used.
func StateAbbr(hasc, stateGID string) (string, bool) {
	if parts := strings.Split(hasc, "."); len(parts) >= 2 && parts[1] != "" {
		return parts[1], true
	}
	a, ok := stateAbbreviations[stateGID]
	return a, ok
}

// StateNumber returns the numeric part of a level-1 ID ("USA.10_1" is 10),
// or -1 when it has none.
func StateNumber(gid string) int {
	s := gid
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// Group is the counties of one state, in file order.
type Group struct {
	StateGID string
	State    string
	Abbr     string
	Counties []County
}

// GroupByState groups counties by level-1 ID. States are ordered by their
// numeric ID.
func GroupByState(counties []County) []Group {
	idx := map[string]int{}
	var groups []Group
	for _, c := range counties {
		i, ok := idx[c.StateGID]
		if !ok {
			i = len(groups)
			idx[c.StateGID] = i
			groups = append(groups, Group{StateGID: c.StateGID, State: c.State, Abbr: c.StateAbbr})
		}
		groups[i].Counties = append(groups[i].Counties, c)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		return StateNumber(groups[a].StateGID) < StateNumber(groups[b].StateGID)
	})
	return groups
}

// FilterStates keeps the groups whose level-1 ID is in gids. An empty list
// keeps everything.
func FilterStates(groups []Group, gids []string) []Group {
	if len(gids) == 0 {
		return groups
	}
	want := make(map[string]bool, len(gids))
	for _, g := range gids {
		want[g] = true
	}
	var out []Group
	for _, g := range groups {
		if want[g.StateGID] {
			out = append(out, g)
		}
	}
	return out
}
