package gridarea

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cropsoil/internal/crs"
)

func TestRowIndex(t *testing.T) {
	g := LGRIP30()
	assert.Equal(t, RowIndex(0), g.RowIndex(24.0))
	assert.Equal(t, RowIndex(1), g.RowIndex(24.0+g.CellHeight))
	assert.Equal(t, RowIndex(-1), g.RowIndex(24.0-g.CellHeight))
	assert.Equal(t, RowIndex(37106), g.RowIndex(24.0+37106*g.CellHeight+g.CellHeight/4))

	// Halfway rounds to the even neighbour.
	coarse := Grid{CellWidth: 1, CellHeight: 1, Lat0: 0}
	assert.Equal(t, RowIndex(2), coarse.RowIndex(2.5))
	assert.Equal(t, RowIndex(4), coarse.RowIndex(3.5))
}

func TestCellArea_LongitudeInvariance(t *testing.T) {
	for _, lat := range []float64{25.3, 40.0, 48.9} {
		a := NewCalculator(Grid{CellWidth: 0.00026949, CellHeight: 0.00026949, Lat0: 24, RefLon: -98.583}, crs.AlbersUSA())
		b := NewCalculator(Grid{CellWidth: 0.00026949, CellHeight: 0.00026949, Lat0: 24, RefLon: -80}, crs.AlbersUSA())
		aa, ab := a.CellArea(lat), b.CellArea(lat)
		require.Greater(t, aa, 0.0)
		assert.Less(t, math.Abs(aa-ab)/aa, 0.001, "lat %.1f: %.6f vs %.6f ha", lat, aa, ab)
	}
}

func TestCellArea_MatchesEllipsoid(t *testing.T) {
	g := Grid{CellWidth: 1, CellHeight: 1, Lat0: 0, RefLon: -98.583}
	c := NewCalculator(g, crs.AlbersUSA())
	got := c.CellArea(40)
	want := crs.AuthalicBandArea(40, 41, 1) / 1e4
	assert.InEpsilon(t, want, got, 1e-4)
}

func TestCellArea_LGRIPMagnitude(t *testing.T) {
	c := NewCalculator(LGRIP30(), crs.AlbersUSA())
	// ~30 m x ~23 m at 40N.
	a := c.CellArea(40)
	assert.InDelta(t, 0.0693, a, 0.002)
	assert.Greater(t, c.CellArea(30), a)
}

func TestCellArea_Clamped(t *testing.T) {
	c := NewCalculator(Grid{CellWidth: 1, CellHeight: 1, Lat0: 0, RefLon: 179.5}, crs.AlbersUSA())
	full := NewCalculator(Grid{CellWidth: 0.5, CellHeight: 1, Lat0: 0, RefLon: 179.5}, crs.AlbersUSA())
	assert.InEpsilon(t, full.CellArea(10), c.CellArea(10), 1e-3)

	assert.Equal(t, 0.0, c.CellArea(95))
}

func TestAreas_Memoized(t *testing.T) {
	g := Grid{CellWidth: 0.1, CellHeight: 0.1, Lat0: 24, RefLon: -98.583}
	c := NewCalculator(g, crs.AlbersUSA())

	lats := []float64{40.0, 40.0, 40.1, 40.2}
	tbl := c.Areas(lats)
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, 3, c.Memoized())

	a1, ok := tbl.AreaAt(40.0)
	require.True(t, ok)
	a2, ok := tbl.Area(g.RowIndex(40.0))
	require.True(t, ok)
	assert.Equal(t, a1, a2)

	_, ok = tbl.AreaAt(45)
	assert.False(t, ok)

	c.Areas([]float64{40.1, 40.3})
	assert.Equal(t, 4, c.Memoized())
}

func TestNewTable(t *testing.T) {
	g := LGRIP30()
	tbl := NewTable(g, map[RowIndex]float64{g.RowIndex(40): 0.5})
	a, ok := tbl.AreaAt(40)
	require.True(t, ok)
	assert.Equal(t, 0.5, a)
}
