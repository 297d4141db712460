// Package gridarea computes the ground area of lon/lat raster cells, one value
// per grid row.
package gridarea

import (
	"math"
	"sync"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/cropsoil/internal/crs"
)

// RowIndex identifies a latitude band of a fixed-resolution grid.
type RowIndex int

// Grid describes a regular lon/lat grid in degrees.
type Grid struct {
	CellWidth  float64 `yaml:"cell_width" mapstructure:"cell_width"`
	CellHeight float64 `yaml:"cell_height" mapstructure:"cell_height"`
	Lat0       float64 `yaml:"lat0" mapstructure:"lat0"`
	RefLon     float64 `yaml:"ref_lon" mapstructure:"ref_lon"`
}

// LGRIP30 is the LGRIP30 L3 v2 grid referenced at the CONUS centre.
func LGRIP30() Grid {
	return Grid{
		CellWidth:  0.00026949,
		CellHeight: 0.00026949,
		Lat0:       24.0,
		RefLon:     -98.583,
	}
}

// RowIndex returns the band holding lat. Halves round to even.
func (g Grid) RowIndex(lat float64) RowIndex {
	return RowIndex(math.RoundToEven((lat - g.Lat0) / g.CellHeight))
}

// edgeSegments is the number of pieces each cell edge is split into before
// projecting, so parallels curve correctly at coarse resolutions.
const edgeSegments = 16

// Calculator computes and memoizes per-row cell areas under an equal-area
// projection.
type Calculator struct {
	grid Grid
	proj crs.Projection

	mu   sync.Mutex
	memo map[RowIndex]float64
}

// NewCalculator creates a Calculator. proj must be equal-area.
func NewCalculator(grid Grid, proj crs.Projection) *Calculator {
	return &Calculator{
		grid: grid,
		proj: proj,
		memo: make(map[RowIndex]float64),
	}
}

// Grid returns the grid the calculator was built for.
func (c *Calculator) Grid() Grid { return c.grid }

// CellArea returns the area in hectares of the cell at lat and the calculator's
// reference longitude.
func (c *Calculator) CellArea(lat float64) float64 {
	return c.cellAreaAt(c.grid.RefLon, lat)
}

func (c *Calculator) cellAreaAt(lon, lat float64) float64 {
	x0 := math.Max(-180, lon)
	x1 := math.Min(180, lon+c.grid.CellWidth)
	y0 := math.Max(-90, math.Min(90, lat))
	y1 := math.Min(90, lat+c.grid.CellHeight)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}

	corners := [][2]float64{{x0, y0}, {x0, y1}, {x1, y1}, {x1, y0}, {x0, y0}}
	flat := make([]float64, 0, 2*(4*edgeSegments+1))
	for i := 0; i < 4; i++ {
		a, b := corners[i], corners[i+1]
		for s := 0; s < edgeSegments; s++ {
			f := float64(s) / edgeSegments
			x, y := c.proj.Forward(a[0]+f*(b[0]-a[0]), a[1]+f*(b[1]-a[1]))
			flat = append(flat, x, y)
		}
	}
	flat = append(flat, flat[0], flat[1])

	poly := geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)})
	return math.Abs(poly.Area()) / 1e4
}

// Areas returns the area table for the given latitudes, computing each
// distinct row once.
func (c *Calculator) Areas(lats []float64) *Table {
	t := &Table{grid: c.grid, areas: make(map[RowIndex]float64, len(lats))}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lat := range lats {
		row := c.grid.RowIndex(lat)
		if _, ok := t.areas[row]; ok {
			continue
		}
		a, ok := c.memo[row]
		if !ok {
			a = c.CellArea(lat)
			c.memo[row] = a
		}
		t.areas[row] = a
	}
	return t
}

// Memoized reports how many rows the calculator has computed.
func (c *Calculator) Memoized() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memo)
}

// Table maps grid rows to cell area in hectares.
type Table struct {
	grid  Grid
	areas map[RowIndex]float64
}

// NewTable builds a table from explicit row areas.
func NewTable(grid Grid, areas map[RowIndex]float64) *Table {
	m := make(map[RowIndex]float64, len(areas))
	for k, v := range areas {
		m[k] = v
	}
	return &Table{grid: grid, areas: m}
}

// Area returns the area of a row.
func (t *Table) Area(row RowIndex) (float64, bool) {
	a, ok := t.areas[row]
	return a, ok
}

// AreaAt returns the area of the row holding lat.
func (t *Table) AreaAt(lat float64) (float64, bool) {
	return t.Area(t.grid.RowIndex(lat))
}

// Len returns the number of rows in the table.
func (t *Table) Len() int { return len(t.areas) }
