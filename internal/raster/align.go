package raster

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/gridarea"
)

// Source is one gridded property layer to align onto the reference grid.
type Source struct {
	Property   string
	Layer      string
	Raster     *Raster
	Multiplier float64
}

// Column returns the table column name, {property}_{layer}.
func (s Source) Column() string { return s.Property + "_" + s.Layer }

// Aligner clips a reference raster to a boundary and samples sources onto the
// kept reference pixels by nearest neighbour.
type Aligner struct {
	grid gridarea.Grid
	log  *zap.Logger
}

// NewAligner creates an Aligner. grid assigns each pixel its area row from the
// pixel's reference-CRS Y, which must be a latitude.
func NewAligner(grid gridarea.Grid) *Aligner {
	return &Aligner{
		grid: grid,
		log:  zap.L().With(zap.String("component", "raster.align")),
	}
}

// Align returns one table row per reference pixel whose centre lies inside
// boundary, given in the reference CRS. Source cells outside a source's
// extent or masked are NaN.
func (a *Aligner) Align(ref *Raster, boundary *geom.MultiPolygon, sources []Source) (*Table, error) {
	if ref == nil {
		return nil, eris.New("raster: nil reference raster")
	}
	cols, rows := Clip(ref, boundary)

	n := len(cols)
	x := make([]float64, n)
	y := make([]float64, n)
	gridRows := make([]gridarea.RowIndex, n)
	values := make([]float64, n)
	for i := range cols {
		x[i], y[i] = ref.Center(cols[i], rows[i])
		gridRows[i] = a.grid.RowIndex(y[i])
		values[i] = ref.At(cols[i], rows[i])
	}
	t, err := NewTable(x, y, gridRows, values)
	if err != nil {
		return nil, err
	}

	transforms := map[crs.Code]crs.Transform{}
	for _, s := range sources {
		if s.Raster == nil {
			return nil, eris.Errorf("raster: source %s has no raster", s.Column())
		}
		if _, dup := t.Column(s.Column()); dup {
			return nil, eris.Errorf("raster: duplicate source column %s", s.Column())
		}
		tr, ok := transforms[s.Raster.CRS]
		if !ok {
			tr, err = crs.NewTransform(ref.CRS, s.Raster.CRS)
			if err != nil {
				return nil, eris.Wrapf(err, "raster: transform for %s", s.Column())
			}
			transforms[s.Raster.CRS] = tr
		}

		m := s.Multiplier
		if m == 0 {
			m = 1
		}
		col := make([]float64, n)
		missing := 0
		for i := range col {
			sx, sy, err := tr(x[i], y[i])
			if err != nil {
				col[i] = math.NaN()
				missing++
				continue
			}
			v := s.Raster.Sample(sx, sy)
			if math.IsNaN(v) {
				missing++
			}
			col[i] = v * m
		}
		if missing > 0 {
			a.log.Debug("source pixels missing",
				zap.String("column", s.Column()),
				zap.Int("missing", missing),
				zap.Int("pixels", n),
			)
		}
		if err := t.SetColumn(s.Column(), col); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Clip returns the cells of r whose centres fall inside boundary, row by row
// from the top, using the even-odd rule over every ring. Only the window
// covering the boundary's bounding box is scanned.
func Clip(r *Raster, boundary *geom.MultiPolygon) (cols, rows []int) {
	if boundary == nil || boundary.Empty() {
		return nil, nil
	}
	b := boundary.Bounds()
	minX, minY, maxX, maxY := b.Min(0), b.Min(1), b.Max(0), b.Max(1)

	c0 := clampInt(int(math.Floor((minX-r.Geo.OriginX)/r.Geo.PixelWidth)), 0, r.Cols-1)
	c1 := clampInt(int(math.Ceil((maxX-r.Geo.OriginX)/r.Geo.PixelWidth)), 0, r.Cols-1)
	r0 := clampInt(int(math.Floor((r.Geo.OriginY-maxY)/r.Geo.PixelHeight)), 0, r.Rows-1)
	r1 := clampInt(int(math.Ceil((r.Geo.OriginY-minY)/r.Geo.PixelHeight)), 0, r.Rows-1)

	edges := collectEdges(boundary)
	var xs []float64
	for row := r0; row <= r1; row++ {
		_, cy := r.Center(0, row)
		if cy < minY || cy > maxY {
			continue
		}
		xs = crossings(edges, cy, xs[:0])
		for k := 0; k+1 < len(xs); k += 2 {
			left, right := xs[k], xs[k+1]
			first := int(math.Ceil((left-r.Geo.OriginX)/r.Geo.PixelWidth - 0.5))
			for col := clampInt(first, c0, c1+1); col <= c1; col++ {
				cx, _ := r.Center(col, row)
				if cx >= right {
					break
				}
				if cx < left {
					continue
				}
				cols = append(cols, col)
				rows = append(rows, row)
			}
		}
	}
	return cols, rows
}

type edge struct{ x1, y1, x2, y2 float64 }

func collectEdges(mp *geom.MultiPolygon) []edge {
	var out []edge
	for i := 0; i < mp.NumPolygons(); i++ {
		p := mp.Polygon(i)
		for j := 0; j < p.NumLinearRings(); j++ {
			flat := p.LinearRing(j).FlatCoords()
			stride := p.Stride()
			n := len(flat) / stride
			for k := 0; k < n; k++ {
				a := k * stride
				b := ((k + 1) % n) * stride
				if flat[a] == flat[b] && flat[a+1] == flat[b+1] {
					continue
				}
				out = append(out, edge{flat[a], flat[a+1], flat[b], flat[b+1]})
			}
		}
	}
	return out
}

// crossings returns the sorted x positions where the horizontal line at y
// crosses the edges. Vertices are treated as lying just above the line.
func crossings(edges []edge, y float64, dst []float64) []float64 {
	for _, e := range edges {
		if (e.y1 > y) == (e.y2 > y) {
			continue
		}
		dst = append(dst, e.x1+(y-e.y1)*(e.x2-e.x1)/(e.y2-e.y1))
	}
	sort.Float64s(dst)
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
