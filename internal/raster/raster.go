// Package raster holds single-band grids and aligns gridded sources onto a
// reference grid clipped to a boundary.
package raster

import (
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/crs"
)

// GeoTransform places a north-up grid. The origin is the upper-left corner of
// the upper-left cell; pixel sizes are positive.
type GeoTransform struct {
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
}

// Raster is a single-band grid in row-major order. Masked and no-data cells
// hold NaN.
type Raster struct {
	CRS  crs.Code
	Cols int
	Rows int
	Geo  GeoTransform
	Data []float32
}

// New allocates a raster with every cell masked.
func New(code crs.Code, cols, rows int, geo GeoTransform) *Raster {
	data := make([]float32, cols*rows)
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	return &Raster{CRS: code, Cols: cols, Rows: rows, Geo: geo, Data: data}
}

// At returns the value at col,row as float64. Out-of-range cells are NaN.
func (r *Raster) At(col, row int) float64 {
	if col < 0 || row < 0 || col >= r.Cols || row >= r.Rows {
		return math.NaN()
	}
	return float64(r.Data[row*r.Cols+col])
}

// Set stores v at col,row.
func (r *Raster) Set(col, row int, v float64) {
	r.Data[row*r.Cols+col] = float32(v)
}

// Center returns the coordinates of the centre of cell col,row.
func (r *Raster) Center(col, row int) (float64, float64) {
	x := r.Geo.OriginX + (float64(col)+0.5)*r.Geo.PixelWidth
	y := r.Geo.OriginY - (float64(row)+0.5)*r.Geo.PixelHeight
	return x, y
}

// Cell returns the cell containing x,y.
func (r *Raster) Cell(x, y float64) (col, row int, ok bool) {
	fc := math.Floor((x - r.Geo.OriginX) / r.Geo.PixelWidth)
	fr := math.Floor((r.Geo.OriginY - y) / r.Geo.PixelHeight)
	if math.IsNaN(fc) || math.IsNaN(fr) || fc < 0 || fr < 0 || fc >= float64(r.Cols) || fr >= float64(r.Rows) {
		return 0, 0, false
	}
	return int(fc), int(fr), true
}

// Sample returns the value of the cell containing x,y, NaN outside the grid.
func (r *Raster) Sample(x, y float64) float64 {
	col, row, ok := r.Cell(x, y)
	if !ok {
		return math.NaN()
	}
	return r.At(col, row)
}

// Bounds returns minX, minY, maxX, maxY of the grid extent.
func (r *Raster) Bounds() (float64, float64, float64, float64) {
	return r.Geo.OriginX,
		r.Geo.OriginY - float64(r.Rows)*r.Geo.PixelHeight,
		r.Geo.OriginX + float64(r.Cols)*r.Geo.PixelWidth,
		r.Geo.OriginY
}

// Open reads a raster file, choosing the decoder by extension.
func Open(path string, code crs.Code) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "raster: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var r *Raster
	switch strings.ToLower(filepath.Ext(path)) {
	case ".asc":
		r, err = ReadASCII(f, code)
	case ".tif", ".tiff":
		r, err = ReadGeoTIFF(f, code)
	default:
		return nil, eris.Errorf("raster: unsupported format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "raster: read %s", path)
	}
	return r, nil
}
