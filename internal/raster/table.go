package raster

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/gridarea"
)

// Table is the column-oriented per-pixel result of an alignment. Each row is
// one reference pixel: its centre, grid row, reference band value, and one
// value per aligned source column.
type Table struct {
	X       []float64
	Y       []float64
	GridRow []gridarea.RowIndex
	Ref     []float64

	cols map[string][]float64
}

// NewTable builds a table from reference columns, which must have equal
// lengths.
func NewTable(x, y []float64, rows []gridarea.RowIndex, ref []float64) (*Table, error) {
	if len(y) != len(x) || len(rows) != len(x) || len(ref) != len(x) {
		return nil, eris.New("raster: table columns differ in length")
	}
	return &Table{X: x, Y: y, GridRow: rows, Ref: ref, cols: map[string][]float64{}}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.X) }

// Column returns the values of a source column.
func (t *Table) Column(name string) ([]float64, bool) {
	v, ok := t.cols[name]
	return v, ok
}

// SetColumn adds or replaces a source column.
func (t *Table) SetColumn(name string, values []float64) error {
	if len(values) != t.Len() {
		return eris.Errorf("raster: column %q has %d values, want %d", name, len(values), t.Len())
	}
	t.cols[name] = values
	return nil
}
