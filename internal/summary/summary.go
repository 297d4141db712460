// Package summary writes and reads the county cropland area and SOC table.
package summary

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/fetcher"
	"github.com/sells-group/cropsoil/internal/zonal"
)

// Layout fixes the columns and header text of a table.
type Layout struct {
	Types  []string
	Layers []string
	Stats  []string
	// SOCDepth titles the file, e.g. "30-cm".
	SOCDepth      string
	MinReportArea float64
	// AreasOnly drops the SOC columns and header lines.
	AreasOnly bool
}

// Columns returns the header row.
func (l Layout) Columns() []string {
	cols := []string{"GID", "state", "county"}
	for _, t := range l.Types {
		cols = append(cols, t+"_area")
	}
	if l.AreasOnly {
		return cols
	}
	for _, t := range l.Types {
		for _, layer := range l.Layers {
			for _, s := range l.Stats {
				cols = append(cols, fmt.Sprintf("soc_%s_%s_%s", t, s, layer))
			}
		}
	}
	return cols
}

// Comments returns the "#" header block written before the column row.
func (l Layout) Comments() []string {
	var lines []string
	if l.AreasOnly {
		lines = append(lines, "# CONUS county cropland areas")
	} else {
		lines = append(lines, fmt.Sprintf("# CONUS county cropland areas and SOC weight at top %s soil depth", l.SOCDepth))
	}
	lines = append(lines,
		"#",
		"# DATA SOURCES",
		"#  Cropland areas: LGRIP30 L3 version 2",
	)
	if !l.AreasOnly {
		lines = append(lines, "#  SOC: SoilGrids250m version 2.0")
	}
	lines = append(lines, "# UNITS", "#  Cropland areas: ha")
	if !l.AreasOnly {
		lines = append(lines, "#  Cropland SOC weight: Mg/ha")
	}
	lines = append(lines,
		"# NOTE",
		fmt.Sprintf("#  Cropland areas under %s ha is reported as 0.", strconv.FormatFloat(l.MinReportArea, 'f', -1, 64)),
	)
	return lines
}

// Row is one county.
type Row struct {
	GID    string
	State  string
	County string
	Result zonal.Result
}

// Fields renders r under l. Values use two decimals and missing values are
// empty.
func (l Layout) Fields(r Row) []string {
	fields := []string{r.GID, r.State, r.County}
	for _, t := range l.Types {
		tr, _ := r.Result.Type(t)
		fields = append(fields, format(tr.Area))
	}
	if l.AreasOnly {
		return fields
	}
	for _, t := range l.Types {
		tr, ok := r.Result.Type(t)
		for _, layer := range l.Layers {
			for _, s := range l.Stats {
				v := math.NaN()
				if ok {
					v = tr.Stat(layer, s)
				}
				fields = append(fields, format(v))
			}
		}
	}
	return fields
}

func format(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Writer appends rows to a summary table.
type Writer struct {
	f      *os.File
	csv    *csv.Writer
	layout Layout
	seen   map[string]bool
}

// Create starts a new table at path, writing the header block.
func Create(path string, l Layout) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "summary: create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "summary: create %s", path)
	}
	w := &Writer{f: f, csv: csv.NewWriter(f), layout: l, seen: map[string]bool{}}

	for _, line := range l.Comments() {
		if _, err := fmt.Fprintln(f, line); err != nil {
			f.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "summary: write comments")
		}
	}
	if err := w.csv.Write(l.Columns()); err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "summary: write header")
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "summary: write header")
	}
	return w, nil
}

// Open continues an existing table at path, or creates it when it is missing
// or empty. The existing column row must match l.
func Open(ctx context.Context, path string, l Layout) (*Writer, error) {
	st, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && st.Size() == 0) {
		return Create(path, l)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "summary: stat %s", path)
	}

	cols, gids, err := scan(ctx, path)
	if err != nil {
		return nil, err
	}
	if want := l.Columns(); strings.Join(cols, ",") != strings.Join(want, ",") {
		return nil, eris.Errorf("summary: %s has columns %v, want %v", path, cols, want)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "summary: open %s", path)
	}
	return &Writer{f: f, csv: csv.NewWriter(f), layout: l, seen: gids}, nil
}

// Has reports whether a row for gid is already in the table.
func (w *Writer) Has(gid string) bool {
	return w.seen[gid]
}

// Write appends r unless its total area is zero or its GID was already
// written. It reports whether a row was written.
func (w *Writer) Write(r Row) (bool, error) {
	if r.Result.TotalArea() <= 0 || w.seen[r.GID] {
		return false, nil
	}
	if err := w.csv.Write(w.layout.Fields(r)); err != nil {
		return false, eris.Wrapf(err, "summary: write %s", r.GID)
	}
	w.seen[r.GID] = true
	return true, nil
}

// Flush writes buffered rows to disk.
func (w *Writer) Flush() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return eris.Wrap(err, "summary: flush")
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(w.f.Close(), "summary: close")
}

// scan returns the column row and the GIDs already present.
func scan(ctx context.Context, path string) ([]string, map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "summary: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	cols, err := header(f)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "summary: read header of %s", path)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, eris.Wrapf(err, "summary: rewind %s", path)
	}

	gids := map[string]bool{}
	err = fetcher.EachCSV(ctx, f, fetcher.CSVOptions{Comment: '#', Required: []string{"GID"}}, func(rec fetcher.Record) error {
		gids[rec.Get("GID")] = true
		return nil
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "summary: read %s", path)
	}
	return cols, gids, nil
}

func header(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	return cr.Read()
}

// Areas maps a land-use type to its reported area in ha.
type Areas map[string]float64

// Total sums the areas.
func (a Areas) Total() float64 {
	var t float64
	for _, v := range a {
		t += v
	}
	return t
}

// ReadAreas reads the {type}_area columns of a summary table keyed by GID.
// Tables keyed by GID_2 are accepted too.
func ReadAreas(ctx context.Context, path string, types []string) (map[string]Areas, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "summary: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	required := make([]string, 0, len(types))
	for _, t := range types {
		required = append(required, t+"_area")
	}

	out := map[string]Areas{}
	err = fetcher.EachCSV(ctx, f, fetcher.CSVOptions{Comment: '#', TrimSpace: true, Required: required}, func(rec fetcher.Record) error {
		gid := rec.Get("GID")
		if !rec.Has("GID") {
			gid = rec.Get("GID_2")
		}
		if gid == "" {
			return eris.Errorf("summary: line %d: missing GID", rec.Line)
		}
		areas := make(Areas, len(types))
		for _, t := range types {
			raw := rec.Get(t + "_area")
			if raw == "" {
				areas[t] = 0
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return eris.Errorf("summary: line %d: bad %s_area %q", rec.Line, t, raw)
			}
			areas[t] = v
		}
		out[gid] = areas
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "summary: read %s", path)
	}
	return out, nil
}
