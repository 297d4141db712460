package raster

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/crs"
)

// ReadASCII decodes an ESRI ASCII grid.
func ReadASCII(r io.Reader, code crs.Code) (*Raster, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	sc.Split(bufio.ScanWords)

	hdr := map[string]float64{}
	var first string
	for sc.Scan() {
		key := strings.ToLower(sc.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			first = key
			break
		}
		if !sc.Scan() {
			return nil, eris.Errorf("raster: header %q has no value", key)
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "raster: header %q", key)
		}
		hdr[key] = v
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "raster: scan ascii grid")
	}

	cols, rows := int(hdr["ncols"]), int(hdr["nrows"])
	cs, ok := hdr["cellsize"]
	if cols <= 0 || rows <= 0 || !ok || cs <= 0 {
		return nil, eris.New("raster: ascii grid needs ncols, nrows and cellsize")
	}

	geo := GeoTransform{PixelWidth: cs, PixelHeight: cs}
	switch {
	case has(hdr, "xllcorner"):
		geo.OriginX = hdr["xllcorner"]
	case has(hdr, "xllcenter"):
		geo.OriginX = hdr["xllcenter"] - cs/2
	default:
		return nil, eris.New("raster: ascii grid missing xllcorner")
	}
	switch {
	case has(hdr, "yllcorner"):
		geo.OriginY = hdr["yllcorner"] + float64(rows)*cs
	case has(hdr, "yllcenter"):
		geo.OriginY = hdr["yllcenter"] - cs/2 + float64(rows)*cs
	default:
		return nil, eris.New("raster: ascii grid missing yllcorner")
	}
	nodata, hasNoData := hdr["nodata_value"]

	out := New(code, cols, rows, geo)
	n := 0
	put := func(tok string) error {
		if n >= cols*rows {
			return eris.New("raster: ascii grid has extra values")
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return eris.Wrapf(err, "raster: value %d", n)
		}
		if !(hasNoData && v == nodata) {
			out.Data[n] = float32(v)
		}
		n++
		return nil
	}
	if first != "" {
		if err := put(first); err != nil {
			return nil, err
		}
	}
	for sc.Scan() {
		if err := put(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "raster: scan ascii grid")
	}
	if n != cols*rows {
		return nil, eris.Errorf("raster: ascii grid has %d values, want %d", n, cols*rows)
	}
	return out, nil
}

func has(m map[string]float64, k string) bool {
	v, ok := m[k]
	return ok && !math.IsNaN(v)
}
