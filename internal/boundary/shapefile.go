package boundary

import (
	"os"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/unicode/norm"
)

// Feature is one shapefile record: its attributes keyed by upper-case field
// name and its polygon geometry.
type Feature struct {
	Index    int
	Attrs    map[string]string
	Geometry *geom.MultiPolygon
}

// ReadFeatures reads every polygon record of a shapefile. Attribute text is
// decoded using the .cpg sidecar when present and normalised to NFC.
func ReadFeatures(shpPath string) ([]Feature, error) {
	dec, err := sidecarDecoder(shpPath)
	if err != nil {
		return nil, err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToUpper(strings.TrimRight(f.String(), "\x00"))
	}

	var out []Feature
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		mp := ToMultiPolygon(shape)
		if mp == nil {
			skipped++
			continue
		}

		attrs := make(map[string]string, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if dec != nil {
				if s, err := dec.String(val); err == nil {
					val = s
				}
			}
			attrs[name] = norm.NFC.String(val)
		}
		out = append(out, Feature{Index: n, Attrs: attrs, Geometry: mp})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "boundary: read shapefile %s", shpPath)
	}

	if skipped > 0 {
		zap.L().Debug("boundary: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

// sidecarDecoder returns a decoder for the code page named in the .cpg file
// next to shpPath, or nil for UTF-8 and missing sidecars.
func sidecarDecoder(shpPath string) (*encoding.Decoder, error) {
	cpg := strings.TrimSuffix(shpPath, ".shp") + ".cpg"
	raw, err := os.ReadFile(cpg)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: read %s", cpg)
	}

	label := strings.ToLower(strings.TrimSpace(string(raw)))
	switch label {
	case "", "utf-8", "utf8", "65001":
		return nil, nil
	case "1252", "ansi 1252":
		label = "windows-1252"
	case "88591", "8859_1":
		label = "iso-8859-1"
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: unsupported code page %q", label)
	}
	return enc.NewDecoder(), nil
}

// ToMultiPolygon converts a shapefile polygon into a MultiPolygon. Clockwise
// parts start new polygons; counter-clockwise parts are holes of the shell
// that contains them. Returns nil for non-polygon or empty shapes.
func ToMultiPolygon(shape shp.Shape) *geom.MultiPolygon {
	p, ok := shape.(*shp.Polygon)
	if !ok || p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var polys []*geom.Polygon
	var shells [][]float64
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if !xy.IsRingCounterClockwise(geom.XY, flat) || len(polys) == 0 {
			poly := geom.NewPolygon(geom.XY)
			if err := poly.Push(ring); err != nil {
				zap.L().Debug("boundary: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
				continue
			}
			polys = append(polys, poly)
			shells = append(shells, flat)
			continue
		}

		owner := len(polys) - 1
		for k := len(shells) - 1; k >= 0; k-- {
			if xy.IsPointInRing(geom.XY, geom.Coord{flat[0], flat[1]}, shells[k]) {
				owner = k
				break
			}
		}
		if err := polys[owner].Push(ring); err != nil {
			zap.L().Debug("boundary: skipping malformed hole", zap.Int32("part", i), zap.Error(err))
		}
	}

	if len(polys) == 0 {
		return nil
	}
	mp := geom.NewMultiPolygon(geom.XY)
	for _, poly := range polys {
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("boundary: skipping malformed polygon", zap.Error(err))
		}
	}
	return mp
}

// ReadCounties reads a GADM level-2 shapefile and returns CONUS counties in
// file order.
func ReadCounties(shpPath string) ([]County, error) {
	features, err := ReadFeatures(shpPath)
	if err != nil {
		return nil, err
	}

	var out []County
	for _, f := range features {
		if !IsCONUS(f.Attrs["NAME_1"]) {
			continue
		}
		c := County{
			GID:      f.Attrs["GID_2"],
			StateGID: f.Attrs["GID_1"],
			Name:     f.Attrs["NAME_2"],
			State:    f.Attrs["NAME_1"],
			Geometry: f.Geometry,
		}
		if c.GID == "" || c.StateGID == "" {
			return nil, eris.Errorf("boundary: record %d lacks GID_1/GID_2", f.Index)
		}
		c.StateAbbr, _ = StateAbbr(f.Attrs["HASC_2"], c.StateGID)
		out = append(out, c)
	}
	return out, nil
}

// ReadStates reads a GADM level-1 shapefile and returns CONUS states ordered
// by numeric ID.
func ReadStates(shpPath string) ([]State, error) {
	features, err := ReadFeatures(shpPath)
	if err != nil {
		return nil, err
	}

	var out []State
	for _, f := range features {
		if !IsCONUS(f.Attrs["NAME_1"]) {
			continue
		}
		s := State{GID: f.Attrs["GID_1"], Name: f.Attrs["NAME_1"], Geometry: f.Geometry}
		if s.GID == "" {
			return nil, eris.Errorf("boundary: record %d lacks GID_1", f.Index)
		}
		s.Abbr, _ = StateAbbr(f.Attrs["HASC_1"], s.GID)
		out = append(out, s)
	}
	sortStates(out)
	return out, nil
}

func sortStates(states []State) {
	sort.SliceStable(states, func(a, b int) bool {
		return StateNumber(states[a].GID) < StateNumber(states[b].GID)
	})
}
