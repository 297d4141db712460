// Package soilfile writes Cycles soil parameter files.
package soilfile

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cropsoil/internal/fetcher"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/profile"
)

// Source names where clay, sand, SOC, and bulk density came from.
type Source string

const (
	SourceGSSURGO   Source = "gSSURGO"
	SourceSoilGrids Source = "SoilGrids"
)

// Missing is written for every unavailable value.
const Missing = -999

// DefaultCurveNumbers returns the curve numbers for row crops, straight row,
// good condition, keyed by hydrologic group letter.
func DefaultCurveNumbers() map[string]int {
	return map[string]int{"A": 67, "B": 78, "C": 85, "D": 89}
}

// CurveNumber looks up the first letter of a hydrologic group ("B/D" uses
// B). Unknown or empty groups give Missing.
func CurveNumber(hsg string, numbers map[string]int) int {
	if hsg == "" {
		return Missing
	}
	if cn, ok := numbers[hsg[:1]]; ok {
		return cn
	}
	return Missing
}

// File is one county soil file.
type File struct {
	Source   Source
	County   string
	State    string
	Type     string
	HydGroup string
	Slope    float64

	// Lat and Lon locate the SoilGrids sample.
	Lat float64
	Lon float64
	// MuName and MuKey identify the gSSURGO map unit.
	MuName string
	MuKey  int64

	Layers []profile.Layer
}

// Name returns {dir}/{gid}_{type}_{source}.soil.
func Name(dir, gid, typ string, src Source) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.soil", gid, typ, src))
}

var columns = []string{"LAYER", "THICK", "CLAY", "SAND", "SOC", "BD", "FC", "PWP", "SON", "NO3", "NH4", "BYP_H", "BYP_V"}
var units = []string{"#", "m", "%", "%", "%", "Mg/m3", "m3/m3", "m3/m3", "kg/ha", "kg/ha", "kg/ha", "-", "-"}

// Encode renders f in the Cycles soil file format.
func Encode(f File, curveNumbers map[string]int) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Cycles soil file for %s cropland in %s, %s\n#\n", f.Type, f.County, f.State)
	fmt.Fprintf(&b, "# Clay, sand, soil organic carbon, and bulk density are obtained from %s.\n", f.Source)
	b.WriteString("# Hydrologic soil group, slope, and soil depth are obtained from gSSURGO.\n")
	if f.Source == SourceSoilGrids {
		fmt.Fprintf(&b, "# The data are sampled at Latitude %.4f, Longitude %.4f.\n", f.Lat, f.Lon)
	} else {
		fmt.Fprintf(&b, "# The data are sampled from MUNAME: %s, MUKEY: %d\n", f.MuName, f.MuKey)
	}
	b.WriteString("# NO3, NH4, and fractions of horizontal and vertical bypass flows are default empirical values.\n#\n")
	if f.HydGroup == "" {
		b.WriteString("# Hydrologic soil group MISSING DATA.\n")
	} else {
		fmt.Fprintf(&b, "# Hydrologic soil group %s.\n", f.HydGroup)
		b.WriteString("# The curve number for row crops with straight row treatment is used.\n")
	}

	slope := f.Slope
	if math.IsNaN(slope) {
		slope = Missing
	}
	fmt.Fprintf(&b, "%-15s\t%d\n", "CURVE_NUMBER", CurveNumber(f.HydGroup, curveNumbers))
	fmt.Fprintf(&b, "%-15s\t%.2f\n", "SLOPE", slope)
	fmt.Fprintf(&b, "%-15s\t%d\n", "TOTAL_LAYERS", len(f.Layers))
	writeRow(&b, columns)
	writeRow(&b, units)

	for i, l := range f.Layers {
		fmt.Fprintf(&b, "%-7d\t", i+1)
		fmt.Fprintf(&b, "%-7.2f\t", l.Thickness)
		writeValue(&b, "%-7.1f\t", l.Value(model.PropertyClay))
		writeValue(&b, "%-7.1f\t", l.Value(model.PropertySand))
		writeValue(&b, "%-7.2f\t", l.Value(model.PropertySOC))
		writeValue(&b, "%-7.2f\t", l.Value(model.PropertyBulkDensity))
		fmt.Fprintf(&b, "%-7d\t%-7d\t%-7d\t", Missing, Missing, Missing)
		fmt.Fprintf(&b, "%-7.1f\t%-7.1f\t", l.NO3, l.NH4)
		fmt.Fprintf(&b, "%-7.1f\t%.1f\n", 0.0, 0.0)
	}
	return b.Bytes()
}

func writeRow(b *bytes.Buffer, cells []string) {
	for i, c := range cells {
		if i == len(cells)-1 {
			fmt.Fprintf(b, "%s\n", c)
			continue
		}
		fmt.Fprintf(b, "%-7s\t", c)
	}
}

func writeValue(b *bytes.Buffer, format string, v float64) {
	if math.IsNaN(v) {
		fmt.Fprintf(b, "%-7s\t", "-999")
		return
	}
	fmt.Fprintf(b, format, v)
}

// WriteFile renders f to path, replacing any existing file atomically.
func WriteFile(path string, f File, curveNumbers map[string]int) error {
	if _, err := fetcher.WriteFileAtomic(path, bytes.NewReader(Encode(f, curveNumbers))); err != nil {
		return eris.Wrapf(err, "soilfile: write %s", path)
	}
	return nil
}
