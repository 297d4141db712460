package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/gridarea"
	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/monitoring"
	"github.com/sells-group/cropsoil/internal/raster"
	"github.com/sells-group/cropsoil/internal/soilgrids"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

const (
	iowa     = "USA.16_1"
	adair    = "USA.16.1_1"
	adams    = "USA.16.2_1"
	illinois = "USA.14_1"
	cook     = "USA.14.16_1"
)

// cw returns a clockwise ring around the box.
func cw(x0, y0, x1, y1 float64) []shp.Point {
	return []shp.Point{{X: x0, Y: y0}, {X: x0, Y: y1}, {X: x1, Y: y1}, {X: x1, Y: y0}, {X: x0, Y: y0}}
}

type shape struct {
	ring  []shp.Point
	attrs []string
}

func writeShapefile(t *testing.T, path string, fields []string, shapes []shape) {
	t.Helper()
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	shpFields := make([]shp.Field, len(fields))
	for i, f := range fields {
		shpFields[i] = shp.StringField(f, 32)
	}
	require.NoError(t, w.SetFields(shpFields))
	for _, s := range shapes {
		row := w.Write((*shp.Polygon)(shp.NewPolyLine([][]shp.Point{s.ring})))
		for i, v := range s.attrs {
			require.NoError(t, w.WriteAttribute(int(row), i, v))
		}
	}
	w.Close()
}

// landUseASC is 10x4 cells of 0.01 degrees at (-94, 42): three rows of
// rainfed (3) over one row of irrigated (2).
func landUseASC() string {
	var b strings.Builder
	b.WriteString("ncols 10\nnrows 4\nxllcorner -94\nyllcorner 42\ncellsize 0.01\nNODATA_value -9999\n")
	for row := 0; row < 4; row++ {
		code := 3
		if row == 3 {
			code = 2
		}
		cells := make([]string, 10)
		for i := range cells {
			cells[i] = fmt.Sprint(code)
		}
		b.WriteString(strings.Join(cells, " ") + "\n")
	}
	return b.String()
}

// writeTIFF writes a single WGS84 cell covering the fixture counties.
func writeTIFF(t *testing.T, path string, v float64) {
	t.Helper()
	r := raster.New(crs.WGS84, 1, 1, raster.GeoTransform{OriginX: -96, OriginY: 44, PixelWidth: 4, PixelHeight: 4})
	r.Set(0, 0, v)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	require.NoError(t, raster.EncodeGeoTIFF(f, r, -32768))
}

// fixedAreas gives every grid row the same area.
type fixedAreas struct {
	grid gridarea.Grid
	ha   float64
}

func (f fixedAreas) Areas(lats []float64) *gridarea.Table {
	m := make(map[gridarea.RowIndex]float64, len(lats))
	for _, lat := range lats {
		m[f.grid.RowIndex(lat)] = f.ha
	}
	return gridarea.NewTable(f.grid, m)
}

// fixture lays out counties, land use, and an ocs layer in a temp dir and
// returns a config pointing at them.
func fixture(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := config.Load()
	require.NoError(t, err)

	counties := filepath.Join(dir, "gadm41_USA_2.shp")
	writeShapefile(t, counties, []string{"GID_1", "GID_2", "NAME_1", "NAME_2", "HASC_2"}, []shape{
		{ring: cw(-94, 42, -93.9, 42.04), attrs: []string{iowa, adair, "Iowa", "Adair", "US.IA.AD"}},
		{ring: cw(-95, 41, -94.9, 41.1), attrs: []string{iowa, adams, "Iowa", "Adams", "US.IA.AM"}},
		{ring: cw(-88, 41.6, -87.9, 41.7), attrs: []string{illinois, cook, "Illinois", "Cook", "US.IL.CO"}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lu_"+iowa+".asc"), []byte(landUseASC()), 0o644))

	cfg.Data.Counties = counties
	cfg.Data.LandUse = filepath.Join(dir, "lu_{state}.asc")
	cfg.Data.SoilGridsDir = filepath.Join(dir, "soilgrids")
	cfg.Data.OutDir = filepath.Join(dir, "out")
	cfg.Data.Summary = filepath.Join(dir, "out", "summary.csv")
	cfg.Data.MarkersDir = filepath.Join(dir, "out", "markers")
	cfg.Data.SoilDir = filepath.Join(dir, "out", "soil")
	cfg.CRS.SoilGrids = "epsg:4326"
	cfg.Pipeline.States = []string{iowa}
	require.NoError(t, cfg.Validate())

	writeTIFF(t, soilgrids.Path(cfg.Data.SoilGridsDir, iowa, "ocs", "0-30cm"), 20)
	return cfg
}

func newLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "ledger.db"),
	}, clockwork.NewFakeClock())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func newPipeline(t *testing.T, cfg *config.Config, led ledger.Ledger, m *monitoring.Metrics) *Pipeline {
	t.Helper()
	p, err := New(cfg, led, m, WithAreas(fixedAreas{grid: cfg.Grid, ha: 0.5}))
	require.NoError(t, err)
	return p
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}
