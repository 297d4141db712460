package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/monitoring"
	"github.com/sells-group/cropsoil/internal/soilfile"
	"github.com/sells-group/cropsoil/internal/soilgrids"
	"github.com/sells-group/cropsoil/internal/ssurgo"
)

const muaggattCSV = `mukey,muname,hydgrpdcd,slopegradwta
100,"Clarion loam, 2 to 6 percent slopes",B,4
200,Water,,
`

const componentCSV = `mukey,cokey,majcompflag
100,1001,Yes
100,1002,No
`

const chorizonCSV = `hzname,hzdept_r,hzdepb_r,sandtotal_r,silttotal_r,claytotal_r,om_r,dbthirdbar_r,cokey
Ap,0,20,40,38,22,3.5,1.35,1001
Bw,20,80,38,38,24,1,1.45,1001
R,80,200,,,,,,1001
A,0,30,10,50,40,5,1.2,1002
`

// soilFixture adds gSSURGO tables, SoilGrids properties, and a summary
// table to the base fixture. A water polygon covers the irrigated row.
func soilFixture(t *testing.T) (*config.Config, string) {
	t.Helper()
	cfg := fixture(t)
	dir := filepath.Dir(cfg.Data.Counties)

	writeShapefile(t, filepath.Join(dir, "mupolygon_IA.shp"), []string{"MUKEY"}, []shape{
		{ring: cw(-94, 42, -93.9, 42.01), attrs: []string{"200"}},
		{ring: cw(-94, 42, -93.9, 42.04), attrs: []string{"100"}},
	})
	for name, body := range map[string]string{
		"muaggatt_IA.csv":  muaggattCSV,
		"component_IA.csv": componentCSV,
		"chorizon_IA.csv":  chorizonCSV,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	cfg.Data.SSURGO = ssurgo.Paths{
		Polygons:  filepath.Join(dir, "mupolygon_{state}.shp"),
		Component: filepath.Join(dir, "component_{state}.csv"),
		Chorizon:  filepath.Join(dir, "chorizon_{state}.csv"),
		Muaggatt:  filepath.Join(dir, "muaggatt_{state}.csv"),
	}
	cfg.CRS.SSURGO = "epsg:4326"

	raw := map[string]float64{"clay": 250, "sand": 400, "soc": 150, "bdod": 135}
	for variable, v := range raw {
		for _, l := range cfg.Soil.SoilGridsLayers {
			writeTIFF(t, soilgrids.Path(cfg.Data.SoilGridsDir, iowa, variable, l.Name), v)
		}
	}

	areas := filepath.Join(dir, "areas.csv")
	body := "# cropland areas\nGID,state,county,rainfed_area,irrigated_area\n" +
		adair + ",Iowa,Adair,15.00,5.00\n" +
		adams + ",Iowa,Adams,0.00,0.00\n"
	require.NoError(t, os.WriteFile(areas, []byte(body), 0o644))
	return cfg, areas
}

func TestSoilFiles(t *testing.T) {
	ctx := context.Background()
	cfg, areas := soilFixture(t)
	led := newLedger(t)
	m := monitoring.NewMetricsForTesting()

	report, err := newPipeline(t, cfg, led, m).SoilFiles(ctx, areas)
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.Equal(t, model.RunCounts{Succeeded: 1, Skipped: 1}, report.Counts)

	gssurgo := readFile(t, soilfile.Name(cfg.Data.SoilDir, adair, "rainfed", soilfile.SourceGSSURGO))
	assert.Contains(t, gssurgo, "# Cycles soil file for rainfed cropland in Adair, Iowa\n")
	assert.Contains(t, gssurgo, "# The data are sampled from MUNAME: Clarion loam, MUKEY: 100\n")
	assert.Contains(t, gssurgo, "# Hydrologic soil group B.\n")

	grids := readFile(t, soilfile.Name(cfg.Data.SoilDir, adair, "rainfed", soilfile.SourceSoilGrids))
	assert.Contains(t, grids, "are obtained from SoilGrids.\n")
	assert.Contains(t, grids, "# The data are sampled at Latitude 42.0")

	assert.NoFileExists(t, soilfile.Name(cfg.Data.SoilDir, adair, "irrigated", soilfile.SourceGSSURGO))
	assert.NoFileExists(t, soilfile.Name(cfg.Data.SoilDir, adams, "rainfed", soilfile.SourceGSSURGO))

	skipped, err := led.ListUnits(ctx, report.Run.ID, ledger.UnitFilter{Status: model.UnitSkipped})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "irrigated", skipped[0].Type)
	assert.Equal(t, model.ReasonNoSoilMatch, skipped[0].Reason)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SoilFiles.WithLabelValues("gSSURGO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SoilFiles.WithLabelValues("SoilGrids")))
}

func TestSoilFiles_MissingSamplePoint(t *testing.T) {
	cfg, areas := soilFixture(t)
	// A masked clay layer leaves no point with every gridded value.
	writeTIFF(t, soilgrids.Path(cfg.Data.SoilGridsDir, iowa, "clay", "0-5cm"), math.NaN())

	report, err := newPipeline(t, cfg, newLedger(t), nil).SoilFiles(context.Background(), areas)
	require.NoError(t, err)
	assert.Equal(t, model.RunCounts{Skipped: 2}, report.Counts)
	assert.FileExists(t, soilfile.Name(cfg.Data.SoilDir, adair, "rainfed", soilfile.SourceGSSURGO))
	assert.NoFileExists(t, soilfile.Name(cfg.Data.SoilDir, adair, "rainfed", soilfile.SourceSoilGrids))
}

func TestSoilFiles_MissingSurvey(t *testing.T) {
	ctx := context.Background()
	cfg, areas := soilFixture(t)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(areas), "chorizon_IA.csv")))
	led := newLedger(t)

	report, err := newPipeline(t, cfg, led, nil).SoilFiles(ctx, areas)
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, model.RunCounts{Failed: 1}, report.Counts)

	units, err := led.ListUnits(ctx, report.Run.ID, ledger.UnitFilter{})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, iowa, units[0].State)
	assert.Contains(t, units[0].Error, "gSSURGO")
}

func TestSoilFiles_MissingAreas(t *testing.T) {
	cfg, _ := soilFixture(t)
	_, err := newPipeline(t, cfg, newLedger(t), nil).SoilFiles(context.Background(), filepath.Join(t.TempDir(), "none.csv"))
	assert.Error(t, err)
}
