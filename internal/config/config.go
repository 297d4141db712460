package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/gridarea"
	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/resilience"
	"github.com/sells-group/cropsoil/internal/selector"
	"github.com/sells-group/cropsoil/internal/soilgrids"
	"github.com/sells-group/cropsoil/internal/ssurgo"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Data       DataConfig       `yaml:"data" mapstructure:"data"`
	CRS        CRSConfig        `yaml:"crs" mapstructure:"crs"`
	Grid       gridarea.Grid    `yaml:"grid" mapstructure:"grid"`
	Landuse    LanduseConfig    `yaml:"landuse" mapstructure:"landuse"`
	SOC        SOCConfig        `yaml:"soc" mapstructure:"soc"`
	Soil       SoilConfig       `yaml:"soil" mapstructure:"soil"`
	SoilGrids  SoilGridsConfig  `yaml:"soilgrids" mapstructure:"soilgrids"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// DataConfig locates inputs and outputs. LandUse may contain {state}, the
// GID_1 of the state being processed.
type DataConfig struct {
	Counties     string       `yaml:"counties" mapstructure:"counties"`
	LandUse      string       `yaml:"landuse" mapstructure:"landuse"`
	SoilGridsDir string       `yaml:"soilgrids_dir" mapstructure:"soilgrids_dir"`
	SSURGO       ssurgo.Paths `yaml:"ssurgo" mapstructure:"ssurgo"`
	OutDir       string       `yaml:"out_dir" mapstructure:"out_dir"`
	Summary      string       `yaml:"summary" mapstructure:"summary"`
	SoilDir      string       `yaml:"soil_dir" mapstructure:"soil_dir"`
	MarkersDir   string       `yaml:"markers_dir" mapstructure:"markers_dir"`
}

// LandUsePath expands the land-use template for a state.
func (d DataConfig) LandUsePath(stateGID string) string {
	return strings.ReplaceAll(d.LandUse, "{state}", stateGID)
}

// CRSConfig names the reference system of each input and of the area and
// distance computations.
type CRSConfig struct {
	LandUse   string `yaml:"landuse" mapstructure:"landuse"`
	SoilGrids string `yaml:"soilgrids" mapstructure:"soilgrids"`
	SSURGO    string `yaml:"ssurgo" mapstructure:"ssurgo"`
	Area      string `yaml:"area" mapstructure:"area"`
	Distance  string `yaml:"distance" mapstructure:"distance"`
}

// Codes is CRSConfig parsed.
type Codes struct {
	LandUse, SoilGrids, SSURGO, Area, Distance crs.Code
}

// Parse resolves every code.
func (c CRSConfig) Parse() (Codes, error) {
	var out Codes
	for _, f := range []struct {
		name string
		raw  string
		dst  *crs.Code
	}{
		{"landuse", c.LandUse, &out.LandUse},
		{"soilgrids", c.SoilGrids, &out.SoilGrids},
		{"ssurgo", c.SSURGO, &out.SSURGO},
		{"area", c.Area, &out.Area},
		{"distance", c.Distance, &out.Distance},
	} {
		code, err := crs.Parse(f.raw)
		if err != nil {
			return Codes{}, eris.Wrapf(err, "config: crs.%s", f.name)
		}
		*f.dst = code
	}
	return out, nil
}

// LanduseConfig configures the cropland classes.
type LanduseConfig struct {
	Types         []model.LandUseType `yaml:"types" mapstructure:"types"`
	MinReportArea float64             `yaml:"min_report_area" mapstructure:"min_report_area"`
}

// TypeNames returns the type names in order.
func (l LanduseConfig) TypeNames() []string {
	out := make([]string, len(l.Types))
	for i, t := range l.Types {
		out[i] = t.Name
	}
	return out
}

// SOC modes.
const (
	SOCModeStock         = "stock"
	SOCModeConcentration = "concentration"
)

// SOCConfig configures the summary SOC columns. In stock mode Variable is
// read at StockLayers and mixed into each of Layers; in concentration mode
// stocks are derived from the soil SOC and bulk-density params.
type SOCConfig struct {
	Mode        string             `yaml:"mode" mapstructure:"mode"`
	Variable    string             `yaml:"variable" mapstructure:"variable"`
	StockLayers []model.DepthLayer `yaml:"stock_layers" mapstructure:"stock_layers"`
	Layers      []model.DepthLayer `yaml:"layers" mapstructure:"layers"`
	// Depth titles the summary header.
	Depth string `yaml:"depth" mapstructure:"depth"`
}

// SoilConfig configures soil-file generation.
type SoilConfig struct {
	Layers          []model.SoilLayer                  `yaml:"layers" mapstructure:"layers"`
	Rules           selector.Rules                     `yaml:"rules" mapstructure:"rules"`
	CurveNumbers    map[string]int                     `yaml:"curve_numbers" mapstructure:"curve_numbers"`
	SSURGOParams    map[model.Property]ssurgo.Param    `yaml:"ssurgo_params" mapstructure:"ssurgo_params"`
	SoilGridsParams map[model.Property]soilgrids.Param `yaml:"soilgrids_params" mapstructure:"soilgrids_params"`
	SoilGridsLayers []model.DepthLayer                 `yaml:"soilgrids_layers" mapstructure:"soilgrids_layers"`
}

// SoilGridsConfig configures the WCS downloader.
type SoilGridsConfig struct {
	URL            string               `yaml:"url" mapstructure:"url"`
	Resolution     float64              `yaml:"resolution" mapstructure:"resolution"`
	Format         string               `yaml:"format" mapstructure:"format"`
	MaxBuffer      float64              `yaml:"max_buffer" mapstructure:"max_buffer"`
	BufferFraction float64              `yaml:"buffer_fraction" mapstructure:"buffer_fraction"`
	UserAgent      string               `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int                  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Rate           float64              `yaml:"rate" mapstructure:"rate"`
	Burst          int                  `yaml:"burst" mapstructure:"burst"`
	Retry          RetryConfig          `yaml:"retry" mapstructure:"retry"`
	Breaker        BreakerConfig        `yaml:"breaker" mapstructure:"breaker"`
	Coverages      []soilgrids.Coverage `yaml:"coverages" mapstructure:"coverages"`
}

// RetryConfig configures bounded retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Client converts the section to a client config.
func (s SoilGridsConfig) Client() soilgrids.Config {
	cfg := soilgrids.DefaultConfig()
	if s.URL != "" {
		cfg.URL = s.URL
	}
	if s.Resolution > 0 {
		cfg.Resolution = s.Resolution
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	if s.MaxBuffer > 0 {
		cfg.MaxBuffer = s.MaxBuffer
	}
	if s.BufferFraction > 0 {
		cfg.BufferFraction = s.BufferFraction
	}
	if s.TimeoutSecs > 0 {
		cfg.Timeout = time.Duration(s.TimeoutSecs) * time.Second
	}
	if s.Rate > 0 {
		cfg.Rate = s.Rate
	}
	if s.Burst > 0 {
		cfg.Burst = s.Burst
	}
	cfg.UserAgent = s.UserAgent
	r := s.Retry
	cfg.Retry = resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
	cfg.Breaker = resilience.FromCircuitConfig(s.Breaker.FailureThreshold, s.Breaker.ResetTimeoutSecs)
	return cfg
}

// PipelineConfig configures batch behavior.
type PipelineConfig struct {
	Concurrency       int      `yaml:"concurrency" mapstructure:"concurrency"`
	States            []string `yaml:"states" mapstructure:"states"`
	Resume            bool     `yaml:"resume" mapstructure:"resume"`
	AreasOnly         bool     `yaml:"areas_only" mapstructure:"areas_only"`
	CountyTimeoutSecs int      `yaml:"county_timeout_secs" mapstructure:"county_timeout_secs"`
}

// CountyTimeout returns the per-county deadline, zero when unbounded.
func (p PipelineConfig) CountyTimeout() time.Duration {
	return time.Duration(p.CountyTimeoutSecs) * time.Second
}

// StoreConfig configures the run ledger.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// Ledger converts the section to a ledger config.
func (s StoreConfig) Ledger() ledger.Config {
	return ledger.Config{Driver: s.Driver, DSN: s.DatabaseURL}
}

// MetricsConfig configures metric export for batch commands.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// MonitoringConfig configures run-health alerting in the server.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleRunHours        int     `yaml:"stale_run_hours" mapstructure:"stale_run_hours"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from ./config.yaml when path is
// empty, and the environment. Only an explicitly named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CROPSOIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.fillCollections()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	grid := gridarea.LGRIP30()
	sg := soilgrids.DefaultConfig()
	retry := resilience.DefaultRetryConfig()
	breaker := resilience.DefaultCircuitBreakerConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("data.counties", "data/gadm/gadm41_USA_2.shp")
	v.SetDefault("data.landuse", "data/lgrip30/{state}.tif")
	v.SetDefault("data.soilgrids_dir", "data/soilgrids")
	v.SetDefault("data.ssurgo.polygons", "data/gSSURGO/{state}/MUPOLYGON.shp")
	v.SetDefault("data.ssurgo.component", "data/gSSURGO/{state}/component.csv")
	v.SetDefault("data.ssurgo.chorizon", "data/gSSURGO/{state}/chorizon.csv")
	v.SetDefault("data.ssurgo.muaggatt", "data/gSSURGO/{state}/muaggatt.csv")
	v.SetDefault("data.out_dir", "output")
	v.SetDefault("data.summary", "output/conus_cropland_soc_0-30cm.csv")
	v.SetDefault("data.soil_dir", "output/soil")
	v.SetDefault("data.markers_dir", "output/markers")

	v.SetDefault("crs.landuse", crs.WGS84.String())
	v.SetDefault("crs.soilgrids", crs.Homolosine.String())
	v.SetDefault("crs.ssurgo", crs.ConusAlbers.String())
	v.SetDefault("crs.area", crs.Albers.String())
	v.SetDefault("crs.distance", crs.Albers.String())

	v.SetDefault("grid.cell_width", grid.CellWidth)
	v.SetDefault("grid.cell_height", grid.CellHeight)
	v.SetDefault("grid.lat0", grid.Lat0)
	v.SetDefault("grid.ref_lon", grid.RefLon)

	v.SetDefault("landuse.min_report_area", 10.0)

	v.SetDefault("soc.mode", SOCModeStock)
	v.SetDefault("soc.variable", "ocs")
	v.SetDefault("soc.depth", "30-cm")

	v.SetDefault("soilgrids.url", sg.URL)
	v.SetDefault("soilgrids.resolution", sg.Resolution)
	v.SetDefault("soilgrids.format", sg.Format)
	v.SetDefault("soilgrids.max_buffer", sg.MaxBuffer)
	v.SetDefault("soilgrids.buffer_fraction", sg.BufferFraction)
	v.SetDefault("soilgrids.user_agent", "cropsoil/1.0")
	v.SetDefault("soilgrids.timeout_secs", 300)
	v.SetDefault("soilgrids.rate", sg.Rate)
	v.SetDefault("soilgrids.burst", sg.Burst)
	v.SetDefault("soilgrids.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("soilgrids.retry.initial_backoff_ms", retry.InitialBackoff.Milliseconds())
	v.SetDefault("soilgrids.retry.max_backoff_ms", retry.MaxBackoff.Milliseconds())
	v.SetDefault("soilgrids.retry.multiplier", retry.Multiplier)
	v.SetDefault("soilgrids.retry.jitter_fraction", retry.JitterFraction)
	v.SetDefault("soilgrids.breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("soilgrids.breaker.reset_timeout_secs", int(breaker.ResetTimeout.Seconds()))

	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.resume", false)
	v.SetDefault("pipeline.areas_only", false)
	v.SetDefault("pipeline.county_timeout_secs", 0)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "cropsoil.db")

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.1)
	v.SetDefault("monitoring.stale_run_hours", 12)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
}

// fillCollections applies defaults for list and map settings that a config
// file leaves out.
func (c *Config) fillCollections() {
	if len(c.Landuse.Types) == 0 {
		c.Landuse.Types = model.DefaultLandUseTypes()
	}
	if len(c.SOC.StockLayers) == 0 {
		c.SOC.StockLayers = []model.DepthLayer{{Name: "0-30cm", Top: 0, Bottom: 0.3}}
	}
	if len(c.SOC.Layers) == 0 {
		c.SOC.Layers = []model.DepthLayer{{Name: "0-30cm", Top: 0, Bottom: 0.3}}
	}
	if len(c.Soil.Layers) == 0 {
		c.Soil.Layers = model.StandardSoilLayers()
	}
	rules := selector.DefaultRules()
	if len(c.Soil.Rules.NonSoil) == 0 {
		c.Soil.Rules.NonSoil = rules.NonSoil
	}
	if len(c.Soil.Rules.Urban) == 0 {
		c.Soil.Rules.Urban = rules.Urban
	}
	if c.Soil.Rules.BedrockHorizon == "" {
		c.Soil.Rules.BedrockHorizon = rules.BedrockHorizon
	}
	if len(c.Soil.Rules.DepthLadder) == 0 {
		c.Soil.Rules.DepthLadder = model.LayerBottoms(c.Soil.Layers)
	}
	if len(c.Soil.CurveNumbers) == 0 {
		c.Soil.CurveNumbers = map[string]int{"A": 67, "B": 78, "C": 85, "D": 89}
	}
	// Viper lowercases map keys; groups are upper case.
	numbers := make(map[string]int, len(c.Soil.CurveNumbers))
	for k, n := range c.Soil.CurveNumbers {
		numbers[strings.ToUpper(k)] = n
	}
	c.Soil.CurveNumbers = numbers
	if len(c.Soil.SSURGOParams) == 0 {
		c.Soil.SSURGOParams = ssurgo.DefaultParams()
	}
	if len(c.Soil.SoilGridsParams) == 0 {
		c.Soil.SoilGridsParams = soilgrids.DefaultParams()
	}
	if len(c.Soil.SoilGridsLayers) == 0 {
		c.Soil.SoilGridsLayers = model.SoilGridsLayers()
	}
	if len(c.SoilGrids.Coverages) == 0 {
		c.SoilGrids.Coverages = soilgrids.DefaultCoverages()
	}
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Landuse.MinReportArea < 0 {
		return eris.Errorf("config: landuse.min_report_area must be >= 0, got %g", c.Landuse.MinReportArea)
	}
	if len(c.Landuse.Types) == 0 {
		return eris.New("config: landuse.types is empty")
	}
	seen := make(map[int]string)
	names := make(map[string]bool)
	for _, t := range c.Landuse.Types {
		if t.Name == "" || len(t.Codes) == 0 {
			return eris.Errorf("config: landuse type %q needs a name and codes", t.Name)
		}
		if names[t.Name] {
			return eris.Errorf("config: landuse type %q listed twice", t.Name)
		}
		names[t.Name] = true
		for _, code := range t.Codes {
			if other, ok := seen[code]; ok {
				return eris.Errorf("config: landuse code %d in both %q and %q", code, other, t.Name)
			}
			seen[code] = t.Name
		}
	}
	if c.Grid.CellWidth <= 0 || c.Grid.CellHeight <= 0 {
		return eris.New("config: grid cell size must be positive")
	}
	if c.SOC.Mode != SOCModeStock && c.SOC.Mode != SOCModeConcentration {
		return eris.Errorf("config: soc.mode must be %q or %q, got %q", SOCModeStock, SOCModeConcentration, c.SOC.Mode)
	}
	if err := orderedDepths("soc.layers", c.SOC.Layers); err != nil {
		return err
	}
	if err := orderedDepths("soc.stock_layers", c.SOC.StockLayers); err != nil {
		return err
	}
	if err := orderedDepths("soil.soilgrids_layers", c.Soil.SoilGridsLayers); err != nil {
		return err
	}
	for i, l := range c.Soil.Layers {
		if l.Bottom <= l.Top {
			return eris.Errorf("config: soil.layers[%d] bottom %g is not below top %g", i, l.Bottom, l.Top)
		}
		if i > 0 && l.Top < c.Soil.Layers[i-1].Bottom {
			return eris.Errorf("config: soil.layers[%d] overlaps the layer above", i)
		}
	}
	if _, err := c.CRS.Parse(); err != nil {
		return err
	}
	if c.Pipeline.Concurrency < 1 {
		return eris.Errorf("config: pipeline.concurrency must be >= 1, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.CountyTimeoutSecs < 0 {
		return eris.New("config: pipeline.county_timeout_secs must be >= 0")
	}
	if c.Store.Driver != "" && !slices.Contains(ledger.Drivers, c.Store.Driver) {
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		return eris.New("config: monitoring.failure_rate_threshold must be within [0, 1]")
	}
	return nil
}

func orderedDepths(name string, layers []model.DepthLayer) error {
	for i, l := range layers {
		if l.Name == "" {
			return eris.Errorf("config: %s[%d] has no name", name, i)
		}
		if l.Bottom <= l.Top {
			return eris.Errorf("config: %s %q bottom %g is not below top %g", name, l.Name, l.Bottom, l.Top)
		}
		if i > 0 && l.Top < layers[i-1].Top {
			return eris.Errorf("config: %s %q is out of order", name, l.Name)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
