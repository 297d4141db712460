// Package soilgrids downloads SoilGrids250m v2.0 property rasters per state
// through the ISRIC Web Coverage Service.
package soilgrids

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/crs"
	"github.com/sells-group/cropsoil/internal/fetcher"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/resilience"
)

// Coverage is one SoilGrids variable and the depths to fetch for it.
type Coverage struct {
	Variable string   `yaml:"variable" mapstructure:"variable"`
	Depths   []string `yaml:"depths" mapstructure:"depths"`
}

// DefaultCoverages returns clay, sand, soc, and bdod at the six standard
// depths plus the 0-30cm organic carbon stock.
func DefaultCoverages() []Coverage {
	depths := []string{"0-5cm", "5-15cm", "15-30cm", "30-60cm", "60-100cm", "100-200cm"}
	return []Coverage{
		{Variable: "clay", Depths: depths},
		{Variable: "sand", Depths: depths},
		{Variable: "soc", Depths: depths},
		{Variable: "bdod", Depths: depths},
		{Variable: "ocs", Depths: []string{"0-30cm"}},
	}
}

// Param maps a soil property to a SoilGrids variable. Multiplier converts
// the stored integers to clay %, sand %, SOC % and bulk density Mg/m3.
type Param struct {
	Variable   string  `yaml:"variable" mapstructure:"variable"`
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultParams returns the SoilGrids250m v2.0 variables and unit factors.
func DefaultParams() map[model.Property]Param {
	return map[model.Property]Param{
		model.PropertyClay:        {Variable: "clay", Multiplier: 0.1},
		model.PropertySand:        {Variable: "sand", Multiplier: 0.1},
		model.PropertySOC:         {Variable: "soc", Multiplier: 0.01},
		model.PropertyBulkDensity: {Variable: "bdod", Multiplier: 0.01},
	}
}

// Config controls the WCS client.
type Config struct {
	// URL is the map server endpoint; {var} is replaced by the variable.
	URL        string
	Resolution float64
	Format     string
	// MaxBuffer caps the bbox buffer in degrees; BufferFraction scales the
	// state extent.
	MaxBuffer      float64
	BufferFraction float64
	UserAgent      string
	Timeout        time.Duration
	Rate           float64
	Burst          int
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
}

// DefaultConfig returns the ISRIC endpoint settings.
func DefaultConfig() Config {
	return Config{
		URL:            "https://maps.isric.org/mapserv?map=/map/{var}.map",
		Resolution:     250,
		Format:         "GEOTIFF_INT16",
		MaxBuffer:      2,
		BufferFraction: 0.5,
		Rate:           1,
		Burst:          1,
		Retry:          resilience.DefaultRetryConfig(),
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// BBox is west, south, east, north.
type BBox struct {
	West, South, East, North float64
}

// Buffer grows b by min(max, frac × extent) on each axis.
func (b BBox) Buffer(maxBuffer, frac float64) BBox {
	dx := min(maxBuffer, frac*(b.East-b.West))
	dy := min(maxBuffer, frac*(b.North-b.South))
	return BBox{West: b.West - dx, South: b.South - dy, East: b.East + dx, North: b.North + dy}
}

// Homolosine projects a geographic bbox through its NW and SE corners.
func (b BBox) Homolosine() BBox {
	p := crs.NewHomolosine()
	nwx, nwy := p.Forward(b.West, b.North)
	sex, sey := p.Forward(b.East, b.South)
	return BBox{West: nwx, South: sey, East: sex, North: nwy}
}

func (b BBox) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.West, 'f', -1, 64),
		strconv.FormatFloat(b.South, 'f', -1, 64),
		strconv.FormatFloat(b.East, 'f', -1, 64),
		strconv.FormatFloat(b.North, 'f', -1, 64),
	}, ",")
}

// Request is one GetCoverage call. BBox is in Homolosine metres.
type Request struct {
	Variable string
	Depth    string
	BBox     BBox
}

// Identifier is the WCS coverage name.
func (r Request) Identifier() string {
	return fmt.Sprintf("%s_%s_mean", r.Variable, r.Depth)
}

// Observer receives download outcomes ("ok", "skipped", "error").
type Observer interface {
	ObserveDownload(outcome string, bytes int64)
}

type nopObserver struct{}

func (nopObserver) ObserveDownload(string, int64) {}

// Client fetches coverages. Every request is rate limited, retried with
// backoff, and passed through a circuit breaker.
type Client struct {
	cfg      Config
	fetch    *fetcher.HTTPFetcher
	breaker  *resilience.CircuitBreaker
	observer Observer
	log      *zap.Logger
}

// NewClient creates a Client. A nil observer discards outcomes.
func NewClient(cfg Config, observer Observer) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = def.Resolution
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if observer == nil {
		observer = nopObserver{}
	}
	log := zap.L().With(zap.String("component", "soilgrids"))

	breakerCfg := cfg.Breaker
	prev := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		log.Warn("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		if prev != nil {
			prev(from, to)
		}
	}

	return &Client{
		cfg: cfg,
		fetch: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
			Rate:      cfg.Rate,
			Burst:     cfg.Burst,
		}),
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		observer: observer,
		log:      log,
	}
}

// Close releases idle connections.
func (c *Client) Close() { c.fetch.Close() }

// Breaker exposes the circuit breaker.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// URL builds the GetCoverage URL for req.
func (c *Client) URL(req Request) (string, error) {
	u, err := url.Parse(strings.ReplaceAll(c.cfg.URL, "{var}", req.Variable))
	if err != nil {
		return "", eris.Wrapf(err, "soilgrids: parse url %s", c.cfg.URL)
	}
	res := strconv.FormatFloat(c.cfg.Resolution, 'f', -1, 64)
	q := u.Query()
	q.Set("SERVICE", "WCS")
	q.Set("VERSION", "1.0.0")
	q.Set("REQUEST", "GetCoverage")
	q.Set("COVERAGE", req.Identifier())
	q.Set("CRS", crs.Homolosine.String())
	q.Set("BBOX", req.BBox.String())
	q.Set("RESX", res)
	q.Set("RESY", res)
	q.Set("FORMAT", c.cfg.Format)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetCoverage downloads req into path and returns the bytes written.
func (c *Client) GetCoverage(ctx context.Context, req Request, path string) (int64, error) {
	rawURL, err := c.URL(req)
	if err != nil {
		return 0, err
	}

	retry := c.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("soilgrids", req.Identifier())
	}

	n, err := resilience.DoVal(ctx, "soilgrids: "+req.Identifier(), retry, func(ctx context.Context) (int64, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (int64, error) {
			return c.fetchTIFF(ctx, rawURL, path)
		})
	})
	if err != nil {
		c.observer.ObserveDownload("error", 0)
		return 0, eris.Wrapf(err, "soilgrids: get %s", req.Identifier())
	}
	c.observer.ObserveDownload("ok", n)
	return n, nil
}

var tiffMagic = [][]byte{[]byte("II*\x00"), []byte("MM\x00*")}

// fetchTIFF rejects bodies that are not TIFF, which is how the map server
// reports exceptions.
func (c *Client) fetchTIFF(ctx context.Context, rawURL, path string) (int64, error) {
	body, err := c.fetch.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	br := bufio.NewReader(body)
	head, _ := br.Peek(4)
	isTIFF := false
	for _, m := range tiffMagic {
		if bytes.Equal(head, m) {
			isTIFF = true
		}
	}
	if !isTIFF {
		msg, _ := br.Peek(256)
		return 0, resilience.NewTransientError(
			eris.Errorf("soilgrids: response is not a GeoTIFF: %q", strings.TrimSpace(string(msg))), 0)
	}
	return fetcher.WriteFileAtomic(path, br)
}

// Path returns {dir}/{gid}/{var}_{depth}.tif.
func Path(dir, gid, variable, depth string) string {
	return filepath.Join(dir, gid, fmt.Sprintf("%s_%s.tif", variable, depth))
}

// StateResult counts a state's files.
type StateResult struct {
	Written []string
	Skipped []string
	Bytes   int64
}

// DownloadState fetches every coverage for a state's geographic bbox into
// {dir}/{gid}. Existing files are kept. The first failed coverage fails the
// state.
func (c *Client) DownloadState(ctx context.Context, dir, gid string, bbox BBox, coverages []Coverage) (StateResult, error) {
	var res StateResult
	box := bbox.Buffer(c.cfg.MaxBuffer, c.cfg.BufferFraction).Homolosine()
	c.log.Info("downloading state", zap.String("state", gid), zap.String("bbox", box.String()))

	for _, cov := range coverages {
		for _, depth := range cov.Depths {
			if err := ctx.Err(); err != nil {
				return res, eris.Wrap(err, "soilgrids: download cancelled")
			}

			path := Path(dir, gid, cov.Variable, depth)
			if _, err := os.Stat(path); err == nil {
				res.Skipped = append(res.Skipped, path)
				c.observer.ObserveDownload("skipped", 0)
				continue
			}

			start := time.Now()
			n, err := c.GetCoverage(ctx, Request{Variable: cov.Variable, Depth: depth, BBox: box}, path)
			if err != nil {
				return res, eris.Wrapf(err, "soilgrids: state %s", gid)
			}
			res.Written = append(res.Written, path)
			res.Bytes += n
			c.log.Debug("coverage written",
				zap.String("path", path),
				zap.Int64("bytes", n),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
	}
	return res, nil
}
