package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cropsoil/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Rate is requests per second; Burst the bucket size.
	Rate  float64
	Burst int
}

// AdaptiveLimiter wraps a rate.Limiter that slows down on 429 responses
// and recovers on success. The rate moves between a quarter and twice the
// initial rate.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.scale(1.2)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	r := a.scale(0.5)
	zap.L().Warn("fetcher: rate limited, slowing down", zap.Float64("rate", float64(r)))
}

func (a *AdaptiveLimiter) scale(f float64) rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := max(a.minRate, min(a.maxRate, a.currentRate*rate.Limit(f)))
	a.currentRate = r
	a.limiter.SetLimit(r)
	return r
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher performs single rate-limited GETs. Failures worth retrying are
// returned as *resilience.TransientError; retrying is the caller's job.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cropsoil/1.0"
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:    opts,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.Rate), opts.Burst),
	}
}

// Limiter returns the fetcher's limiter.
func (f *HTTPFetcher) Limiter() *AdaptiveLimiter { return f.limiter }

// Close releases idle connections.
func (f *HTTPFetcher) Close() { f.client.CloseIdleConnections() }

// Download fetches rawURL and returns the body on 200.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}

	if resp.StatusCode == http.StatusOK {
		f.limiter.OnSuccess()
		return resp.Body, nil
	}

	_ = resp.Body.Close()
	statusErr := eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL)
	if resp.StatusCode == http.StatusTooManyRequests {
		f.limiter.OnRateLimit()
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return nil, statusErr
}

// DownloadToFile fetches rawURL into path. The body is written to a temporary
// file in the same directory and renamed into place only when complete.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	return WriteFileAtomic(path, body)
}

// WriteFileAtomic copies r to path through a temporary sibling file.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrapf(err, "fetcher: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create temp file")
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		// Truncated bodies are retried.
		return n, resilience.NewTransientError(eris.Wrapf(err, "fetcher: write %s", path), 0)
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrapf(err, "fetcher: close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return n, eris.Wrapf(err, "fetcher: rename to %s", path)
	}
	ok = true
	return n, nil
}
