package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/license-recon/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	Retry        resilience.RetryConfig
	RateLimiters map[string]*rate.Limiter
}

// HTTPFetcher implements Fetcher with per-host pacing and retries on
// transient failures.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

// DefaultRateLimiters paces the public license portals.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"ls.tsbde.texas.gov": rate.NewLimiter(2, 2),
		"data.wa.gov":        rate.NewLimiter(5, 5),
		"data.colorado.gov":  rate.NewLimiter(5, 5),
		"download.cms.gov":   rate.NewLimiter(1, 1),
	}
}

// NewHTTPFetcher creates an HTTPFetcher. Zero options take defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "license-recon/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.RateLimiters == nil {
		opts.RateLimiters = DefaultRateLimiters()
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: opts.RateLimiters,
		fallback: rate.NewLimiter(20, 20),
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err == nil {
		if lim, ok := f.limiters[u.Host]; ok {
			return lim
		}
	}
	return f.fallback
}

// Download fetches rawURL. The caller closes the body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	retry := f.opts.Retry
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("fetcher: download failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (io.ReadCloser, error) {
		if err := f.limiterFor(rawURL).Wait(ctx); err != nil {
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
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, resilience.CheckStatus(req.URL.Host, resp.StatusCode, body)
		}
		return resp.Body, nil
	})
}
