package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/provia/docchat/internal/config"
)

// fetcher performs throttled GET requests for the web extractors.
type fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
}

func newFetcher(cfg config.ExtractionConfig) *fetcher {
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &fetcher{
		client:    &http.Client{Timeout: time.Duration(cfg.FetchTimeout) * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
	}
}

// get returns the body and status code of rawURL. Non-2xx responses are not
// errors here because challenge pages are usually served as 403 or 503.
func (f *fetcher) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, resp.StatusCode, fmt.Errorf("response exceeds %d bytes", f.maxBody)
	}
	return body, resp.StatusCode, nil
}
