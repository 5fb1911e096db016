package booru

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"booruramen/internal/config"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
)

// Adapter translates a generic search query into a backend-specific request
// and normalizes the response into the common post shape.
//
// GetPosts swallows network and parse failures and returns an empty list;
// only VerifyConnection propagates errors, so the UI can report backend
// health.
type Adapter interface {
	Name() string
	// TagLimit is the maximum number of expensive search terms the backend
	// tolerates before rejecting or silently truncating the query.
	TagLimit() int
	GetPosts(ctx context.Context, q model.Query) ([]model.Post, error)
	VerifyConnection(ctx context.Context) error
}

// MinTagLimit returns the strictest tag budget across adapters. A multi-
// backend fan-out has to satisfy the strictest one.
func MinTagLimit(adapters []Adapter) int {
	min := 0
	for i, a := range adapters {
		if i == 0 || a.TagLimit() < min {
			min = a.TagLimit()
		}
	}
	return min
}

// New builds an adapter from a source config entry.
func New(sc config.SourceConfig) (Adapter, error) {
	switch sc.Type {
	case "danbooru":
		return NewDanbooru(sc), nil
	case "gelbooru":
		return NewGelbooru(sc), nil
	case "moebooru":
		return NewMoebooru(sc), nil
	}
	return nil, fmt.Errorf("unknown source type %q", sc.Type)
}

// httpDoer is the retrying, rate-limited HTTP layer shared by all adapters.
type httpDoer struct {
	source      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func newDoer(source string) httpDoer {
	return httpDoer{
		source:      source,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     newDefaultLimiter(),
		maxAttempts: getEnvInt("BOORU_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("BOORU_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *httpDoer) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				metrics.IncAPIRetry(c.source)
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				// jitter +/-20%
				jitter := time.Duration(float64(wait) * 0.2)
				if jitter > 0 {
					wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		metrics.IncAPIRetry(c.source)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

// newDefaultLimiter creates a rate limiter using env overrides if present.
func newDefaultLimiter() *rate.Limiter {
	rps := 2.0
	burst := 10
	if v := os.Getenv("BOORU_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	if v := os.Getenv("BOORU_API_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
