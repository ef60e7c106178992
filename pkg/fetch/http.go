package fetch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"golang.org/x/sync/singleflight"
)

type HTTPConfig struct {
	URL     string         `yaml:"url"`
	Timeout time.Duration  `yaml:"timeout"`
	Backoff backoff.Config `yaml:"backoff"`
}

func (cfg *HTTPConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.URL, "fetch.url", "", "URL of the module image. The server must support range requests.")
	f.DurationVar(&cfg.Timeout, "fetch.timeout", 30*time.Second, "Timeout of a single range request.")
	cfg.Backoff.RegisterFlagsWithPrefix("fetch", f)
}

func (cfg *HTTPConfig) Validate() error {
	if cfg.URL == "" {
		return errors.New("fetch url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return fmt.Errorf("invalid fetch url: %w", err)
	}
	if cfg.Timeout <= 0 {
		return errors.New("invalid fetch timeout, must be positive")
	}
	return nil
}

// HTTPFetcher reads module images with HTTP range requests. Transient
// failures are retried with backoff; a request that still fails is reported
// as an empty delivery, which the reader surfaces as end of data.
type HTTPFetcher struct {
	cfg    HTTPConfig
	client *http.Client
	logger log.Logger

	// Deduplicates concurrent requests for the same range.
	group singleflight.Group
}

// NewHTTPFetcher creates a fetcher for cfg.URL. A nil client selects a
// client with a pooled transport.
func NewHTTPFetcher(logger log.Logger, cfg HTTPConfig, client *http.Client) (*HTTPFetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		}
	}
	return &HTTPFetcher{
		cfg:    cfg,
		client: client,
		logger: log.With(logger, "url", cfg.URL),
	}, nil
}

// Size returns the length of the image as announced by the server.
func (f *HTTPFetcher) Size(ctx context.Context) (int64, error) {
	v, err, _ := f.group.Do("size", func() (interface{}, error) {
		return f.withRetries(ctx, func(ctx context.Context) (interface{}, error) {
			return f.doSize(ctx)
		})
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (f *HTTPFetcher) doSize(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return parseContentRangeSize(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return 0, errors.New("server did not announce the content length")
		}
		return resp.ContentLength, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// Empty images cannot satisfy any range.
		return parseContentRangeSize(resp.Header.Get("Content-Range"))
	default:
		return 0, httpStatusError{statusCode: resp.StatusCode}
	}
}

// parseContentRangeSize extracts the complete length from a Content-Range
// header such as "bytes 0-0/1234" or "bytes */1234".
func parseContentRangeSize(v string) (int64, error) {
	i := strings.LastIndexByte(v, '/')
	if !strings.HasPrefix(v, "bytes ") || i < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	size, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", v, err)
	}
	return size, nil
}

// FetchChunk requests len(dst) bytes at off.
func (f *HTTPFetcher) FetchChunk(dst []byte, off int64) int {
	if len(dst) == 0 || off < 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	key := strconv.FormatInt(off, 10) + ":" + strconv.Itoa(len(dst))
	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		return f.withRetries(ctx, func(ctx context.Context) (interface{}, error) {
			return f.doRange(ctx, off, int64(len(dst)))
		})
	})
	if err != nil {
		level.Warn(f.logger).Log("msg", "failed to fetch module range", "offset", off, "length", len(dst), "err", err)
		return 0
	}
	return copy(dst, v.([]byte))
}

func (f *HTTPFetcher) doRange(ctx context.Context, off, n int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the range.
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to skip to offset %d: %w", off, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	default:
		return nil, httpStatusError{statusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

func (f *HTTPFetcher) withRetries(ctx context.Context, attempt func(context.Context) (interface{}, error)) (interface{}, error) {
	b := backoff.New(ctx, f.cfg.Backoff)
	var (
		lastErr  error
		attempts int
	)
	for b.Ongoing() {
		attempts++
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		level.Debug(f.logger).Log("msg", "retrying module request", "attempt", attempts, "err", err)
		b.Wait()
	}
	if lastErr == nil {
		lastErr = b.Err()
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

type httpStatusError struct {
	statusCode int
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.statusCode)
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
