// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher performs a single rate-limited GET per call. Each call clones the
// base collector so no visited-URL state leaks between fetches.
type Fetcher struct {
	cfg           Config
	limiter       crawler.Limiter
	baseCollector *colly.Collector
}

// New builds a Fetcher. The limiter may be nil for unlimited fetching.
func New(cfg Config, limiter crawler.Limiter) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// fetchOutcome is everything the collector callbacks produce for one GET.
// A single goroutine owns it until it lands on the done channel, so Fetch
// can abandon a slow request on context cancellation without racing the
// callbacks that may still be running.
type fetchOutcome struct {
	resp    crawler.FetchResponse
	gotBody bool
	err     error
}

// Fetch executes a single HTTP GET. Transport failures come back as a
// *crawler.NetworkError; an HTTP error status is a valid response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, &crawler.NetworkError{URL: request.URL, Err: err}
		}
	}

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	done := make(chan fetchOutcome, 1)
	go func() {
		done <- visit(collector, request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, &crawler.NetworkError{URL: request.URL, Err: ctx.Err()}
	case out := <-done:
		if out.gotBody {
			return out.resp, nil
		}
		return crawler.FetchResponse{}, &crawler.NetworkError{URL: request.URL, Err: out.err}
	}
}

func visit(collector *colly.Collector, url string) fetchOutcome {
	var out fetchOutcome
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		out.resp = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		out.gotBody = true
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports HTTP error statuses here; keep them as responses so
		// the controller can classify without transport detail.
		if r != nil && r.StatusCode > 0 {
			out.resp = crawler.FetchResponse{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			out.gotBody = true
			return
		}
		out.err = err
	})

	visitErr := collector.Visit(url)
	// Visit also returns the HTTP error for non-2xx statuses; having a
	// response at all wins over whatever error text rode along with it.
	if out.gotBody {
		return out
	}
	if out.err == nil {
		if visitErr == nil {
			visitErr = errors.New("no response received")
		}
		out.err = visitErr
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
