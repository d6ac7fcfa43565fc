// Package collyfetcher implements the page fetch collaborator using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements crawler.Fetcher with a single attempt per call. Redirects are
// not followed: the catalog answers removed entities with a redirect.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// outcome is filled in by the collector callbacks of one visit.
type outcome struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger.Named("fetcher"),
	}
}

// FetchRaw downloads url once and classifies the outcome.
func (f *Fetcher) FetchRaw(ctx context.Context, url string) crawler.FetchResult {
	var out outcome
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &out)

	// HTTP error statuses are delivered to OnResponse, so any error here is a
	// transport failure or cancellation and out may still be written concurrently.
	if err := runCollector(ctx, collector, url); err != nil {
		return crawler.FetchResult{URL: url, Kind: crawler.FetchTransportError, Cause: err}
	}
	res := classify(url, out)
	if !res.OK() {
		f.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.Stringer("kind", res.Kind),
			zap.Int("status", res.StatusCode),
		)
	}
	return res
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, out *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		out.status = r.StatusCode
		out.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			out.status = r.StatusCode
			out.body = append([]byte(nil), r.Body...)
		}
		out.err = err
	})
}

// classify maps an HTTP outcome onto the closed set of fetch kinds.
func classify(url string, out outcome) crawler.FetchResult {
	res := crawler.FetchResult{URL: url, StatusCode: out.status, Cause: out.err}
	switch {
	case out.status == 0:
		res.Kind = crawler.FetchTransportError
	case out.status >= 200 && out.status < 300:
		res.Kind = crawler.FetchOK
		res.Body = string(out.body)
		res.Cause = nil
	case out.status == http.StatusTooManyRequests:
		res.Kind = crawler.FetchRateLimited
	case out.status >= 300 && out.status < 400,
		out.status == http.StatusNotFound,
		out.status == http.StatusGone:
		res.Kind = crawler.FetchGone
	default:
		res.Kind = crawler.FetchUnexpectedStatus
	}
	return res
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
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
