package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/links"
	pubmemory "github.com/JakeFAU/catalog-crawler/internal/publisher/memory"
)

type stubFetcher struct {
	results map[string]crawler.FetchResult
}

func (f stubFetcher) FetchRaw(_ context.Context, url string) crawler.FetchResult {
	res, ok := f.results[url]
	if !ok {
		return crawler.FetchResult{URL: url, Kind: crawler.FetchTransportError, Cause: fmt.Errorf("no route to %s", url)}
	}
	res.URL = url
	return res
}

type markBacklog struct {
	mu     sync.Mutex
	marked map[int64]time.Time
	err    error
}

func (b *markBacklog) IDsNotProcessedSince(context.Context, time.Time, int, int, crawler.SortDirection) ([]int64, error) {
	return nil, nil
}

func (b *markBacklog) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.marked[id] = at
	return nil
}

type failingPublisher struct{}

func (failingPublisher) PublishPage(context.Context, crawler.EntityRef, string, string, time.Time) error {
	return errors.New("broker down")
}

func newProcessor(t *testing.T, kindName string, results map[string]crawler.FetchResult, pub crawler.PagePublisher) (*PageProcessor, *markBacklog) {
	t.Helper()
	kind, err := LookupKind(kindName)
	require.NoError(t, err)
	canon, err := links.New("https", "store.example.com")
	require.NoError(t, err)
	backlog := &markBacklog{marked: map[int64]time.Time{}}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	p, err := NewPageProcessor(kind, canon, stubFetcher{results: results}, pub, backlog, clock, nil)
	require.NoError(t, err)
	return p, backlog
}

func TestPageProcessorPublishesAndMarks(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	p, backlog := newProcessor(t, "scan-bundles", map[string]crawler.FetchResult{
		"https://store.example.com/bundle/5/": {Kind: crawler.FetchOK, StatusCode: 200, Body: "<html>bundle</html>"},
	}, pub)

	require.NoError(t, p.Process(context.Background(), 5))

	pages := pub.Pages()
	require.Len(t, pages, 1)
	require.Equal(t, crawler.EntityRef{Kind: crawler.KindBundle, ID: 5, URL: "https://store.example.com/bundle/5/"}, pages[0].Ref)
	require.Equal(t, "scan-bundles", pages[0].Worker)
	require.Equal(t, "<html>bundle</html>", pages[0].Body)
	require.Contains(t, backlog.marked, int64(5))
}

func TestPageProcessorGoneIsMarked(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	p, backlog := newProcessor(t, "scan-apps", map[string]crawler.FetchResult{
		"https://store.example.com/app/9/": {Kind: crawler.FetchGone, StatusCode: 302},
	}, pub)

	require.NoError(t, p.Process(context.Background(), 9))
	require.Empty(t, pub.Pages())
	require.Contains(t, backlog.marked, int64(9))
}

func TestPageProcessorFailuresLeaveIDUnmarked(t *testing.T) {
	t.Parallel()

	p, backlog := newProcessor(t, "scan-subs", map[string]crawler.FetchResult{
		"https://store.example.com/sub/1/": {Kind: crawler.FetchRateLimited, StatusCode: 429},
		"https://store.example.com/sub/2/": {Kind: crawler.FetchUnexpectedStatus, StatusCode: 500},
	}, nil)

	require.ErrorIs(t, p.Process(context.Background(), 1), crawler.ErrRateLimited)
	require.ErrorIs(t, p.Process(context.Background(), 2), crawler.ErrUnexpectedStatus)
	require.ErrorIs(t, p.Process(context.Background(), 3), crawler.ErrTransport)
	require.ErrorIs(t, p.Process(context.Background(), 0), crawler.ErrInvalidEntityID)
	require.Empty(t, backlog.marked)
}

func TestPageProcessorPublishFailure(t *testing.T) {
	t.Parallel()

	p, backlog := newProcessor(t, "aggregate-prices", map[string]crawler.FetchResult{
		"https://store.example.com/app/3/": {Kind: crawler.FetchOK, StatusCode: 200},
	}, failingPublisher{})

	require.ErrorContains(t, p.Process(context.Background(), 3), "broker down")
	require.Empty(t, backlog.marked)
}

func TestPageProcessorWithoutPublisher(t *testing.T) {
	t.Parallel()

	p, backlog := newProcessor(t, "scan-apps", map[string]crawler.FetchResult{
		"https://store.example.com/app/3/": {Kind: crawler.FetchOK, StatusCode: 200},
	}, nil)
	require.NoError(t, p.Process(context.Background(), 3))
	require.Contains(t, backlog.marked, int64(3))
}
