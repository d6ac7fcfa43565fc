package explorer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/links"
	"github.com/JakeFAU/catalog-crawler/internal/parse"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

const (
	root    = "https://store.example.com/"
	app10   = "https://store.example.com/app/10/"
	bundle5 = "https://store.example.com/bundle/5/"
)

var testStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// fakeClock never advances; a sleep of at least stopAfter cancels the run.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	stopAfter time.Duration
	stop      context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	stop := c.stop != nil && d >= c.stopAfter
	c.mu.Unlock()
	if stop {
		c.stop()
		return context.Canceled
	}
	return ctx.Err()
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// scriptFetcher serves results per URL; the last scripted result repeats.
type scriptFetcher struct {
	mu      sync.Mutex
	scripts map[string][]crawler.FetchResult
	calls   map[string]int
	block   map[string]bool
	started chan string
}

func newScriptFetcher() *scriptFetcher {
	return &scriptFetcher{
		scripts: map[string][]crawler.FetchResult{},
		calls:   map[string]int{},
		block:   map[string]bool{},
		started: make(chan string, 64),
	}
}

func (f *scriptFetcher) page(url, body string) *scriptFetcher {
	return f.then(url, crawler.FetchResult{Kind: crawler.FetchOK, StatusCode: 200, Body: body})
}

func (f *scriptFetcher) then(url string, res crawler.FetchResult) *scriptFetcher {
	res.URL = url
	f.scripts[url] = append(f.scripts[url], res)
	return f
}

func (f *scriptFetcher) FetchRaw(ctx context.Context, url string) crawler.FetchResult {
	f.mu.Lock()
	n := f.calls[url]
	f.calls[url]++
	blocked := f.block[url]
	script := f.scripts[url]
	f.mu.Unlock()
	f.started <- url

	if blocked {
		<-ctx.Done()
		return crawler.FetchResult{URL: url, Kind: crawler.FetchTransportError, Cause: ctx.Err()}
	}
	if len(script) == 0 {
		return crawler.FetchResult{URL: url, Kind: crawler.FetchGone, StatusCode: 404}
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n]
}

func (f *scriptFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recordingRegistrar struct {
	mu    sync.Mutex
	known map[crawler.EntityRef]bool
	calls map[crawler.EntityKind][]int64
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{known: map[crawler.EntityRef]bool{}, calls: map[crawler.EntityKind][]int64{}}
}

func (r *recordingRegistrar) RegisterUnknown(_ context.Context, kind crawler.EntityKind, ids []int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[kind] = append(r.calls[kind], ids...)
	n := 0
	for _, id := range ids {
		key := crawler.EntityRef{Kind: kind, ID: id}
		if !r.known[key] {
			r.known[key] = true
			n++
		}
	}
	return n, nil
}

func (r *recordingRegistrar) registered(kind crawler.EntityKind) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls[kind]...)
}

type harness struct {
	clock     *fakeClock
	frontier  *memory.Frontier
	fetcher   *scriptFetcher
	registrar *recordingRegistrar
	logs      *observer.ObservedLogs
	explorer  *Explorer
	ctx       context.Context
}

func newHarness(t *testing.T, fetcher *scriptFetcher, mutate func(*Config)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := &fakeClock{now: testStart, stopAfter: time.Hour, stop: cancel}
	f := memory.NewFrontier(clock, 5*time.Minute, 72*time.Hour)
	canon, err := links.New("https", "store.example.com")
	require.NoError(t, err)
	parser, err := parse.New(canon, nil)
	require.NoError(t, err)
	registrar := newRecordingRegistrar()

	cfg := Config{
		Seeds:            []string{root},
		PrefetchDepth:    5,
		RateLimitBackoff: 300 * time.Second,
		ErrorBackoff:     60 * time.Second,
		MidnightSkew:     2 * time.Minute,
		ShutdownTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	core, logs := observer.New(zap.InfoLevel)
	e, err := New(f, fetcher, parser, registrar, clock, cfg, zap.New(core))
	require.NoError(t, err)
	return &harness{clock: clock, frontier: f, fetcher: fetcher, registrar: registrar, logs: logs, explorer: e, ctx: ctx}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.explorer.Run(h.ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("explorer did not stop")
	}
}

func (h *harness) backoffs() []time.Duration {
	var out []time.Duration
	for _, d := range h.clock.recorded() {
		if d < time.Hour {
			out = append(out, d)
		}
	}
	return out
}

func TestExplorerEndToEnd(t *testing.T) {
	t.Parallel()

	fetcher := newScriptFetcher().
		page(root, `<a href="/app/10/Foo/">Foo</a><a href="/app/10/">Foo</a><a href="/bundle/5/Bar/">Bar</a>`).
		page(app10, `<a href="/">home</a><a href="/bundle/5/">bar</a>`).
		page(bundle5, `<a href="/app/10/Foo/">Foo</a>`)
	h := newHarness(t, fetcher, nil)
	h.run(t)

	require.Equal(t, []int64{10}, h.registrar.registered(crawler.KindApp))
	require.Equal(t, []int64{5}, h.registrar.registered(crawler.KindBundle))
	require.Empty(t, h.registrar.registered(crawler.KindSub))

	toExplore, explored := h.frontier.Snapshot()
	require.Empty(t, toExplore)
	require.ElementsMatch(t, []string{root, app10, bundle5}, explored)
	for _, u := range []string{root, app10, bundle5} {
		require.Equal(t, 1, fetcher.count(u), u)
	}

	// The only sleep is until two minutes past the next midnight.
	require.Equal(t, []time.Duration{14*time.Hour + 2*time.Minute}, h.clock.recorded())

	var states []string
	for _, entry := range h.logs.FilterMessage("state transition").All() {
		states = append(states, entry.ContextMap()["state"].(string))
	}
	require.Equal(t, []string{"seeding", "exploring", "finalizing", "sleeping", "shutting_down"}, states)
}

func TestExplorerRateLimitBacksOffAndRetries(t *testing.T) {
	t.Parallel()

	fetcher := newScriptFetcher().
		then(root, crawler.FetchResult{Kind: crawler.FetchRateLimited, StatusCode: 429}).
		page(root, `<a href="/app/10/">Foo</a>`).
		page(app10, ``)
	h := newHarness(t, fetcher, nil)
	h.run(t)

	require.Equal(t, []time.Duration{300 * time.Second}, h.backoffs())
	require.Equal(t, 2, fetcher.count(root))
	require.Equal(t, []int64{10}, h.registrar.registered(crawler.KindApp))
	toExplore, explored := h.frontier.Snapshot()
	require.Empty(t, toExplore)
	require.ElementsMatch(t, []string{root, app10}, explored)
}

func TestExplorerGoneContinuesWithoutBackoff(t *testing.T) {
	t.Parallel()

	fetcher := newScriptFetcher().
		page(root, `<a href="/app/99/">Gone</a><a href="/app/10/">Foo</a>`).
		page(app10, ``)
	h := newHarness(t, fetcher, nil)
	h.run(t)

	require.Empty(t, h.backoffs())
	require.Equal(t, 1, fetcher.count("https://store.example.com/app/99/"))
	_, explored := h.frontier.Snapshot()
	require.Contains(t, explored, "https://store.example.com/app/99/")
	require.Len(t, h.logs.FilterMessage("page gone").All(), 1)
}

func TestExplorerTransportErrorRequeues(t *testing.T) {
	t.Parallel()

	fetcher := newScriptFetcher().
		page(root, `<a href="/app/10/">Foo</a>`).
		then(app10, crawler.FetchResult{Kind: crawler.FetchTransportError, Cause: errors.New("reset")}).
		page(app10, ``)
	h := newHarness(t, fetcher, nil)
	h.run(t)

	require.Equal(t, []time.Duration{60 * time.Second}, h.backoffs())
	require.Equal(t, 2, fetcher.count(app10))
	toExplore, explored := h.frontier.Snapshot()
	require.Empty(t, toExplore)
	require.Contains(t, explored, app10)
}

func TestExplorerUnexpectedStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	fetcher := newScriptFetcher().
		page(root, `<a href="/app/10/">Foo</a>`).
		then(app10, crawler.FetchResult{Kind: crawler.FetchUnexpectedStatus, StatusCode: 500})
	h := newHarness(t, fetcher, nil)
	h.run(t)

	require.Equal(t, []time.Duration{60 * time.Second}, h.backoffs())
	require.Equal(t, 1, fetcher.count(app10))
}

type flakySeedFrontier struct {
	*memory.Frontier
	failures int
}

func (f *flakySeedFrontier) Seed(ctx context.Context, urls []string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.Frontier.Seed(ctx, urls)
}

func TestExplorerSeedFailureBacksOff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{now: testStart, stopAfter: time.Hour, stop: cancel}
	f := &flakySeedFrontier{Frontier: memory.NewFrontier(clock, 5*time.Minute, 72*time.Hour), failures: 2}
	canon, err := links.New("https", "store.example.com")
	require.NoError(t, err)
	parser, err := parse.New(canon, nil)
	require.NoError(t, err)

	e, err := New(f, newScriptFetcher().page(root, ``), parser, newRecordingRegistrar(), clock, Config{
		Seeds:            []string{root},
		PrefetchDepth:    2,
		RateLimitBackoff: 300 * time.Second,
		ErrorBackoff:     60 * time.Second,
		ShutdownTimeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx))

	require.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second, 14 * time.Hour}, clock.recorded())
	_, explored := f.Snapshot()
	require.Equal(t, []string{root}, explored)
}

// midnightFetcher moves the clock to after once the first fetch of url starts.
type midnightFetcher struct {
	*scriptFetcher
	clock *fakeClock
	url   string
	after time.Time
	once  sync.Once
}

func (f *midnightFetcher) FetchRaw(ctx context.Context, url string) crawler.FetchResult {
	if url == f.url {
		f.once.Do(func() {
			f.clock.mu.Lock()
			f.clock.now = f.after
			f.clock.mu.Unlock()
		})
	}
	return f.scriptFetcher.FetchRaw(ctx, url)
}

type finalizeRecorder struct {
	*memory.Frontier
	mu   sync.Mutex
	days []string
}

func (f *finalizeRecorder) Finalize(ctx context.Context, day string) error {
	f.mu.Lock()
	f.days = append(f.days, day)
	f.mu.Unlock()
	return f.Frontier.Finalize(ctx, day)
}

func (f *finalizeRecorder) finalized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.days...)
}

func TestExplorerCrossingMidnightFinalizesSeededDayAndReseeds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC), stopAfter: time.Hour, stop: cancel}
	f := &finalizeRecorder{Frontier: memory.NewFrontier(clock, 5*time.Minute, 72*time.Hour)}
	canon, err := links.New("https", "store.example.com")
	require.NoError(t, err)
	parser, err := parse.New(canon, nil)
	require.NoError(t, err)
	scripted := newScriptFetcher().page(root, ``)
	fetcher := &midnightFetcher{
		scriptFetcher: scripted,
		clock:         clock,
		url:           root,
		after:         time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC),
	}

	core, logs := observer.New(zap.InfoLevel)
	e, err := New(f, fetcher, parser, newRecordingRegistrar(), clock, Config{
		Seeds:            []string{root},
		PrefetchDepth:    2,
		RateLimitBackoff: 300 * time.Second,
		ErrorBackoff:     60 * time.Second,
		MidnightSkew:     2 * time.Minute,
		ShutdownTimeout:  time.Second,
	}, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx))

	// The first day is finalized under its own key, and the new day is seeded
	// without sleeping because its wake time has already passed.
	require.Equal(t, []string{"20240501", "20240502"}, f.finalized())
	require.Equal(t, 2, scripted.count(root))
	require.Equal(t, []time.Duration{23*time.Hour + 57*time.Minute}, clock.recorded())

	var states []string
	for _, entry := range logs.FilterMessage("state transition").All() {
		states = append(states, entry.ContextMap()["state"].(string))
	}
	require.Equal(t, []string{
		"seeding", "exploring", "finalizing", "sleeping",
		"seeding", "exploring", "finalizing", "sleeping",
		"shutting_down",
	}, states)
}

func TestExplorerShutdownReturnsInFlightReservations(t *testing.T) {
	t.Parallel()

	blocked := []string{
		"https://store.example.com/app/1/",
		"https://store.example.com/app/2/",
		"https://store.example.com/app/3/",
	}
	fetcher := newScriptFetcher().page(root, `<a href="/app/1/">1</a><a href="/app/2/">2</a><a href="/app/3/">3</a>`)
	for _, u := range blocked {
		fetcher.block[u] = true
	}
	h := newHarness(t, fetcher, nil)
	ctx, cancel := context.WithCancel(h.ctx)
	h.ctx = ctx

	done := make(chan error, 1)
	go func() { done <- h.explorer.Run(ctx) }()

	seen := map[string]bool{}
	for len(seen) < 4 {
		select {
		case u := <-fetcher.started:
			seen[u] = true
		case <-time.After(5 * time.Second):
			t.Fatal("fetches did not start")
		}
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("explorer did not stop")
	}

	toExplore, explored := h.frontier.Snapshot()
	require.ElementsMatch(t, blocked, toExplore)
	require.Equal(t, []string{root}, explored)
	require.Equal(t, []int64{1, 2, 3}, h.registrar.registered(crawler.KindApp))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		Seeds:            []string{root},
		PrefetchDepth:    5,
		RateLimitBackoff: time.Second,
		ErrorBackoff:     time.Second,
		ShutdownTimeout:  time.Second,
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Config){
		"seeds":    func(c *Config) { c.Seeds = nil },
		"depth":    func(c *Config) { c.PrefetchDepth = 0 },
		"backoff":  func(c *Config) { c.ErrorBackoff = 0 },
		"skew":     func(c *Config) { c.MidnightSkew = -time.Second },
		"shutdown": func(c *Config) { c.ShutdownTimeout = 0 },
	} {
		cfg := valid
		mutate(&cfg)
		require.Errorf(t, cfg.Validate(), "case %s", name)
	}
}
