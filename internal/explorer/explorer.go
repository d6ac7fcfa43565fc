// Package explorer drives the daily discovery crawl: seed the frontier, drain it
// through the prefetch pipeline, finalize the day, and sleep until the next one.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/prefetch"
)

// State is a step of the explorer loop.
type State string

// Explorer states.
const (
	StateSeeding      State = "seeding"
	StateExploring    State = "exploring"
	StateFinalizing   State = "finalizing"
	StateSleeping     State = "sleeping"
	StateShuttingDown State = "shutting_down"
)

// Config tunes the explorer.
type Config struct {
	Seeds            []string
	PrefetchDepth    int
	RateLimitBackoff time.Duration
	ErrorBackoff     time.Duration
	MidnightSkew     time.Duration
	ShutdownTimeout  time.Duration
	LogIgnored       bool
}

// Validate checks the explorer configuration.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return errors.New("explorer: at least one seed url is required")
	}
	if c.PrefetchDepth <= 0 {
		return fmt.Errorf("explorer: prefetch depth must be positive, got %d", c.PrefetchDepth)
	}
	if c.RateLimitBackoff <= 0 || c.ErrorBackoff <= 0 {
		return errors.New("explorer: backoff durations must be positive")
	}
	if c.MidnightSkew < 0 {
		return errors.New("explorer: midnight skew must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("explorer: shutdown timeout must be positive")
	}
	return nil
}

// Explorer is the crawl orchestrator. It owns the prefetch pipeline and is the
// only place that decides backoff.
type Explorer struct {
	frontier  crawler.Frontier
	parser    crawler.Parser
	registrar crawler.Registrar
	clock     crawler.Clock
	pipeline  *prefetch.Pipeline
	cfg       Config
	logger    *zap.Logger

	// day is the partition seeded last; finalize and sleep work from it even when
	// exploring ran past midnight.
	day      string
	dayStart time.Time
}

// New wires an Explorer.
func New(
	f crawler.Frontier,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	registrar crawler.Registrar,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Explorer, error) {
	if f == nil || fetcher == nil || parser == nil || registrar == nil || clock == nil {
		return nil, errors.New("explorer: frontier, fetcher, parser, registrar, and clock are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("explorer")
	pipeline, err := prefetch.New(f, fetcher, cfg.PrefetchDepth, logger)
	if err != nil {
		return nil, fmt.Errorf("explorer: %w", err)
	}
	return &Explorer{
		frontier:  f,
		parser:    parser,
		registrar: registrar,
		clock:     clock,
		pipeline:  pipeline,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Name identifies the runner in logs.
func (e *Explorer) Name() string {
	return "explorer"
}

// Run loops through the daily cycle until ctx is cancelled. A cancelled context is
// a clean shutdown and yields nil.
func (e *Explorer) Run(ctx context.Context) error {
	state := StateSeeding
	for {
		e.enter(state)
		switch state {
		case StateSeeding:
			state = e.seed(ctx)
		case StateExploring:
			state = e.explore(ctx)
		case StateFinalizing:
			state = e.finalize(ctx)
		case StateSleeping:
			state = e.sleep(ctx)
		case StateShuttingDown:
			e.shutdown()
			return nil
		default:
			return fmt.Errorf("explorer: unknown state %q", state)
		}
	}
}

func (e *Explorer) enter(s State) {
	metrics.SetExplorerState(string(s))
	e.logger.Info("state transition", zap.String("state", string(s)))
}

func (e *Explorer) seed(ctx context.Context) State {
	for {
		now := e.clock.Now()
		err := e.frontier.Seed(ctx, e.cfg.Seeds)
		if err == nil {
			e.day = frontier.DayKey(now)
			e.dayStart = frontier.StartOfDay(now)
			e.logger.Info("seeded frontier",
				zap.String("day", e.day),
				zap.Int("seeds", len(e.cfg.Seeds)),
			)
			return StateExploring
		}
		if ctx.Err() != nil {
			return StateShuttingDown
		}
		e.logger.Error("seed frontier", zap.Error(err))
		if e.backoff(ctx, "error", e.cfg.ErrorBackoff) != nil {
			return StateShuttingDown
		}
	}
}

// explore drains the frontier, returning the state to move to once it is empty or
// the context is cancelled.
func (e *Explorer) explore(ctx context.Context) State {
	for {
		res, ok, err := e.pipeline.GetNext(ctx)
		if ctx.Err() != nil {
			if ok {
				e.requeue(ctx, res.URL)
			}
			return StateShuttingDown
		}
		if err != nil {
			e.logger.Error("prefetch", zap.Error(err))
			if e.backoff(ctx, "error", e.cfg.ErrorBackoff) != nil {
				return StateShuttingDown
			}
			continue
		}
		if !ok {
			return StateFinalizing
		}

		metrics.ObservePage(res.Kind.String())
		if wait, reason := e.handle(ctx, res); wait > 0 {
			if e.backoff(ctx, reason, wait) != nil {
				return StateShuttingDown
			}
		}
	}
}

// handle applies the outcome of one fetch and returns the backoff it calls for.
func (e *Explorer) handle(ctx context.Context, res crawler.FetchResult) (time.Duration, string) {
	log := e.logger.With(zap.String("url", res.URL))
	switch res.Kind {
	case crawler.FetchOK:
		if err := e.process(ctx, res); err != nil {
			log.Error("process page", zap.Error(err))
			e.requeue(ctx, res.URL)
			return e.cfg.ErrorBackoff, "error"
		}
		e.release(ctx, res.URL)
		return 0, ""
	case crawler.FetchGone:
		log.Warn("page gone", zap.Int("status", res.StatusCode))
		e.release(ctx, res.URL)
		return 0, ""
	case crawler.FetchRateLimited:
		log.Warn("rate limited", zap.Duration("backoff", e.cfg.RateLimitBackoff))
		e.requeue(ctx, res.URL)
		return e.cfg.RateLimitBackoff, "rate_limited"
	case crawler.FetchUnexpectedStatus:
		// A broken page is not retried today.
		log.Error("unexpected status", zap.Int("status", res.StatusCode), zap.Error(res.Err()))
		e.release(ctx, res.URL)
		return e.cfg.ErrorBackoff, "error"
	default:
		log.Error("fetch failed", zap.Error(res.Err()))
		e.requeue(ctx, res.URL)
		return e.cfg.ErrorBackoff, "error"
	}
}

// process parses a page, admits its links, and registers the typed entities that
// were not explored yet today.
func (e *Explorer) process(ctx context.Context, res crawler.FetchResult) error {
	page, err := e.parser.Parse(res.URL, res.Body)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	metrics.ObserveIgnored(len(page.Ignored))
	if e.cfg.LogIgnored {
		for _, u := range page.Ignored {
			e.logger.Debug("ignored link", zap.String("url", u), zap.String("page", page.Address))
		}
	}

	admitted, err := e.frontier.AdmitDiscovered(ctx, page.Links)
	if err != nil {
		return fmt.Errorf("admit discovered: %w", err)
	}
	metrics.ObserveAdmitted(len(admitted))

	fresh := make(map[string]struct{}, len(admitted))
	for _, u := range admitted {
		fresh[u] = struct{}{}
	}
	byKind := make(map[crawler.EntityKind][]int64)
	for _, ref := range page.Entities {
		if _, ok := fresh[ref.URL]; ok {
			byKind[ref.Kind] = append(byKind[ref.Kind], ref.ID)
		}
	}

	for _, kind := range crawler.EntityKinds {
		ids := byKind[kind]
		if len(ids) == 0 {
			continue
		}
		n, err := e.registrar.RegisterUnknown(ctx, kind, ids)
		if err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
		metrics.ObserveRegistered(string(kind), n)
		if n > 0 {
			e.logger.Info("registered new entities",
				zap.String("kind", string(kind)),
				zap.Int("new", n),
				zap.Int("candidates", len(ids)),
			)
		}
	}
	return nil
}

func (e *Explorer) release(ctx context.Context, url string) {
	if err := e.frontier.Release(ctx, url); err != nil {
		e.logger.Warn("release reservation", zap.String("url", url), zap.Error(err))
	}
}

// requeue returns url to the frontier even when ctx is already cancelled.
func (e *Explorer) requeue(ctx context.Context, url string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()
	n, err := e.frontier.CancelReservations(cctx, []string{url})
	metrics.ObserveCancelled(n)
	if err != nil {
		e.logger.Error("requeue url", zap.String("url", url), zap.Error(err))
	}
}

func (e *Explorer) finalize(ctx context.Context) State {
	if err := e.frontier.Finalize(ctx, e.day); err != nil {
		if ctx.Err() != nil {
			return StateShuttingDown
		}
		e.logger.Error("finalize frontier", zap.Error(err))
	}
	return StateSleeping
}

// sleep waits until shortly after the midnight that ends the seeded day. A crawl
// that finished after that point seeds the new day straight away.
func (e *Explorer) sleep(ctx context.Context) State {
	now := e.clock.Now()
	wake := frontier.NextMidnight(e.dayStart).Add(e.cfg.MidnightSkew)
	d := wake.Sub(now)
	if d <= 0 {
		e.logger.Info("day complete after rollover; seeding now",
			zap.String("day", e.day),
			zap.Duration("overrun", -d),
		)
		return StateSeeding
	}
	e.logger.Info("day complete", zap.String("day", e.day), zap.Time("wake_at", wake), zap.Duration("sleep", d))
	if err := e.clock.Sleep(ctx, d); err != nil {
		return StateShuttingDown
	}
	return StateSeeding
}

func (e *Explorer) backoff(ctx context.Context, reason string, d time.Duration) error {
	metrics.ObserveBackoff("explorer", reason, d)
	e.logger.Warn("backing off", zap.String("reason", reason), zap.Duration("delay", d))
	if err := e.clock.Sleep(ctx, d); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	return nil
}

// shutdown returns in-flight reservations so they are claimable again right away.
func (e *Explorer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	n, err := e.pipeline.Abort(ctx)
	if err != nil {
		e.logger.Error("cancel in-flight reservations", zap.Int("released", n), zap.Error(err))
		return
	}
	e.logger.Info("explorer stopped", zap.Int("released", n))
}
