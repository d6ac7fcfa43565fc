package scanner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Processor handles one claimed id. Returning an error matching
// crawler.ErrRateLimited aborts the rest of the batch.
type Processor interface {
	Process(ctx context.Context, id int64) error
}

// EntityURLs builds canonical entity page URLs.
type EntityURLs interface {
	EntityURL(kind crawler.EntityKind, id int64) (string, error)
}

// PageProcessor fetches an entity page, hands it downstream, and marks the id done.
type PageProcessor struct {
	kind      Kind
	urls      EntityURLs
	fetcher   crawler.Fetcher
	publisher crawler.PagePublisher
	backlog   crawler.Backlog
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewPageProcessor wires a PageProcessor. publisher may be nil, in which case pages
// are only fetched and marked.
func NewPageProcessor(
	kind Kind,
	urls EntityURLs,
	fetcher crawler.Fetcher,
	publisher crawler.PagePublisher,
	backlog crawler.Backlog,
	clock crawler.Clock,
	logger *zap.Logger,
) (*PageProcessor, error) {
	if urls == nil || fetcher == nil || backlog == nil || clock == nil {
		return nil, errors.New("scanner: url builder, fetcher, backlog, and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageProcessor{
		kind:      kind,
		urls:      urls,
		fetcher:   fetcher,
		publisher: publisher,
		backlog:   backlog,
		clock:     clock,
		logger:    logger.Named("processor").With(zap.String("worker", kind.Name)),
	}, nil
}

// Process implements Processor. Gone pages count as processed so they leave the backlog.
func (p *PageProcessor) Process(ctx context.Context, id int64) error {
	url, err := p.urls.EntityURL(p.kind.Entity, id)
	if err != nil {
		return err
	}
	ref := crawler.EntityRef{Kind: p.kind.Entity, ID: id, URL: url}

	res := p.fetcher.FetchRaw(ctx, url)
	now := p.clock.Now()
	switch res.Kind {
	case crawler.FetchOK:
		if p.publisher != nil {
			if err := p.publisher.PublishPage(ctx, ref, p.kind.Name, res.Body, now); err != nil {
				return fmt.Errorf("publish %s: %w", ref, err)
			}
		}
	case crawler.FetchGone:
		p.logger.Warn("entity page gone", zap.String("url", url), zap.Int("status", res.StatusCode))
	default:
		return res.Err()
	}

	if err := p.backlog.MarkProcessed(ctx, id, now); err != nil {
		return fmt.Errorf("mark %s processed: %w", ref, err)
	}
	return nil
}
