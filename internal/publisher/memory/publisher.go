// Package memory contains an in-memory event recorder for tests and local runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Page is one recorded PublishPage call.
type Page struct {
	Ref       crawler.EntityRef
	Worker    string
	Body      string
	FetchedAt time.Time
}

// Publisher records page and entity events for inspection.
type Publisher struct {
	mu       sync.RWMutex
	pages    []Page
	entities map[crawler.EntityKind][]int64
}

var _ crawler.PagePublisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{entities: make(map[crawler.EntityKind][]int64)}
}

// PublishPage records the page.
func (p *Publisher) PublishPage(_ context.Context, ref crawler.EntityRef, worker string, body string, fetchedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, Page{Ref: ref, Worker: worker, Body: body, FetchedAt: fetchedAt})
	return nil
}

// PublishEntities records the ids under kind.
func (p *Publisher) PublishEntities(_ context.Context, kind crawler.EntityKind, ids []int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities[kind] = append(p.entities[kind], ids...)
	return nil
}

// Pages returns the recorded pages.
func (p *Publisher) Pages() []Page {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Page, len(p.pages))
	copy(out, p.pages)
	return out
}

// Entities returns the ids recorded for kind.
func (p *Publisher) Entities(kind crawler.EntityKind) []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]int64(nil), p.entities[kind]...)
}
