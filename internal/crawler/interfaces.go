package crawler

import (
	"context"
	"time"
)

// Clock returns the current time and sleeps cooperatively (useful for testing).
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Fetcher downloads a single page without retrying.
type Fetcher interface {
	FetchRaw(ctx context.Context, url string) FetchResult
}

// Parser extracts canonical outbound links from a fetched page.
type Parser interface {
	Parse(url string, body string) (ParsedPage, error)
}

// Registrar records catalog entities that have not been seen before.
type Registrar interface {
	// RegisterUnknown inserts ids not yet known for kind and returns how many were new.
	RegisterUnknown(ctx context.Context, kind EntityKind, ids []int64) (int, error)
}

// Frontier is the day-partitioned set of URLs to explore. Every operation derives
// its partition from the current UTC date at call time.
type Frontier interface {
	// Seed admits starting URLs; already explored ones are filtered out.
	Seed(ctx context.Context, urls []string) error
	// ClaimNext atomically pops one URL from ToExplore; ok is false when empty.
	ClaimNext(ctx context.Context) (url string, ok bool, err error)
	// TryMarkExplored adds url to Explored and leases it; false means another worker already did.
	TryMarkExplored(ctx context.Context, url string) (bool, error)
	// Release drops the lease on a URL whose processing finished.
	Release(ctx context.Context, url string) error
	// AdmitDiscovered moves candidates not yet explored into ToExplore and returns them.
	AdmitDiscovered(ctx context.Context, urls []string) ([]string, error)
	// Finalize bounds the lifetime of the partition for day, which may already be past.
	Finalize(ctx context.Context, day string) error
	// CancelReservations returns still-leased URLs to ToExplore and reports how many were released.
	CancelReservations(ctx context.Context, urls []string) (int, error)
}

// LeaseStore creates TTL reservations with check-and-set semantics.
type LeaseStore interface {
	// ReserveBatch attempts every key atomically; result[i] reports whether keys[i] was acquired.
	ReserveBatch(ctx context.Context, keys []string, ttl time.Duration) ([]bool, error)
}

// Backlog is a paginated source of entity ids awaiting periodic processing.
type Backlog interface {
	IDsNotProcessedSince(ctx context.Context, cutoff time.Time, page, pageSize int, dir SortDirection) ([]int64, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
}

// PagePublisher hands fetched pages to downstream extraction.
type PagePublisher interface {
	PublishPage(ctx context.Context, ref EntityRef, worker string, body string, fetchedAt time.Time) error
}
