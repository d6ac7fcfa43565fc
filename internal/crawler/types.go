package crawler

import (
	"fmt"
)

// EntityKind identifies what a canonical catalog URL points at.
type EntityKind string

// Entity kinds recognized by the classifier.
const (
	KindApp    EntityKind = "app"
	KindBundle EntityKind = "bundle"
	KindSub    EntityKind = "sub"
	KindOther  EntityKind = "other"
)

// EntityKinds lists the typed kinds that carry a numeric id, in registration order.
var EntityKinds = []EntityKind{KindApp, KindBundle, KindSub}

// IsTyped reports whether the kind carries a numeric catalog id.
func (k EntityKind) IsTyped() bool {
	return k == KindApp || k == KindBundle || k == KindSub
}

// EntityRef is the classification of a canonical URL.
type EntityRef struct {
	Kind EntityKind
	ID   int64
	URL  string
}

func (r EntityRef) String() string {
	if !r.Kind.IsTyped() {
		return fmt.Sprintf("%s(%s)", r.Kind, r.URL)
	}
	return fmt.Sprintf("%s{%d}", r.Kind, r.ID)
}

// FetchKind is the closed set of outcomes a page fetch can produce.
type FetchKind int

// Fetch outcomes.
const (
	FetchOK FetchKind = iota
	FetchRateLimited
	FetchGone
	FetchUnexpectedStatus
	FetchTransportError
)

func (k FetchKind) String() string {
	switch k {
	case FetchOK:
		return "ok"
	case FetchRateLimited:
		return "rate_limited"
	case FetchGone:
		return "gone"
	case FetchUnexpectedStatus:
		return "unexpected_status"
	case FetchTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchResult is what the page fetch collaborator hands back for one URL.
// Body is only meaningful when Kind is FetchOK.
type FetchResult struct {
	URL        string
	Kind       FetchKind
	StatusCode int
	Body       string
	Cause      error
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool {
	return r.Kind == FetchOK
}

// Err converts a failed result into an error matching the package sentinels.
// It returns nil for successful results.
func (r FetchResult) Err() error {
	if r.Kind == FetchOK {
		return nil
	}
	return &FetchError{URL: r.URL, Kind: r.Kind, StatusCode: r.StatusCode, Cause: r.Cause}
}

// ParsedPage is the subset of the parse collaborator's output the core consumes.
type ParsedPage struct {
	// Address is the canonical form of the page's own URL.
	Address string
	// Links holds every explorable canonical outbound link.
	Links []string
	// Entities holds typed references among Links, deduplicated.
	Entities []EntityRef
	// Ignored holds canonical links that were not admitted.
	Ignored []string
}

// SortDirection orders backlog pages.
type SortDirection string

// Backlog sort directions.
const (
	SortAscending  SortDirection = "asc"
	SortDescending SortDirection = "desc"
)

// Valid reports whether d is a known direction.
func (d SortDirection) Valid() bool {
	return d == SortAscending || d == SortDescending
}
