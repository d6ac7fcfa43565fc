package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the crawler.
var (
	ErrRateLimited      = errors.New("rate limited by target")
	ErrGone             = errors.New("page removed")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrTransport        = errors.New("transport error")
	ErrInvalidURL       = errors.New("invalid url")
	ErrForeignHost      = errors.New("url not on target host")
	ErrInvalidEntityID  = errors.New("invalid entity id")
)

// FetchError describes a failed fetch. It matches the fetch sentinels via errors.Is.
type FetchError struct {
	URL        string
	Kind       FetchKind
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Is maps the fetch kind onto the package sentinels.
func (e *FetchError) Is(target error) bool {
	switch e.Kind {
	case FetchRateLimited:
		return target == ErrRateLimited
	case FetchGone:
		return target == ErrGone
	case FetchUnexpectedStatus:
		return target == ErrUnexpectedStatus
	case FetchTransportError:
		return target == ErrTransport
	default:
		return false
	}
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}
