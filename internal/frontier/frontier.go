// Package frontier holds the pieces of the distributed frontier that do not depend
// on a particular backing store: the day partition key, the Redis key layout, and
// the claim loop layered over ClaimNext and TryMarkExplored.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const dayLayout = "20060102"

// DayKey returns the partition key for the UTC calendar day containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextMidnight returns midnight UTC of the day after t.
func NextMidnight(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// Keys names the Redis keys of one day partition. The day is a hash tag so that
// every key of a partition lands in the same cluster slot.
type Keys struct {
	prefix string
	day    string
}

// KeysFor returns the key layout for day under prefix.
func KeysFor(prefix, day string) Keys {
	return Keys{prefix: prefix, day: day}
}

// ToExplore is the set of candidate URLs.
func (k Keys) ToExplore() string {
	return fmt.Sprintf("%s:frontier:{%s}:explore", k.prefix, k.day)
}

// Explored is the append-only set of claimed URLs.
func (k Keys) Explored() string {
	return fmt.Sprintf("%s:frontier:{%s}:explored", k.prefix, k.day)
}

// Lease is the in-flight marker of a claimed URL.
func (k Keys) Lease(url string) string {
	return fmt.Sprintf("%s:frontier:{%s}:lease:%s", k.prefix, k.day, url)
}

// Holding is a temporary set used while admitting discovered links.
func (k Keys) Holding(token string) string {
	return fmt.Sprintf("%s:frontier:{%s}:admit:%s", k.prefix, k.day, token)
}

// Claim pops URLs until one is successfully marked explored. A URL that loses the
// mark race was already handled elsewhere and is discarded. ok is false once the
// frontier is exhausted for today.
func Claim(ctx context.Context, f crawler.Frontier) (string, bool, error) {
	for {
		url, ok, err := f.ClaimNext(ctx)
		if err != nil {
			return "", false, fmt.Errorf("claim next: %w", err)
		}
		if !ok {
			return "", false, nil
		}
		marked, err := f.TryMarkExplored(ctx, url)
		if err != nil {
			// The URL is out of ToExplore but not yet explored; put it back.
			if _, readmitErr := f.AdmitDiscovered(ctx, []string{url}); readmitErr != nil {
				err = errors.Join(err, fmt.Errorf("readmit: %w", readmitErr))
			}
			return "", false, fmt.Errorf("mark explored %s: %w", url, err)
		}
		if marked {
			return url, true, nil
		}
	}
}
