// Package spread decides when feeds refresh so that fetches are spread evenly over a
// refresh interval, and schedules one follow-up fetch for feeds on configured hosts.
package spread

import (
	"context"
	"errors"
)

// RefreshMode tells whether a feed follows the default refresh policy.
type RefreshMode string

const (
	// RefreshDefault feeds are managed by the scheduler.
	RefreshDefault RefreshMode = "default"
	// RefreshCustom feeds keep their own cadence and pass through untouched.
	RefreshCustom RefreshMode = "custom"
)

// ParseRefreshMode maps stored or user supplied text to a RefreshMode.
// Anything that is not "custom" is treated as default.
func ParseRefreshMode(raw string) RefreshMode {
	if raw == string(RefreshCustom) {
		return RefreshCustom
	}

	return RefreshDefault
}

// Feed is the read-only view of a host feed the scheduler needs.
type Feed interface {
	ID() int64
	URL(includeCredentials bool) string
	Name() string
	// LastUpdate is the epoch second of the last successful fetch, 0 when never fetched.
	LastUpdate() int64
	RefreshMode() RefreshMode
}

// FeedLister lists every feed known to the host.
type FeedLister interface {
	ListFeeds(ctx context.Context) ([]Feed, error)
}

// ConfigStore is a user scoped key/value store holding scalars and integer maps.
// Setters only stage values; Save writes them out.
type ConfigStore interface {
	HasKey(key string) bool
	Int(key string) (int64, bool)
	String(key string) (string, bool)
	IntMap(key string) (map[int64]int64, bool)
	SetInt(key string, value int64)
	SetString(key string, value string)
	SetIntMap(key string, value map[int64]int64)
	Save(ctx context.Context) error
}

// Observer receives every gate decision. Implementations must not block.
type Observer interface {
	ObserveDecision(decision Decision, followupEligible bool)
	ObservePending(pending int)
}

// ErrNoFeedLister is returned by operations that need the feed set when none was given.
var ErrNoFeedLister = errors.New("spread: no feed lister configured")

type nopObserver struct{}

func (nopObserver) ObserveDecision(Decision, bool) {}
func (nopObserver) ObservePending(int)             {}
