package spread

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Counters are the per-period gate tallies.
type Counters struct {
	RegularSkipped          int
	RegularRefreshed        int
	RSSHubSkipped           int
	RSSHubRefreshed         int
	RSSHubFollowupsExecuted int
	RSSHubFollowupsQueued   int
}

// Total is the sum of all counters.
func (c Counters) Total() int {
	return c.RegularSkipped + c.RegularRefreshed + c.RSSHubSkipped + c.RSSHubRefreshed +
		c.RSSHubFollowupsExecuted + c.RSSHubFollowupsQueued
}

func (c Counters) summary() []string {
	var parts []string

	add := func(n int, format string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf(format, n))
		}
	}

	add(c.RegularSkipped, "%d regular feed(s) skipped (not their slot)")
	add(c.RegularRefreshed, "%d regular feed(s) refreshed")
	add(c.RSSHubSkipped, "%d RSSHub feed(s) skipped (not their slot)")
	add(c.RSSHubRefreshed, "%d RSSHub feed(s) refreshed")
	add(c.RSSHubFollowupsQueued, "%d RSSHub follow-up(s) queued")
	add(c.RSSHubFollowupsExecuted, "%d RSSHub follow-up(s) executed")

	return parts
}

// Stats aggregates gate decisions and logs one summary line per flush period.
type Stats struct {
	logger      *slog.Logger
	lastFlushAt time.Time
	counters    Counters
}

// NewStats returns an aggregator whose first period starts at start.
func NewStats(logger *slog.Logger, start time.Time) *Stats {
	return &Stats{logger: logger, lastFlushAt: start}
}

func (s *Stats) recordDecision(decision Decision, eligible bool) {
	switch decision {
	case DecisionPrimary:
		if eligible {
			s.counters.RSSHubRefreshed++
		} else {
			s.counters.RegularRefreshed++
		}
	case DecisionSkip:
		if eligible {
			s.counters.RSSHubSkipped++
		} else {
			s.counters.RegularSkipped++
		}
	case DecisionAwaitFollowup:
		s.counters.RSSHubSkipped++
	case DecisionFollowup:
		s.counters.RSSHubFollowupsExecuted++
	case DecisionUnmanaged:
	}
}

func (s *Stats) recordQueued() {
	s.counters.RSSHubFollowupsQueued++
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Counters {
	return s.counters
}

// LastFlushAt is the start of the current period.
func (s *Stats) LastFlushAt() time.Time {
	return s.lastFlushAt
}

// Reset zeroes the counters and starts a new period at now.
func (s *Stats) Reset(now time.Time) {
	s.counters = Counters{}
	s.lastFlushAt = now
}

// Flush logs and resets the counters when a full period has elapsed, or right away when
// force is set. Nothing happens while every counter is zero. It reports whether a summary
// was emitted.
func (s *Stats) Flush(now time.Time, force bool) bool {
	elapsed := now.Sub(s.lastFlushAt)
	if !force && elapsed < time.Duration(statsFlushInterval)*time.Second {
		return false
	}

	if s.counters.Total() == 0 {
		return false
	}

	period := "current period"
	if elapsed > 0 {
		period = fmt.Sprintf("last %d minute(s)", max(1, int(elapsed.Round(time.Minute)/time.Minute)))
	}

	s.logger.Info("feed refresh summary",
		"period", period,
		"summary", strings.Join(s.counters.summary(), ", "),
	)

	s.Reset(now)

	return true
}
