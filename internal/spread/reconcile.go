package spread

import (
	"context"
)

// ReconcileResult counts the outcome of one discovery pass.
type ReconcileResult struct {
	Scheduled int
	Skipped   int
}

// Reconcile schedules a follow-up for every eligible default-mode feed that has none,
// at its next expected primary refresh plus the follow-up delay. Feeds that already have
// an entry are left alone. A listing failure is logged and yields an empty result.
//
// When forceLog is false the pass only logs if something was scheduled.
func (s *Scheduler) Reconcile(ctx context.Context, forceLog bool) ReconcileResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.reconcileLocked(ctx, forceLog)

	err := s.queue.Persist(ctx, false)
	if err != nil {
		s.logger.Warn("persist follow-ups failed", "err", err)
	}

	return result
}

func (s *Scheduler) reconcileLocked(ctx context.Context, forceLog bool) ReconcileResult {
	var result ReconcileResult

	if !s.cfg.FollowupsEnabled() {
		return result
	}

	feeds, err := s.listFeeds(ctx)
	if err != nil {
		s.logger.Warn("follow-up discovery failed", "err", err)

		return result
	}

	now := s.now().Unix()

	for _, feed := range feeds {
		if feed.RefreshMode() != RefreshDefault {
			continue
		}

		if !s.cfg.IsEligible(feed.URL(false)) {
			continue
		}

		if s.queue.IsPending(feed.ID()) {
			result.Skipped++

			continue
		}

		next := NextRefreshTime(feed.LastUpdate(), now, s.slotLocked(feed), s.cfg.Interval)
		s.queue.Schedule(feed.ID(), next+s.cfg.FollowupDelay)
		result.Scheduled++
	}

	if result.Scheduled > 0 || forceLog {
		s.logger.Info("follow-up discovery",
			"scheduled", result.Scheduled,
			"skipped", result.Skipped,
		)
	}

	if result.Scheduled > 0 {
		s.observer.ObservePending(s.queue.Len())
	}

	return result
}
