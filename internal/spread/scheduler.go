package spread

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Scheduler is the refresh gate. It owns the config snapshot, the follow-up queue and
// the stats aggregator. Methods are safe to call from several goroutines, but a refresh
// cycle is expected to run on one.
type Scheduler struct {
	store    ConfigStore
	feeds    FeedLister
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	queue    *Queue
	stats    *Stats
	salt     string
	cfg      Config
	mu       sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSalt sets the salt mixed into every slot hash.
func WithSalt(salt string) Option {
	return func(s *Scheduler) { s.salt = salt }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithObserver registers an observer for gate decisions.
func WithObserver(observer Observer) Option {
	return func(s *Scheduler) { s.observer = observer }
}

// New loads the configuration and the pending follow-ups from store. Missing settings are
// seeded with defaults, and follow-ups older than PruneFactor intervals are dropped and
// persisted right away. feeds may be nil when only the gate is needed.
func New(ctx context.Context, store ConfigStore, feeds FeedLister, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:    store,
		feeds:    feeds,
		observer: nopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("component", "dailyspread")

	err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	s.stats = NewStats(s.logger, s.now())

	return s, nil
}

func (s *Scheduler) loadLocked(ctx context.Context) error {
	cfg, seeded := LoadConfig(s.store)
	if seeded {
		err := s.store.Save(ctx)
		if err != nil {
			return fmt.Errorf("seed schedule config: %w", err)
		}
	}

	s.cfg = cfg
	s.queue = LoadQueue(s.store)

	return s.pruneLocked(ctx)
}

func (s *Scheduler) pruneLocked(ctx context.Context) error {
	if s.queue.Len() == 0 {
		return nil
	}

	threshold := s.now().Unix() - PruneFactor*s.cfg.Interval

	removed := s.queue.PruneOlderThan(threshold)
	if removed == 0 {
		return nil
	}

	err := s.queue.Persist(ctx, true)
	if err != nil {
		return err
	}

	s.logger.Info("removed stale follow-ups",
		"removed", removed,
		"older_than", time.Unix(threshold, 0).UTC().Format(time.RFC3339),
	)
	s.observer.ObservePending(s.queue.Len())

	return nil
}

// Config returns the current configuration snapshot.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	cfg.Hosts = append([]string(nil), s.cfg.Hosts...)

	return cfg
}

// Pending returns the follow-up due time of feedID, if one is queued.
func (s *Scheduler) Pending(feedID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dueAt, ok := s.queue.DueAt(feedID)
	if !ok {
		return time.Time{}, false
	}

	return time.Unix(dueAt, 0), true
}

// Stats returns the counters accumulated since the last flush.
func (s *Scheduler) Stats() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats.Snapshot()
}

// SlotFor returns the slot of a feed under the current interval and salt.
func (s *Scheduler) SlotFor(feed Feed) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.slotLocked(feed)
}

func (s *Scheduler) slotLocked(feed Feed) int64 {
	return Slot(feed.URL(false), feed.ID(), s.salt, s.cfg.Interval)
}

// BeginCycle runs discovery when the hourly throttle allows it.
func (s *Scheduler) BeginCycle(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.FollowupsEnabled() {
		return
	}

	now := s.now().Unix()
	if now-s.cfg.LastDiscoveryAt < discoveryInterval {
		return
	}

	s.reconcileLocked(ctx, false)

	s.cfg.LastDiscoveryAt = now
	s.store.SetInt(KeyLastDiscovery, now)

	err := s.queue.Persist(ctx, true)
	if err != nil {
		s.logger.Warn("persist after discovery failed", "err", err)
	}
}

// OnBeforeFetch decides whether feed may be fetched now. A suppressed feed must be
// presented again on later cycles; suppression lasts one cycle only.
func (s *Scheduler) OnBeforeFetch(feed Feed) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	feedID := feed.ID()

	if feed.RefreshMode() != RefreshDefault {
		s.logger.Debug("feed bypassed, custom refresh mode", "feed_id", feedID, "feed", feed.Name())
		s.observer.ObserveDecision(DecisionUnmanaged, false)

		return DecisionUnmanaged
	}

	now := s.now()
	unix := now.Unix()
	eligible := s.cfg.IsEligible(feed.URL(false))

	var decision Decision

	dueAt, pending := s.queue.DueAt(feedID)

	switch {
	case feed.LastUpdate() == 0:
		// A follow-up already queued by discovery stays in place.
		decision = s.primaryLocked(feed, unix, eligible)
	case pending && unix >= dueAt:
		s.queue.Clear(feedID)
		decision = DecisionFollowup
	case pending:
		decision = DecisionAwaitFollowup
	default:
		decision = s.primaryLocked(feed, unix, eligible)
	}

	s.stats.recordDecision(decision, eligible)
	s.observer.ObserveDecision(decision, eligible)
	s.observer.ObservePending(s.queue.Len())
	s.stats.Flush(now, false)

	if decision == DecisionPrimary && feed.LastUpdate() == 0 {
		s.logger.Debug("feed never updated, updating now", "feed_id", feedID, "feed", feed.Name())
	}

	return decision
}

func (s *Scheduler) primaryLocked(feed Feed, now int64, eligible bool) Decision {
	if !ShouldRunPrimary(feed.LastUpdate(), now, s.slotLocked(feed), s.cfg.Interval) {
		return DecisionSkip
	}

	if eligible && s.cfg.FollowupDelay > 0 && !s.queue.IsPending(feed.ID()) {
		s.queue.Schedule(feed.ID(), now+s.cfg.FollowupDelay)
		s.stats.recordQueued()
	}

	return DecisionPrimary
}

// EndCycle persists follow-up changes made during the cycle and flushes stats if the
// period is over. Persistence errors are logged and returned; the queue stays dirty and
// is retried at the next flush point.
func (s *Scheduler) EndCycle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Flush(s.now(), false)

	err := s.queue.Persist(ctx, false)
	if err != nil {
		s.logger.Warn("persist follow-ups failed", "err", err)

		return err
	}

	return nil
}

// Close persists a dirty queue and force-flushes the stats. Call it once when the host
// is done with the scheduler.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Flush(s.now(), true)

	if !s.queue.Dirty() {
		return nil
	}

	return s.queue.Persist(ctx, true)
}

// UpdateConfig applies an operator update, persists it together with the queue, and
// reconciles follow-ups right away.
func (s *Scheduler) UpdateConfig(ctx context.Context, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	update = update.normalized()

	s.store.SetInt(KeyInterval, int64(update.IntervalHours)*3600)
	s.store.SetInt(KeyFollowupDelay, int64(update.FollowupMinutes)*60)
	s.store.SetString(KeyFollowupHosts, update.Hosts)

	err := s.queue.Persist(ctx, true)
	if err != nil {
		return fmt.Errorf("save schedule config: %w", err)
	}

	err = s.loadLocked(ctx)
	if err != nil {
		return err
	}

	hostSummary := "none"
	if len(s.cfg.Hosts) > 0 {
		hostSummary = strings.Join(s.cfg.Hosts, ", ")
	}

	s.logger.Info("configuration updated",
		"interval_hours", s.cfg.IntervalHours(),
		"followup_minutes", s.cfg.FollowupMinutes(),
		"hosts", hostSummary,
	)

	if s.cfg.FollowupsEnabled() {
		s.reconcileLocked(ctx, true)
	}

	err = s.queue.Persist(ctx, false)
	if err != nil {
		return err
	}

	s.observer.ObservePending(s.queue.Len())

	return nil
}

func (s *Scheduler) listFeeds(ctx context.Context) ([]Feed, error) {
	if s.feeds == nil {
		return nil, ErrNoFeedLister
	}

	feeds, err := s.feeds.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}

	return feeds, nil
}
