package spread

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	StatusFollowupCompleted = "Follow-up completed"
	StatusFollowupReady     = "Follow-up ready now"
	StatusSingleRefresh     = "Single refresh (no follow-up)"

	queuedTimeLayout = "2006-01-02 15:04"
)

// PreviewRow is the timing of one managed feed.
type PreviewRow struct {
	FeedID    int64
	Name      string
	NextFetch time.Time
	Status    string
	// FollowupAt is zero when no follow-up is queued.
	FollowupAt time.Time
}

// Preview groups the managed feeds by follow-up eligibility. Both groups are sorted by
// next fetch time, then by feed id.
type Preview struct {
	GeneratedAt time.Time
	Followup    []PreviewRow
	Regular     []PreviewRow
}

// Preview computes the next fetch time and status of every default-mode feed. It does not
// change any state.
func (s *Scheduler) Preview(ctx context.Context) (Preview, error) {
	feeds, err := s.listFeeds(ctx)
	if err != nil {
		return Preview{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	unix := now.Unix()
	preview := Preview{
		GeneratedAt: now,
		Followup:    []PreviewRow{},
		Regular:     []PreviewRow{},
	}

	for _, feed := range feeds {
		if feed.RefreshMode() != RefreshDefault {
			continue
		}

		next := NextRefreshTime(feed.LastUpdate(), unix, s.slotLocked(feed), s.cfg.Interval)
		row := PreviewRow{
			FeedID:    feed.ID(),
			Name:      feed.Name(),
			NextFetch: time.Unix(next, 0).In(now.Location()),
		}

		if !s.cfg.IsEligible(feed.URL(false)) {
			row.Status = StatusSingleRefresh
			preview.Regular = append(preview.Regular, row)

			continue
		}

		if dueAt, ok := s.queue.DueAt(row.FeedID); ok {
			row.FollowupAt = time.Unix(dueAt, 0).In(now.Location())
		}

		row.Status = followupStatus(row.FollowupAt, now)
		preview.Followup = append(preview.Followup, row)
	}

	sortRows(preview.Followup)
	sortRows(preview.Regular)

	return preview, nil
}

func followupStatus(dueAt, now time.Time) string {
	if dueAt.IsZero() {
		return StatusFollowupCompleted
	}

	if !dueAt.After(now) {
		return StatusFollowupReady
	}

	return fmt.Sprintf("Follow-up queued for %s (%s)",
		dueAt.Format(queuedTimeLayout),
		humanize.RelTime(dueAt, now, "ago", "from now"),
	)
}

func sortRows(rows []PreviewRow) {
	slices.SortFunc(rows, func(a, b PreviewRow) int {
		return cmp.Or(
			a.NextFetch.Compare(b.NextFetch),
			cmp.Compare(a.FeedID, b.FeedID),
		)
	})
}
