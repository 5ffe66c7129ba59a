package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"dailyspread/internal/spread"
	"dailyspread/internal/store"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultUserAgent    = "DailySpread/1.0"
	maxErrorLength      = 300
)

type FetchResult struct {
	Feed         *gofeed.Feed
	ETag         string
	LastModified string
	NotModified  bool
	StatusCode   int
}

// Gate decides per feed whether a cycle may fetch it. *spread.Scheduler implements it.
type Gate interface {
	BeginCycle(ctx context.Context)
	OnBeforeFetch(feed spread.Feed) spread.Decision
	EndCycle(ctx context.Context) error
}

// CycleResult counts what one refresh cycle did.
type CycleResult struct {
	Feeds      int
	Fetched    int
	Suppressed int
	Failed     int
}

// Options configures a Refresher. Zero values pick the defaults.
type Options struct {
	Client    *http.Client
	UserAgent string
	// FetchesPerSecond paces fetches within a cycle; 0 disables pacing.
	FetchesPerSecond float64
	Burst            int
	Now              func() time.Time
}

// Refresher fetches feeds and records the outcome in the store.
type Refresher struct {
	db        *sql.DB
	client    *http.Client
	limiter   *rate.Limiter
	now       func() time.Time
	userAgent string
}

func NewRefresher(db *sql.DB, opts Options) *Refresher {
	r := &Refresher{
		db:        db,
		client:    opts.Client,
		userAgent: opts.UserAgent,
		now:       opts.Now,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}

	if r.client == nil {
		r.client = &http.Client{Timeout: defaultFetchTimeout}
	}

	if strings.TrimSpace(r.userAgent) == "" {
		r.userAgent = defaultUserAgent
	}

	if r.now == nil {
		r.now = time.Now
	}

	if opts.FetchesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.FetchesPerSecond), max(1, opts.Burst))
	}

	return r
}

func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("feed URL is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.ParseRequestURI(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("feed URL looks invalid")
	}
	return u.String(), nil
}

func (r *Refresher) Fetch(ctx context.Context, feedURL, etag, lastModified string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if strings.TrimSpace(etag) != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if strings.TrimSpace(lastModified) != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			slog.Warn("response body close failed", "err", closeErr)
		}
	}()

	result := &FetchResult{
		ETag:         strings.TrimSpace(resp.Header.Get("ETag")),
		LastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
		StatusCode:   resp.StatusCode,
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d from feed", resp.StatusCode)
	}

	parser := gofeed.NewParser()
	feed, err := parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	result.Feed = feed
	return result, nil
}

// Refresh fetches one feed regardless of the scheduler. It returns the number of new items.
func (r *Refresher) Refresh(ctx context.Context, feedID int64) (int, error) {
	record, err := store.GetFeedRecord(ctx, r.db, feedID)
	if err != nil {
		slog.Error("refresh feed lookup failed", "feed_id", feedID, "err", err)
		return 0, err
	}

	return r.refreshRecord(ctx, record)
}

func (r *Refresher) refreshRecord(ctx context.Context, record *store.FeedRecord) (int, error) {
	feedID := record.ID()
	logURL := record.URL(false)

	start := time.Now()
	result, err := r.Fetch(ctx, record.URL(true), record.ETag, record.LastMod)
	duration := time.Since(start).Milliseconds()

	meta := store.RefreshMeta{CheckedAt: r.now()}

	if err != nil {
		meta.LastError = truncateString(err.Error(), maxErrorLength)
		r.saveMeta(ctx, feedID, meta)
		slog.Error("refresh feed fetch failed",
			"feed_id", feedID,
			"feed_url", logURL,
			"duration_ms", duration,
			"err", err,
		)
		return 0, err
	}

	meta.ETag = chooseHeader(result.ETag, record.ETag)
	meta.LastModified = chooseHeader(result.LastModified, record.LastMod)

	if result.NotModified {
		meta.Succeeded = true
		err = store.SaveRefreshMeta(ctx, r.db, feedID, meta)
		if err != nil {
			return 0, err
		}
		slog.Info("refresh feed cache hit",
			"feed_id", feedID,
			"feed_url", logURL,
			"status", result.StatusCode,
			"duration_ms", duration,
		)
		return 0, nil
	}

	if result.Feed == nil {
		meta.LastError = "feed returned no content"
		r.saveMeta(ctx, feedID, meta)
		slog.Warn("refresh feed returned no content",
			"feed_id", feedID,
			"feed_url", logURL,
			"status", result.StatusCode,
		)
		return 0, errors.New(meta.LastError)
	}

	inserted, err := store.UpsertItems(ctx, r.db, feedID, result.Feed.Items)
	if err != nil {
		meta.LastError = truncateString(err.Error(), maxErrorLength)
		r.saveMeta(ctx, feedID, meta)
		slog.Error("refresh upsert items failed", "feed_id", feedID, "feed_url", logURL, "err", err)
		return 0, err
	}

	err = store.EnforceItemLimit(ctx, r.db, feedID)
	if err != nil {
		meta.LastError = truncateString(err.Error(), maxErrorLength)
		r.saveMeta(ctx, feedID, meta)
		slog.Error("refresh enforce item limit failed", "feed_id", feedID, "feed_url", logURL, "err", err)
		return 0, err
	}

	meta.Succeeded = true
	err = store.SaveRefreshMeta(ctx, r.db, feedID, meta)
	if err != nil {
		return 0, err
	}

	slog.Info("refresh feed updated",
		"feed_id", feedID,
		"feed_url", logURL,
		"title", record.Name(),
		"status", result.StatusCode,
		"items_in_feed", len(result.Feed.Items),
		"items_new", inserted,
		"duration_ms", duration,
	)
	return inserted, nil
}

// RunCycle presents every feed to gate and fetches the allowed ones one after another.
// EndCycle always runs, even when ctx is cancelled part way.
func (r *Refresher) RunCycle(ctx context.Context, gate Gate) (CycleResult, error) {
	var result CycleResult

	gate.BeginCycle(ctx)

	defer func() {
		endErr := gate.EndCycle(context.WithoutCancel(ctx))
		if endErr != nil {
			slog.Warn("refresh cycle end failed", "err", endErr)
		}
	}()

	records, err := store.ListFeedRecords(ctx, r.db)
	if err != nil {
		return result, fmt.Errorf("list feeds for refresh cycle: %w", err)
	}

	result.Feeds = len(records)

	for _, record := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		decision := gate.OnBeforeFetch(record)
		if !decision.Allowed() {
			result.Suppressed++
			continue
		}

		err = r.limiter.Wait(ctx)
		if err != nil {
			return result, fmt.Errorf("wait for fetch slot: %w", err)
		}

		_, err = r.refreshRecord(ctx, record)
		if err != nil {
			result.Failed++
			continue
		}

		result.Fetched++
	}

	slog.Info("refresh cycle complete",
		"feeds", result.Feeds,
		"fetched", result.Fetched,
		"suppressed", result.Suppressed,
		"failed", result.Failed,
	)

	return result, nil
}

func (r *Refresher) saveMeta(ctx context.Context, feedID int64, meta store.RefreshMeta) {
	err := store.SaveRefreshMeta(ctx, r.db, feedID, meta)
	if err != nil {
		slog.Warn("save refresh meta failed", "feed_id", feedID, "err", err)
	}
}

func chooseHeader(preferred, fallback string) string {
	if strings.TrimSpace(preferred) != "" {
		return preferred
	}
	return fallback
}

func truncateString(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit]
}
