package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dailyspread/internal/feed"
	"dailyspread/internal/spread"
	"dailyspread/internal/store"
	"dailyspread/internal/view"
)

var errFeedReturnedNoContent = errors.New("feed returned no content")

// refreshResponse is the body of a manual refresh.
type refreshResponse struct {
	Feed     view.FeedView `json:"feed"`
	Error    string        `json:"error,omitempty"`
	NewItems int           `json:"new_items"`
}

func (a *App) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := store.ListFeeds(r.Context(), a.db)
	if err != nil {
		slog.Error("list feeds failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load feeds")

		return
	}

	for i := range feeds {
		a.annotateFollowup(&feeds[i])
	}

	writeJSON(w, http.StatusOK, feeds)
}

func (a *App) annotateFollowup(fv *view.FeedView) {
	if due, ok := a.sched.Pending(fv.ID); ok {
		due = due.In(a.loc)
		fv.FollowupDue = &due
	}
}

func (a *App) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")

		return
	}

	feedID, err := a.subscribeAndStoreFeed(r.Context(), r.FormValue("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if spread.ParseRefreshMode(r.FormValue("mode")) == spread.RefreshCustom {
		err = store.SetRefreshMode(r.Context(), a.db, feedID, spread.RefreshCustom)
		if err != nil {
			slog.Error("subscribe set refresh mode failed", "feed_id", feedID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to set refresh mode")

			return
		}
	}

	a.writeFeed(w, r, http.StatusCreated, feedID)
}

// subscribeAndStoreFeed validates the feed with one fetch and stores its items. The
// refresh bookkeeping is left untouched so the scheduler sees the feed as never fetched.
func (a *App) subscribeAndStoreFeed(ctx context.Context, rawURL string) (int64, error) {
	feedURL, err := feed.NormalizeURL(rawURL)
	if err != nil {
		return 0, fmt.Errorf("normalize feed URL: %w", err)
	}

	start := time.Now()

	result, err := a.refresher.Fetch(ctx, feedURL, "", "")
	if err != nil {
		slog.Error("subscribe fetch failed", "err", err)

		return 0, fmt.Errorf("fetch feed: %w", err)
	}

	if result.NotModified || result.Feed == nil {
		slog.Warn("subscribe feed returned no content")

		return 0, errFeedReturnedNoContent
	}

	feedID, err := store.UpsertFeed(ctx, a.db, feedURL, strings.TrimSpace(result.Feed.Title))
	if err != nil {
		return 0, fmt.Errorf("upsert feed: %w", err)
	}

	_, err = store.UpsertItems(ctx, a.db, feedID, result.Feed.Items)
	if err != nil {
		return 0, fmt.Errorf("upsert feed items: %w", err)
	}

	err = store.EnforceItemLimit(ctx, a.db, feedID)
	if err != nil {
		return 0, fmt.Errorf("enforce item limit: %w", err)
	}

	slog.Info("subscribe feed stored",
		"feed_id", feedID,
		"items", len(result.Feed.Items),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return feedID, nil
}

func (a *App) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := parsePathInt64(r, "feedID")
	if !ok {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	err := store.DeleteFeed(r.Context(), a.db, feedID)
	if errors.Is(err, store.ErrFeedNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	if err != nil {
		slog.Error("delete feed failed", "feed_id", feedID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete feed")

		return
	}

	slog.Info("feed deleted", "feed_id", feedID)

	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSetRefreshMode(w http.ResponseWriter, r *http.Request) {
	feedID, ok := parsePathInt64(r, "feedID")
	if !ok {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	err := r.ParseForm()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")

		return
	}

	raw := strings.TrimSpace(r.FormValue("mode"))
	if raw != string(spread.RefreshDefault) && raw != string(spread.RefreshCustom) {
		writeError(w, http.StatusBadRequest, "mode must be default or custom")

		return
	}

	err = store.SetRefreshMode(r.Context(), a.db, feedID, spread.RefreshMode(raw))
	if errors.Is(err, store.ErrFeedNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	if err != nil {
		slog.Error("set refresh mode failed", "feed_id", feedID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to set refresh mode")

		return
	}

	slog.Info("feed refresh mode changed", "feed_id", feedID, "mode", raw)

	a.writeFeed(w, r, http.StatusOK, feedID)
}

func (a *App) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := parsePathInt64(r, "feedID")
	if !ok {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	a.refreshMu.Lock()
	if a.stopped {
		a.refreshMu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting down")

		return
	}
	inserted, err := a.refresher.Refresh(r.Context(), feedID)
	a.refreshMu.Unlock()

	if errors.Is(err, store.ErrFeedNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	var resp refreshResponse
	resp.NewItems = inserted

	if err != nil {
		slog.Warn("manual refresh failed", "feed_id", feedID, "err", err)
		resp.Error = err.Error()
	}

	resp.Feed, err = store.GetFeed(r.Context(), a.db, feedID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load feed")

		return
	}

	a.annotateFollowup(&resp.Feed)

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleFeedItems(w http.ResponseWriter, r *http.Request) {
	feedID, ok := parsePathInt64(r, "feedID")
	if !ok {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	_, err := store.GetFeed(r.Context(), a.db, feedID)
	if errors.Is(err, store.ErrFeedNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")

		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load feed")

		return
	}

	items, err := store.ListItems(r.Context(), a.db, feedID)
	if err != nil {
		slog.Error("list items failed", "feed_id", feedID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load items")

		return
	}

	writeJSON(w, http.StatusOK, items)
}

func (a *App) writeFeed(w http.ResponseWriter, r *http.Request, status int, feedID int64) {
	fv, err := store.GetFeed(r.Context(), a.db, feedID)
	if err != nil {
		slog.Error("load feed failed", "feed_id", feedID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load feed")

		return
	}

	a.annotateFollowup(&fv)

	writeJSON(w, status, fv)
}
