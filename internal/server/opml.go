package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dailyspread/internal/feed"
	"dailyspread/internal/opml"
	"dailyspread/internal/spread"
	"dailyspread/internal/store"
)

// ImportResult counts what an OPML import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportOPML subscribes to every feed listed in the document read from r, without fetching.
// Imported feeds start unfetched, and outlines marked custom keep that refresh mode.
func ImportOPML(ctx context.Context, db *sql.DB, r io.Reader) (ImportResult, error) {
	var result ImportResult

	subscriptions, err := opml.Parse(r)
	if err != nil {
		return result, err
	}

	for _, subscription := range subscriptions {
		feedURL, err := feed.NormalizeURL(subscription.URL)
		if err != nil {
			result.Skipped++

			continue
		}

		feedID, err := store.UpsertFeed(ctx, db, feedURL, subscription.Title)
		if err != nil {
			slog.Warn("opml import upsert failed", "err", err)
			result.Skipped++

			continue
		}

		if subscription.RefreshMode == spread.RefreshCustom {
			err = store.SetRefreshMode(ctx, db, feedID, spread.RefreshCustom)
			if err != nil {
				return result, fmt.Errorf("set refresh mode for feed %d: %w", feedID, err)
			}
		}

		result.Imported++
	}

	slog.Info("opml import complete", "imported", result.Imported, "skipped", result.Skipped)

	return result, nil
}

// ExportOPML writes every subscription, credentials stripped, as an OPML document.
func ExportOPML(ctx context.Context, db *sql.DB, w io.Writer) error {
	records, err := store.ListFeedRecords(ctx, db)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}

	subscriptions := make([]opml.Subscription, 0, len(records))
	for _, record := range records {
		subscriptions = append(subscriptions, opml.Subscription{
			Title:       record.Name(),
			URL:         record.URL(false),
			RefreshMode: record.RefreshMode(),
		})
	}

	return opml.Write(w, "DailySpread Subscriptions", subscriptions)
}

func (a *App) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	filename := "dailyspread-subscriptions-" + a.now().UTC().Format("20060102") + ".opml"

	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	err := ExportOPML(r.Context(), a.db, w)
	if err != nil {
		slog.Error("opml export failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to export opml")
	}
}

func (a *App) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLUploadBytes)

	err := r.ParseMultipartForm(maxOPMLUploadBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid OPML upload")

		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing OPML file")

		return
	}

	defer func() {
		closeErr := file.Close()
		if closeErr != nil {
			slog.Warn("opml upload close failed", "err", closeErr)
		}
	}()

	start := time.Now()

	result, err := ImportOPML(r.Context(), a.db, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid OPML file")

		return
	}

	if result.Imported == 0 {
		writeError(w, http.StatusBadRequest, "no valid feeds found in OPML")

		return
	}

	// queue follow-ups for the imported feeds right away
	a.sched.Reconcile(r.Context(), false)

	slog.Debug("opml import handled", "duration_ms", time.Since(start).Milliseconds())

	writeJSON(w, http.StatusOK, result)
}
