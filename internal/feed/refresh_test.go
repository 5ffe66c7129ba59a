//nolint:testpackage // Feed tests exercise package-internal helpers directly.
package feed

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"dailyspread/internal/store"
	"dailyspread/internal/testutil"
)

const (
	refreshFeedTitle         = "Refresh Feed"
	expectedInitialItemCount = 1
	expectedUpdatedItemCount = 2
)

func TestRefreshInsertsNewItems(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour)
	feedServer, feedURL := testutil.NewFeedServer(
		t,
		testutil.RSSXML(refreshFeedTitle, []testutil.RSSItem{{
			Title:       "First",
			Link:        "http://example.com/1",
			GUID:        "1",
			PubDate:     base.Format(time.RFC1123Z),
			Description: "<p>First summary</p>",
		}}),
	)
	database := testutil.OpenTestDB(t)
	refresher := NewRefresher(database, Options{})

	feedID, err := store.UpsertFeed(context.Background(), database, feedURL, refreshFeedTitle)
	if err != nil {
		t.Fatalf("store.UpsertFeed: %v", err)
	}

	_, refreshErr := refresher.Refresh(context.Background(), feedID)
	if refreshErr != nil {
		t.Fatalf("Refresh initial: %v", refreshErr)
	}

	assertFeedItemCount(t, database, feedID, expectedInitialItemCount, "first")

	feedServer.SetFeedXML(feedURL,
		testutil.RSSXML(refreshFeedTitle, []testutil.RSSItem{{
			Title:       "Second",
			Link:        "http://example.com/2",
			GUID:        "2",
			PubDate:     base.Add(time.Minute).Format(time.RFC1123Z),
			Description: "<p>Second summary</p>",
		}, {
			Title:       "First",
			Link:        "http://example.com/1",
			GUID:        "1",
			PubDate:     base.Format(time.RFC1123Z),
			Description: "<p>First summary</p>",
		}}),
	)

	inserted, refreshErr := refresher.Refresh(context.Background(), feedID)
	if refreshErr != nil {
		t.Fatalf("Refresh second: %v", refreshErr)
	}
	if inserted != 1 {
		t.Fatalf("expected 1 new item, got %d", inserted)
	}

	assertFeedItemCount(t, database, feedID, expectedUpdatedItemCount, "second")
}

func TestRefreshStampsLastUpdate(t *testing.T) {
	feedServer, feedURL := testutil.NewFeedServer(t, testutil.RSSXML(refreshFeedTitle, nil))
	database := testutil.OpenTestDB(t)

	checked := time.Unix(1_760_000_000, 0)
	refresher := NewRefresher(database, Options{Now: func() time.Time { return checked }})

	feedID, err := store.UpsertFeed(context.Background(), database, feedURL, refreshFeedTitle)
	if err != nil {
		t.Fatalf("store.UpsertFeed: %v", err)
	}

	if _, err := refresher.Refresh(context.Background(), feedID); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	assertLastUpdate(t, database, feedID, checked.Unix())

	feedServer.SetStatus(feedURL, http.StatusNotModified)
	checked = checked.Add(time.Hour)
	if _, err := refresher.Refresh(context.Background(), feedID); err != nil {
		t.Fatalf("Refresh not modified: %v", err)
	}
	assertLastUpdate(t, database, feedID, checked.Unix())

	feedServer.SetStatus(feedURL, http.StatusBadGateway)
	failedAt := checked.Add(time.Hour)
	checked = failedAt
	if _, err := refresher.Refresh(context.Background(), feedID); err == nil {
		t.Fatalf("expected error for 502 response")
	}
	assertLastUpdate(t, database, feedID, failedAt.Add(-time.Hour).Unix())
}

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL("  rsshub.app/github/issue/x ")
	if err != nil {
		t.Fatalf("NormalizeURL: %v", err)
	}
	if got != "https://rsshub.app/github/issue/x" {
		t.Fatalf("unexpected normalized URL %q", got)
	}

	for _, raw := range []string{"", "   ", "http://"} {
		if _, err := NormalizeURL(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func assertLastUpdate(t *testing.T, database *sql.DB, feedID, want int64) {
	t.Helper()

	record, err := store.GetFeedRecord(context.Background(), database, feedID)
	if err != nil {
		t.Fatalf("store.GetFeedRecord: %v", err)
	}
	if record.LastUpdate() != want {
		t.Fatalf("expected last_update %d, got %d", want, record.LastUpdate())
	}
}

func assertFeedItemCount(
	t *testing.T,
	database *sql.DB,
	feedID int64,
	want int,
	phase string,
) {
	t.Helper()

	items, err := store.ListItems(context.Background(), database, feedID)
	if err != nil {
		t.Fatalf("store.ListItems %s: %v", phase, err)
	}

	if len(items) != want {
		t.Fatalf(
			"expected %d items after %s refresh, got %d",
			want,
			phase,
			len(items),
		)
	}
}
