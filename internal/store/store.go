// Package store provides SQLite-backed persistence helpers for feeds, items and settings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	_ "modernc.org/sqlite" // Register the sqlite database/sql driver.

	"dailyspread/internal/view"
)

const maxItemsPerFeed = 200

// ErrFeedNotFound is returned when a feed id does not exist.
var ErrFeedNotFound = errors.New("feed not found")

// Open is part of the store package API.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite behaves best with a single connection for this workload.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;")
	if err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return db, nil
}

// Init is part of the store package API.
func Init(ctx context.Context, db *sql.DB) error {
	ctx = contextOrBackground(ctx)

	schema := `
CREATE TABLE IF NOT EXISTS feeds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	refresh_mode TEXT NOT NULL DEFAULT 'default',
	last_update INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	etag TEXT,
	last_modified TEXT,
	last_refreshed_at DATETIME,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id INTEGER NOT NULL,
	guid TEXT NOT NULL,
	title TEXT NOT NULL,
	link TEXT NOT NULL,
	summary TEXT,
	published_at DATETIME,
	created_at DATETIME NOT NULL,
	UNIQUE(feed_id, guid),
	FOREIGN KEY(feed_id) REFERENCES feeds(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tombstones (
	feed_id INTEGER NOT NULL,
	guid TEXT NOT NULL,
	deleted_at DATETIME NOT NULL,
	PRIMARY KEY (feed_id, guid),
	FOREIGN KEY(feed_id) REFERENCES feeds(id) ON DELETE CASCADE
);

CREATE TRIGGER IF NOT EXISTS tombstones_prune
AFTER INSERT ON tombstones
BEGIN
	DELETE FROM tombstones
	WHERE datetime(deleted_at) <= datetime('now', '-30 days');
END;

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	return ensureFeedScheduleColumns(ctx, db)
}

// UpsertFeed is part of the store package API. New feeds start with last_update = 0 and the
// default refresh mode.
func UpsertFeed(ctx context.Context, db *sql.DB, feedURL, title string) (int64, error) {
	ctx = contextOrBackground(ctx)

	now := time.Now().UTC()

	_, err := db.ExecContext(ctx, `
INSERT INTO feeds (url, title, created_at)
VALUES (?, ?, ?)
ON CONFLICT(url) DO UPDATE SET title = excluded.title
`, feedURL, fallbackString(title, feedURL), now)
	if err != nil {
		return 0, fmt.Errorf("upsert feed row: %w", err)
	}

	var id int64

	err = db.QueryRowContext(ctx, "SELECT id FROM feeds WHERE url = ?", feedURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup feed id by URL: %w", err)
	}

	return id, nil
}

// DeleteFeed is part of the store package API.
func DeleteFeed(ctx context.Context, db *sql.DB, feedID int64) error {
	ctx = contextOrBackground(ctx)

	res, err := db.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", feedID)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}

	return requireAffected(res, feedID)
}

// UpsertItems is part of the store package API.
func UpsertItems(ctx context.Context, db *sql.DB, feedID int64, items []*gofeed.Item) (int, error) {
	ctx = contextOrBackground(ctx)

	now := time.Now().UTC()

	stmt, err := db.PrepareContext(ctx, `
INSERT OR IGNORE INTO items
(feed_id, guid, title, link, summary, published_at, created_at)
SELECT ?, ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (
	SELECT 1 FROM tombstones WHERE feed_id = ? AND guid = ?
)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare item upsert statement: %w", err)
	}

	defer func() {
		closeErr := stmt.Close()
		if closeErr != nil {
			slog.Warn("stmt close failed", "err", closeErr)
		}
	}()

	inserted := 0

	for idx, item := range items {
		added, execErr := upsertItemWithStmt(ctx, stmt, feedID, idx, item, now)
		if execErr != nil {
			return inserted, execErr
		}

		inserted += added
	}

	return inserted, nil
}

func upsertItemWithStmt(
	ctx context.Context,
	stmt *sql.Stmt,
	feedID int64,
	idx int,
	item *gofeed.Item,
	now time.Time,
) (int, error) {
	guid := deriveItemGUID(feedID, idx, item)
	publishedAt := deriveItemPublishedAt(item)

	res, execErr := stmt.ExecContext(ctx,
		feedID,
		guid,
		fallbackString(item.Title, "(untitled)"),
		fallbackString(item.Link, "#"),
		strings.TrimSpace(item.Description),
		nullTimeToValue(publishedAt),
		now,
		feedID,
		guid,
	)
	if execErr != nil {
		return 0, fmt.Errorf("execute item upsert statement: %w", execErr)
	}

	affected, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("count upserted item rows: %w", rowsErr)
	}

	if affected <= 0 {
		return 0, nil
	}

	return int(affected), nil
}

func deriveItemGUID(feedID int64, idx int, item *gofeed.Item) string {
	candidates := []string{
		strings.TrimSpace(item.GUID),
		strings.TrimSpace(item.Link),
		strings.TrimSpace(item.Title),
	}
	for _, guid := range candidates {
		if guid != "" {
			return guid
		}
	}

	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC().Format(time.RFC3339Nano)
	}

	return fmt.Sprintf("feed-%d-item-%d", feedID, idx)
}

func deriveItemPublishedAt(item *gofeed.Item) sql.NullTime {
	switch {
	case item.PublishedParsed != nil:
		return sql.NullTime{Time: item.PublishedParsed.UTC(), Valid: true}
	case item.UpdatedParsed != nil:
		return sql.NullTime{Time: item.UpdatedParsed.UTC(), Valid: true}
	default:
		return sql.NullTime{}
	}
}

// EnforceItemLimit is part of the store package API. Items beyond the per-feed cap are
// tombstoned so that the next fetch does not bring them back.
func EnforceItemLimit(ctx context.Context, db *sql.DB, feedID int64) error {
	ctx = contextOrBackground(ctx)

	now := time.Now().UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enforce item limit transaction: %w", err)
	}

	defer func() {
		if err != nil {
			rollbackTx(tx)
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT OR IGNORE INTO tombstones (feed_id, guid, deleted_at)
SELECT feed_id, guid, ?
FROM items
WHERE feed_id = ?
  AND id NOT IN (
	SELECT id FROM items
	WHERE feed_id = ?
	ORDER BY COALESCE(published_at, created_at) DESC, id DESC
	LIMIT ?
  )
	`, now, feedID, feedID, maxItemsPerFeed)
	if err != nil {
		return fmt.Errorf("insert tombstones for pruned items: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
DELETE FROM items
WHERE feed_id = ?
  AND id NOT IN (
	SELECT id FROM items
	WHERE feed_id = ?
	ORDER BY COALESCE(published_at, created_at) DESC, id DESC
	LIMIT ?
  )
	`, feedID, feedID, maxItemsPerFeed)
	if err != nil {
		return fmt.Errorf("delete items beyond item limit: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit enforce item limit transaction: %w", err)
	}

	return nil
}

const feedViewColumns = `
SELECT f.id, f.title, f.url, f.refresh_mode, f.last_update,
       (SELECT COUNT(*) FROM items i WHERE i.feed_id = f.id) AS item_count,
       f.last_refreshed_at,
       f.last_error
FROM feeds f
`

// ListFeeds is part of the store package API.
func ListFeeds(ctx context.Context, db *sql.DB) ([]view.FeedView, error) {
	ctx = contextOrBackground(ctx)

	rows, err := db.QueryContext(ctx, feedViewColumns+"ORDER BY f.title COLLATE NOCASE, f.id ASC")
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}

	defer func() {
		closeErr := rows.Close()
		if closeErr != nil {
			slog.Warn("rows close failed", "err", closeErr)
		}
	}()

	feeds := make([]view.FeedView, 0)

	for rows.Next() {
		nextFeed, scanErr := scanFeedView(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		feeds = append(feeds, nextFeed)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("iterate feed rows: %w", rowsErr)
	}

	slog.Debug("db list feeds", "count", len(feeds))

	return feeds, nil
}

// GetFeed is part of the store package API.
func GetFeed(ctx context.Context, db *sql.DB, feedID int64) (view.FeedView, error) {
	ctx = contextOrBackground(ctx)

	row := db.QueryRowContext(ctx, feedViewColumns+"WHERE f.id = ?", feedID)

	feed, err := scanFeedView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return view.FeedView{}, fmt.Errorf("feed %d: %w", feedID, ErrFeedNotFound)
	}

	if err != nil {
		return view.FeedView{}, fmt.Errorf("scan feed %d: %w", feedID, err)
	}

	return feed, nil
}

// ListItems is part of the store package API.
func ListItems(ctx context.Context, db *sql.DB, feedID int64) ([]view.ItemView, error) {
	ctx = contextOrBackground(ctx)

	rows, err := db.QueryContext(ctx, `
SELECT id, title, link, summary, published_at
FROM items
WHERE feed_id = ?
ORDER BY COALESCE(published_at, created_at) DESC, id DESC
	`, feedID)
	if err != nil {
		return nil, fmt.Errorf("query items for feed %d: %w", feedID, err)
	}

	defer func() {
		closeErr := rows.Close()
		if closeErr != nil {
			slog.Warn("rows close failed", "err", closeErr)
		}
	}()

	items := make([]view.ItemView, 0)

	for rows.Next() {
		var (
			id        int64
			title     string
			link      string
			summary   sql.NullString
			published sql.NullTime
		)

		scanErr := rows.Scan(&id, &title, &link, &summary, &published)
		if scanErr != nil {
			return nil, fmt.Errorf("scan item row: %w", scanErr)
		}

		items = append(items, view.BuildItemView(id, title, link, summary, published))
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("iterate items for feed %d: %w", feedID, rowsErr)
	}

	slog.Debug("db list items", "feed_id", feedID, "count", len(items))

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedView(row rowScanner) (view.FeedView, error) {
	var (
		id          int64
		title       string
		url         string
		mode        string
		lastUpdate  int64
		itemCount   int
		lastChecked sql.NullTime
		lastError   sql.NullString
	)

	err := row.Scan(&id, &title, &url, &mode, &lastUpdate, &itemCount, &lastChecked, &lastError)
	if err != nil {
		return view.FeedView{}, fmt.Errorf("scan feed row: %w", err)
	}

	return view.BuildFeedView(view.FeedRow{
		ID:          id,
		Title:       title,
		URL:         stripCredentials(url),
		RefreshMode: mode,
		LastUpdate:  lastUpdate,
		ItemCount:   itemCount,
		LastChecked: lastChecked,
		LastError:   lastError,
	}, time.Now()), nil
}

// ensureFeedScheduleColumns adds the scheduling columns to databases created before they
// existed.
func ensureFeedScheduleColumns(ctx context.Context, db *sql.DB) error {
	columns := []struct {
		name string
		ddl  string
	}{
		{name: "refresh_mode", ddl: "ALTER TABLE feeds ADD COLUMN refresh_mode TEXT NOT NULL DEFAULT 'default'"},
		{name: "last_update", ddl: "ALTER TABLE feeds ADD COLUMN last_update INTEGER NOT NULL DEFAULT 0"},
	}

	for _, column := range columns {
		var present int

		err := db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM pragma_table_info('feeds')
WHERE name = ?
	`, column.name).Scan(&present)
		if err != nil {
			return fmt.Errorf("check feeds.%s column: %w", column.name, err)
		}

		if present > 0 {
			continue
		}

		_, err = db.ExecContext(ctx, column.ddl)
		if err != nil {
			return fmt.Errorf("add feeds.%s column: %w", column.name, err)
		}
	}

	return nil
}

func requireAffected(res sql.Result, feedID int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected feed rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("feed %d: %w", feedID, ErrFeedNotFound)
	}

	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}

	return ctx
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}

	return value
}

func nullTimeToValue(value sql.NullTime) any {
	if value.Valid {
		return value.Time
	}

	return nil
}

func nullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	return value
}

func rollbackTx(tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("tx rollback failed", "err", err)
	}
}
