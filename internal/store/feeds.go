package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"dailyspread/internal/spread"
)

// FeedRecord is the scheduling view of a feed row. It implements spread.Feed.
type FeedRecord struct {
	FeedURL    string
	Title      string
	Mode       spread.RefreshMode
	FeedID     int64
	LastUnix   int64
	ETag       string
	LastMod    string
	LastErrMsg string
}

// ID is part of the spread.Feed contract.
func (r *FeedRecord) ID() int64 { return r.FeedID }

// URL returns the feed URL; userinfo is dropped unless includeCredentials is set.
func (r *FeedRecord) URL(includeCredentials bool) string {
	if includeCredentials {
		return r.FeedURL
	}

	return stripCredentials(r.FeedURL)
}

func (r *FeedRecord) Name() string { return r.Title }

func (r *FeedRecord) LastUpdate() int64 { return r.LastUnix }

func (r *FeedRecord) RefreshMode() spread.RefreshMode { return r.Mode }

const feedRecordColumns = `
SELECT id, url, title, refresh_mode, last_update, etag, last_modified, last_error
FROM feeds
`

// ListFeedRecords returns every feed ordered by id.
func ListFeedRecords(ctx context.Context, db *sql.DB) ([]*FeedRecord, error) {
	ctx = contextOrBackground(ctx)

	rows, err := db.QueryContext(ctx, feedRecordColumns+"ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query feed records: %w", err)
	}

	defer func() {
		closeErr := rows.Close()
		if closeErr != nil {
			slog.Warn("rows close failed", "err", closeErr)
		}
	}()

	var records []*FeedRecord

	for rows.Next() {
		record, scanErr := scanFeedRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		records = append(records, record)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("iterate feed records: %w", rowsErr)
	}

	return records, nil
}

// GetFeedRecord is part of the store package API.
func GetFeedRecord(ctx context.Context, db *sql.DB, feedID int64) (*FeedRecord, error) {
	ctx = contextOrBackground(ctx)

	record, err := scanFeedRecord(db.QueryRowContext(ctx, feedRecordColumns+"WHERE id = ?", feedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", feedID, ErrFeedNotFound)
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

func scanFeedRecord(row rowScanner) (*FeedRecord, error) {
	var (
		record       FeedRecord
		mode         string
		etag         sql.NullString
		lastModified sql.NullString
		lastError    sql.NullString
	)

	err := row.Scan(
		&record.FeedID,
		&record.FeedURL,
		&record.Title,
		&mode,
		&record.LastUnix,
		&etag,
		&lastModified,
		&lastError,
	)
	if err != nil {
		return nil, fmt.Errorf("scan feed record: %w", err)
	}

	record.Mode = spread.ParseRefreshMode(mode)
	record.LastUnix = max(0, record.LastUnix)
	record.ETag = strings.TrimSpace(etag.String)
	record.LastMod = strings.TrimSpace(lastModified.String)
	record.LastErrMsg = lastError.String

	return &record, nil
}

// SetRefreshMode is part of the store package API.
func SetRefreshMode(ctx context.Context, db *sql.DB, feedID int64, mode spread.RefreshMode) error {
	ctx = contextOrBackground(ctx)

	res, err := db.ExecContext(ctx, "UPDATE feeds SET refresh_mode = ? WHERE id = ?", string(mode), feedID)
	if err != nil {
		return fmt.Errorf("update refresh mode: %w", err)
	}

	return requireAffected(res, feedID)
}

// RefreshMeta is the bookkeeping written after each fetch attempt.
type RefreshMeta struct {
	CheckedAt    time.Time
	ETag         string
	LastModified string
	LastError    string
	// Succeeded stamps last_update with CheckedAt. Failed fetches keep the previous value so
	// the feed stays due.
	Succeeded bool
}

// SaveRefreshMeta is part of the store package API.
func SaveRefreshMeta(ctx context.Context, db *sql.DB, feedID int64, meta RefreshMeta) error {
	ctx = contextOrBackground(ctx)

	if meta.CheckedAt.IsZero() {
		meta.CheckedAt = time.Now()
	}

	var lastUpdate any
	if meta.Succeeded {
		lastUpdate = meta.CheckedAt.Unix()
	}

	_, err := db.ExecContext(ctx, `
UPDATE feeds
SET etag = COALESCE(?, etag),
    last_modified = COALESCE(?, last_modified),
    last_refreshed_at = ?,
    last_error = ?,
    last_update = COALESCE(?, last_update)
WHERE id = ?
`,
		nullString(meta.ETag),
		nullString(meta.LastModified),
		meta.CheckedAt.UTC(),
		nullString(meta.LastError),
		lastUpdate,
		feedID,
	)
	if err != nil {
		return fmt.Errorf("update refresh meta for feed %d: %w", feedID, err)
	}

	return nil
}

// Lister adapts the feeds table to spread.FeedLister.
type Lister struct {
	DB *sql.DB
}

// ListFeeds is part of the spread.FeedLister contract.
func (l Lister) ListFeeds(ctx context.Context) ([]spread.Feed, error) {
	records, err := ListFeedRecords(ctx, l.DB)
	if err != nil {
		return nil, err
	}

	feeds := make([]spread.Feed, 0, len(records))
	for _, record := range records {
		feeds = append(feeds, record)
	}

	return feeds, nil
}

func stripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}

	u.User = nil

	return u.String()
}
