package view

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"dailyspread/internal/content"
	"dailyspread/internal/spread"
)

// FeedRow carries the columns BuildFeedView needs.
type FeedRow struct {
	LastChecked sql.NullTime
	LastError   sql.NullString
	Title       string
	URL         string
	RefreshMode string
	LastUpdate  int64
	ID          int64
	ItemCount   int
}

func BuildFeedView(row FeedRow, now time.Time) FeedView {
	refreshDisplay := "Never"
	if row.LastChecked.Valid {
		refreshDisplay = humanize.RelTime(row.LastChecked.Time, now, "ago", "from now")
	}

	errText := ""
	if row.LastError.Valid {
		errText = row.LastError.String
	}

	return FeedView{
		ID:                 row.ID,
		Title:              row.Title,
		URL:                row.URL,
		RefreshMode:        string(spread.ParseRefreshMode(row.RefreshMode)),
		ItemCount:          row.ItemCount,
		LastUpdate:         unixPtr(row.LastUpdate),
		LastRefreshDisplay: refreshDisplay,
		LastError:          errText,
	}
}

func BuildItemView(id int64, title, link string, summary sql.NullString, published sql.NullTime) ItemView {
	item := ItemView{
		ID:               id,
		Title:            title,
		Link:             link,
		Summary:          content.PlainText(summary.String, content.DefaultSummaryLength),
		PublishedCompact: "na",
	}

	if published.Valid {
		at := published.Time
		item.Published = &at
		item.PublishedCompact = FormatRelativeShort(at, time.Now())
	}

	return item
}

// BuildScheduleView converts a scheduler preview. Times are rendered in loc.
func BuildScheduleView(preview spread.Preview, cfg spread.Config, loc *time.Location) ScheduleView {
	return ScheduleView{
		GeneratedAt: preview.GeneratedAt.In(loc),
		Config:      BuildScheduleConfigView(cfg),
		Followup:    buildScheduleRows(preview.Followup, preview.GeneratedAt, loc),
		Regular:     buildScheduleRows(preview.Regular, preview.GeneratedAt, loc),
	}
}

func buildScheduleRows(rows []spread.PreviewRow, now time.Time, loc *time.Location) []ScheduleRow {
	out := make([]ScheduleRow, 0, len(rows))

	for _, row := range rows {
		next := ScheduleRow{
			FeedID:    row.FeedID,
			Name:      row.Name,
			NextFetch: row.NextFetch.In(loc),
			Status:    row.Status,
			NextIn:    "now",
		}

		if row.NextFetch.After(now) {
			next.NextIn = "in " + FormatRelativeShort(now, row.NextFetch)
		}

		if !row.FollowupAt.IsZero() {
			at := row.FollowupAt.In(loc)
			next.FollowupAt = &at
		}

		out = append(out, next)
	}

	return out
}

func BuildScheduleConfigView(cfg spread.Config) ScheduleConfigView {
	hosts := cfg.Hosts
	if hosts == nil {
		hosts = []string{}
	}

	return ScheduleConfigView{
		Hosts:           cfg.HostInput,
		ParsedHosts:     hosts,
		IntervalHours:   cfg.IntervalHours(),
		FollowupMinutes: cfg.FollowupMinutes(),
		FollowupEnabled: cfg.FollowupsEnabled(),
		LastDiscovery:   unixPtr(cfg.LastDiscoveryAt),
	}
}

func FormatRelativeShort(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "na"
	}
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	case age < 365*24*time.Hour:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	default:
		return fmt.Sprintf("%dy", int(age.Hours()/(24*365)))
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}

	t := time.Unix(sec, 0).UTC()

	return &t
}
