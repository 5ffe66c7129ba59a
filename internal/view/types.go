package view

import "time"

// FeedView is the JSON shape of one feed in the feed list.
type FeedView struct {
	LastUpdate         *time.Time `json:"last_update"`
	FollowupDue        *time.Time `json:"followup_due,omitempty"`
	Title              string     `json:"title"`
	URL                string     `json:"url"`
	RefreshMode        string     `json:"refresh_mode"`
	LastRefreshDisplay string     `json:"last_refresh"`
	LastError          string     `json:"last_error,omitempty"`
	ID                 int64      `json:"id"`
	ItemCount          int        `json:"item_count"`
}

// ItemView is the JSON shape of one feed item.
type ItemView struct {
	Published        *time.Time `json:"published,omitempty"`
	Title            string     `json:"title"`
	Link             string     `json:"link"`
	Summary          string     `json:"summary,omitempty"`
	PublishedCompact string     `json:"published_ago"`
	ID               int64      `json:"id"`
}

// ScheduleRow is one feed in the schedule preview.
type ScheduleRow struct {
	NextFetch  time.Time  `json:"next_fetch"`
	FollowupAt *time.Time `json:"followup_at,omitempty"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	NextIn     string     `json:"next_in"`
	FeedID     int64      `json:"feed_id"`
}

// ScheduleView is the schedule preview split by follow-up eligibility.
type ScheduleView struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Config      ScheduleConfigView `json:"config"`
	Followup    []ScheduleRow      `json:"followup"`
	Regular     []ScheduleRow      `json:"regular"`
}

// ScheduleConfigView is the operator facing scheduling configuration.
type ScheduleConfigView struct {
	LastDiscovery   *time.Time `json:"last_discovery,omitempty"`
	Hosts           string     `json:"hosts"`
	ParsedHosts     []string   `json:"parsed_hosts"`
	IntervalHours   int        `json:"interval_hours"`
	FollowupMinutes int        `json:"followup_minutes"`
	FollowupEnabled bool       `json:"followup_enabled"`
}

// ErrorView is the body of every failed JSON response.
type ErrorView struct {
	Error string `json:"error"`
}
