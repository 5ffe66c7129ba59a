package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"dailyspread/internal/store"
)

// FeedServer answers feed requests through a stubbed http.DefaultTransport. Tests that use
// it must not run in parallel.
type FeedServer struct {
	feeds  map[string]string
	status map[string]int
	hits   map[string]int
	mu     sync.RWMutex
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// NewFeedServer installs the stub and registers one feed named after the test.
func NewFeedServer(t *testing.T, feedXML string) (*FeedServer, string) {
	t.Helper()
	fs := &FeedServer{
		feeds:  map[string]string{},
		status: map[string]int{},
		hits:   map[string]int{},
	}
	feedURL := fs.AddFeed(t.Name(), feedXML)
	prevTransport := http.DefaultTransport
	http.DefaultTransport = roundTripFunc(fs.roundTrip)
	t.Cleanup(func() { http.DefaultTransport = prevTransport })
	return fs, feedURL
}

// AddFeed registers another feed under feed.test and returns its URL.
func (f *FeedServer) AddFeed(name, feedXML string) string {
	return f.AddFeedAt("https://feed.test/"+url.PathEscape(name), feedXML)
}

// AddFeedAt registers a feed at an arbitrary URL.
func (f *FeedServer) AddFeedAt(feedURL, feedXML string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feedURL] = feedXML
	return feedURL
}

// SetStatus makes requests for feedURL answer with status and an empty body.
func (f *FeedServer) SetStatus(feedURL string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[feedURL] = status
}

func (f *FeedServer) SetFeedXML(feedURL, xml string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feedURL] = xml
}

// Hits returns how many requests reached feedURL.
func (f *FeedServer) Hits(feedURL string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hits[feedURL]
}

func (f *FeedServer) roundTrip(req *http.Request) (*http.Response, error) {
	u := *req.URL
	u.User = nil
	key := u.String()

	f.mu.Lock()
	defer f.mu.Unlock()

	feedXML, ok := f.feeds[key]
	if !ok {
		return nil, fmt.Errorf("unexpected feed url: %s", key)
	}
	f.hits[key]++

	if status, set := f.status[key]; set {
		return &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": []string{"application/rss+xml"}},
		Body:       io.NopCloser(strings.NewReader(feedXML)),
		Request:    req,
	}, nil
}

type RSSItem struct {
	Title       string
	Link        string
	GUID        string
	PubDate     string
	Description string
}

func RSSXML(title string, items []RSSItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("<rss version=\"2.0\"><channel>")
	fmt.Fprintf(&b, "<title>%s</title>", title)
	b.WriteString("<link>http://example.com</link>")
	b.WriteString("<description>Test feed</description>")
	for _, item := range items {
		b.WriteString("<item>")
		fmt.Fprintf(&b, "<title>%s</title>", item.Title)
		fmt.Fprintf(&b, "<link>%s</link>", item.Link)
		fmt.Fprintf(&b, "<guid>%s</guid>", item.GUID)
		fmt.Fprintf(&b, "<pubDate>%s</pubDate>", item.PubDate)
		fmt.Fprintf(&b, "<description><![CDATA[%s]]></description>", item.Description)
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := store.Init(context.Background(), db); err != nil {
		_ = db.Close()
		t.Fatalf("store.Init: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
