package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailyspread/internal/view"
)

type feedServer struct {
	hits    map[string]int
	feedXML string
	mu      sync.Mutex
}

func newFeedServer(t *testing.T, feedXML string) (*feedServer, *httptest.Server) {
	t.Helper()
	fs := &feedServer{feedXML: feedXML, hits: map[string]int{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.hits[r.Host+r.URL.Path]++
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(fs.feedXML))
	}))
	t.Cleanup(server.Close)
	return fs, server
}

func (f *feedServer) totalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.hits {
		total += n
	}
	return total
}

func rssXML(title string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<rss version="2.0"><channel>`)
	fmt.Fprintf(&b, "<title>%s</title>", title)
	b.WriteString("<link>http://example.com</link>")
	b.WriteString("<item><title>One</title><link>http://example.com/1</link><guid>1</guid>")
	fmt.Fprintf(&b, "<pubDate>%s</pubDate>", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("</item></channel></rss>")
	return b.String()
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("database: %s\nlog:\n  level: warn\nrefresh:\n  salt: test\n", filepath.Join(dir, "test.db"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigureAndPreview(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "configure", "--interval-hours", "12", "--hosts", "example.org, rsshub.app")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}

	var cfg view.ScheduleConfigView
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decode configure output %q: %v", out, err)
	}
	if cfg.IntervalHours != 12 || cfg.FollowupMinutes != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.ParsedHosts) != 2 || cfg.ParsedHosts[0] != "example.org" {
		t.Fatalf("unexpected hosts: %v", cfg.ParsedHosts)
	}

	// a second process sees the persisted configuration
	out, err = runCLI(t, "--config", cfgPath, "preview", "--json")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	var schedule view.ScheduleView
	if err := json.Unmarshal([]byte(out), &schedule); err != nil {
		t.Fatalf("decode preview output: %v", err)
	}
	if schedule.Config.IntervalHours != 12 {
		t.Fatalf("expected persisted interval 12, got %d", schedule.Config.IntervalHours)
	}
}

func TestImportRefreshAndPreview(t *testing.T) {
	fs, srv := newFeedServer(t, rssXML("Local"))
	cfgPath := writeConfig(t)

	eligibleURL := srv.URL + "/eligible.xml"
	otherURL := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1) + "/other.xml"

	opmlPath := filepath.Join(t.TempDir(), "subs.opml")
	doc := `<?xml version="1.0"?><opml version="2.0"><body>` +
		`<outline text="Eligible" xmlUrl="` + eligibleURL + `"/>` +
		`<outline text="Other" xmlUrl="` + otherURL + `"/>` +
		`</body></opml>`
	if err := os.WriteFile(opmlPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write opml: %v", err)
	}

	_, err := runCLI(t, "--config", cfgPath, "configure", "--hosts", "127.0.0.1")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "import-opml", opmlPath)
	require.NoError(t, err)
	assert.Equal(t, "imported=2 skipped=0\n", out)

	// the eligible feed already has its follow-up queued, so only the other feed is fetched
	out, err = runCLI(t, "--config", cfgPath, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "feeds=2 fetched=1 suppressed=1 failed=0\n", out)
	assert.Equal(t, 1, fs.totalHits())

	// the refreshed feed is now in its current window
	out, err = runCLI(t, "--config", cfgPath, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "feeds=2 fetched=0 suppressed=2 failed=0\n", out)

	out, err = runCLI(t, "--config", cfgPath, "preview")
	require.NoError(t, err)
	assert.Contains(t, out, "FOLLOW-UP HOSTS")
	assert.Contains(t, out, "Eligible")
	assert.Contains(t, out, "Follow-up queued for")
	assert.Contains(t, out, "Single refresh")

	out, err = runCLI(t, "--config", cfgPath, "export-opml")
	require.NoError(t, err)
	assert.Contains(t, out, eligibleURL)
}

func TestBadConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  cron: nonsense\n"), 0o600))

	_, err := runCLI(t, "--config", path, "preview")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh.cron")
}

func TestImportRequiresFile(t *testing.T) {
	_, err := runCLI(t, "--config", writeConfig(t), "import-opml")
	require.Error(t, err)
}
