// Package server exposes feeds, the refresh schedule and metrics over a JSON HTTP API and
// drives the periodic refresh cycle.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dailyspread/internal/feed"
	"dailyspread/internal/metrics"
	"dailyspread/internal/spread"
	"dailyspread/internal/view"
)

const (
	maxOPMLUploadBytes int64 = 2 << 20
	requestIDBytes           = 12
)

// Deps are the collaborators an App needs. Metrics may be nil.
type Deps struct {
	DB        *sql.DB
	Scheduler *spread.Scheduler
	Refresher *feed.Refresher
	Metrics   *metrics.Recorder
	// Location renders schedule times; nil means UTC.
	Location *time.Location
	Now      func() time.Time
}

// App wires handlers, dependencies, and the background refresh loop.
type App struct {
	db        *sql.DB
	sched     *spread.Scheduler
	refresher *feed.Refresher
	metrics   *metrics.Recorder
	loc       *time.Location
	now       func() time.Time
	cron      *cron.Cron
	refreshMu sync.Mutex
	stopped   bool
}

// New constructs an App.
func New(deps Deps) *App {
	app := &App{
		db:        deps.DB,
		sched:     deps.Scheduler,
		refresher: deps.Refresher,
		metrics:   deps.Metrics,
		loc:       deps.Location,
		now:       deps.Now,
	}

	if app.loc == nil {
		app.loc = time.UTC
	}

	if app.now == nil {
		app.now = time.Now
	}

	return app
}

// Routes returns the fully configured application HTTP handler.
func (a *App) Routes() http.Handler {
	mux := http.NewServeMux()
	a.registerCoreRoutes(mux)
	a.registerFeedRoutes(mux)
	a.registerScheduleRoutes(mux)

	return a.wrapRoutes(mux)
}

func (a *App) registerCoreRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /export.opml", a.handleExportOPML)
	mux.HandleFunc("POST /import.opml", a.handleImportOPML)

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
}

func (a *App) registerFeedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /feeds", a.handleListFeeds)
	mux.HandleFunc("POST /feeds", a.handleSubscribe)
	mux.HandleFunc("DELETE /feeds/{feedID}", a.handleDeleteFeed)
	mux.HandleFunc("PUT /feeds/{feedID}/refresh-mode", a.handleSetRefreshMode)
	mux.HandleFunc("POST /feeds/{feedID}/refresh", a.handleRefreshFeed)
	mux.HandleFunc("GET /feeds/{feedID}/items", a.handleFeedItems)
}

func (a *App) registerScheduleRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /schedule", a.handleSchedule)
	mux.HandleFunc("GET /schedule/config", a.handleScheduleConfig)
	mux.HandleFunc("POST /schedule/config", a.handleUpdateScheduleConfig)
}

func (a *App) wrapRoutes(handler http.Handler) http.Handler {
	handler = withRequestLog(handler)
	handler = withRequestID(handler)
	handler = withSecurityHeaders(handler)

	return handler
}

func (*App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, err := randomToken(requestIDBytes)
		if err != nil {
			requestID = strconv.FormatInt(time.Now().UnixNano(), 10)
		}

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", requestID(r),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		slog.Warn("write json response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, view.ErrorView{Error: message})
}

func parsePathInt64(r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue(key))
	if raw == "" {
		return 0, false
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, false
	}

	return parsed, true
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read random token bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}
