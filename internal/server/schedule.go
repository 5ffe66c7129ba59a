package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"dailyspread/internal/spread"
	"dailyspread/internal/view"
)

func (a *App) handleSchedule(w http.ResponseWriter, r *http.Request) {
	preview, err := a.sched.Preview(r.Context())
	if err != nil {
		slog.Error("schedule preview failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to build schedule")

		return
	}

	writeJSON(w, http.StatusOK, view.BuildScheduleView(preview, a.sched.Config(), a.loc))
}

func (a *App) handleScheduleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, view.BuildScheduleConfigView(a.sched.Config()))
}

// handleUpdateScheduleConfig applies interval_hours, followup_minutes and hosts. Missing
// fields keep their current value.
func (a *App) handleUpdateScheduleConfig(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")

		return
	}

	update, err := parseScheduleUpdate(r, a.sched.Config())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	err = a.sched.UpdateConfig(r.Context(), update)
	if err != nil {
		slog.Error("schedule config update failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save schedule config")

		return
	}

	writeJSON(w, http.StatusOK, view.BuildScheduleConfigView(a.sched.Config()))
}

func parseScheduleUpdate(r *http.Request, current spread.Config) (spread.Update, error) {
	update := spread.Update{
		Hosts:           current.HostInput,
		IntervalHours:   current.IntervalHours(),
		FollowupMinutes: current.FollowupMinutes(),
	}

	if _, ok := r.Form["hosts"]; ok {
		update.Hosts = r.FormValue("hosts")
	}

	if raw := strings.TrimSpace(r.FormValue("interval_hours")); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 {
			return spread.Update{}, errors.New("interval_hours must be a positive integer")
		}
		update.IntervalHours = hours
	}

	if raw := strings.TrimSpace(r.FormValue("followup_minutes")); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			return spread.Update{}, errors.New("followup_minutes must be a non-negative integer")
		}
		update.FollowupMinutes = minutes
	}

	return update, nil
}
