package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/teamsphere/internal/activity"
	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/notification"
	"github.com/btouchard/teamsphere/internal/presence"
	"github.com/btouchard/teamsphere/internal/store"
)

const maxBodyBytes = 1 << 20

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)

	var opts notification.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unread must be a boolean")
			return
		}
		opts.UnreadOnly = unread
	}

	records, err := s.Notifications.List(r.Context(), caller.Email, caller.Role, opts)
	if err != nil {
		fail(w, err)
		return
	}
	if records == nil {
		records = []store.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": records})
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.Notifications.MarkAllRead(r.Context(), callerFrom(r).Email)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.Notifications.MarkRead(r.Context(), chi.URLParam(r, "id"), callerFrom(r).Email); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	online := []string{}
	for _, id := range s.Presence.Registry().Online() {
		if id != caller.Email {
			online = append(online, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": online})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	wasOnline := s.Presence.LogoutIdentity(r.Context(), callerFrom(r).Email)
	writeJSON(w, http.StatusOK, map[string]any{"wasOnline": wasOnline})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	u, err := s.Users.GetUser(r.Context(), callerFrom(r).Email)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileRequest struct {
	Name string   `json:"name"`
	Team []string `json:"team"`
}

func (s *Server) putProfile(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)

	var req profileRequest
	if !decode(w, r, &req) {
		return
	}

	team := make([]string, 0, len(req.Team))
	for _, m := range req.Team {
		if m = presence.NormalizeIdentity(m); m != "" {
			team = append(team, m)
		}
	}

	u := &store.UserRecord{
		Email: caller.Email,
		Name:  strings.TrimSpace(req.Name),
		Role:  caller.Role,
		Team:  team,
	}
	if err := s.Users.UpsertUser(r.Context(), u); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req activity.NewTask
	if !decode(w, r, &req) {
		return
	}
	t, err := s.Activity.CreateTask(r.Context(), callerFrom(r), req)
	respond(w, http.StatusCreated, "task", t, err)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req activity.TaskChanges
	if !decode(w, r, &req) {
		return
	}
	t, err := s.Activity.UpdateTask(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req)
	respond(w, http.StatusOK, "task", t, err)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.Activity.UpdateTaskStatus(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Status)
	respond(w, http.StatusOK, "task", t, err)
}

func (s *Server) createDonationPool(w http.ResponseWriter, r *http.Request) {
	var req activity.NewDonationPool
	if !decode(w, r, &req) {
		return
	}
	p, err := s.Activity.CreateDonationPool(r.Context(), callerFrom(r), req)
	respond(w, http.StatusCreated, "donationPool", p, err)
}

type donationRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) recordDonation(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.Activity.RecordDonation(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Amount)
	respond(w, http.StatusCreated, "donation", d, err)
}

// callerFrom returns the identity set by middleware.Authenticate.
func callerFrom(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// respond writes the result of a domain action. A committed action whose
// notification could not be stored still succeeds, with a warning.
func respond(w http.ResponseWriter, status int, key string, entity any, err error) {
	if err != nil && !errors.Is(err, activity.ErrNotificationNotStored) {
		fail(w, err)
		return
	}

	body := map[string]any{key: entity}
	if err != nil {
		slog.Error("notification not stored", "error", err)
		body["warning"] = "saved, but the notification could not be stored"
	}
	writeJSON(w, status, body)
}

func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, activity.ErrInvalidInput), errors.Is(err, notification.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, activity.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
