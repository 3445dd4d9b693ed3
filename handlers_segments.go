package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (a *App) HandleListSegments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Segments.AllSegments())
}

func (a *App) HandleSegmentsStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Segments.SegmentsStats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleAssignSegment assigns a segment either to explicit users or to a
// random share of the population.
func (a *App) HandleAssignSegment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Segment    string   `json:"segment"`
		UserIDs    []string `json:"userIds"`
		Percentage *int     `json:"percentage"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	seg, err := ParseSegment(in.Segment)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	switch {
	case len(in.UserIDs) > 0:
		res, err := a.Segments.AddSegmentToUsers(r.Context(), in.UserIDs, seg)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("Segment %s assigned to users", seg),
			"success": res.Success,
			"failed":  res.Failed,
		})
	case in.Percentage != nil:
		res, err := a.Segments.AddSegmentToPercentage(r.Context(), seg, *in.Percentage)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Either userIds or percentage is required")
	}
}

func (a *App) HandleRemoveSegment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Segment string `json:"segment"`
		UserID  string `json:"userId"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	seg, err := ParseSegment(in.Segment)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "userId is required")
		return
	}
	if err := a.Segments.RemoveSegmentFromUser(r.Context(), in.UserID, seg); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Segment %s removed from user %s", seg, in.UserID),
	})
}

func (a *App) HandleUsersInSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := ParseSegment(r.URL.Query().Get("segment"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	ids, err := a.Segments.UsersInSegment(r.Context(), seg)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (a *App) HandleUserSegments(w http.ResponseWriter, r *http.Request) {
	res, err := a.Users.UserSegments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	res, err := a.Users.ListUsers(r.Context(), page, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
