package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/wordbench/internal/database"
	"github.com/snarg/wordbench/internal/review"
)

// StatsHandler serves the workload statistics endpoints.
type StatsHandler struct {
	db  *database.DB
	log zerolog.Logger
}

func NewStatsHandler(db *database.DB, log zerolog.Logger) *StatsHandler {
	return &StatsHandler{db: db, log: log.With().Str("handler", "stats").Logger()}
}

func (h *StatsHandler) Routes(r chi.Router) {
	r.Get("/stats", h.GetStats)
	r.Get("/stats/team", h.GetTeamStats)
	r.Get("/stats/activity", h.GetActivity)
}

// parseStatsFilter reads the listing predicate set from query params, the
// same params the transcriptions list accepts.
func parseStatsFilter(r *http.Request) (database.StatsFilter, error) {
	var filter database.StatsFilter
	for _, s := range QueryStringList(r, "status") {
		if _, err := review.ParseStatus(s); err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	if v, ok := QueryString(r, "language"); ok {
		filter.Language = v
	}
	if v, ok := QueryString(r, "assigned_user_id"); ok {
		filter.AssigneeID = v
	}
	if v, ok := QueryBool(r, "flagged"); ok {
		filter.Flagged = &v
	}
	if t, ok := QueryTime(r, "after"); ok {
		filter.After = &t
	}
	if t, ok := QueryTime(r, "before"); ok {
		filter.Before = &t
	}
	return filter, nil
}

// GetStats returns the fleet-wide workload overview, narrowed by the same
// filters as the listing endpoint. Admin only.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if !IsAdmin(r) {
		WriteWorkflowError(w, review.ErrForbidden)
		return
	}
	filter, err := parseStatsFilter(r)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}

	stats, err := h.db.GetStats(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("stats query failed")
		WriteError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetTeamStats returns the per-assignee workload breakdown. Admin only:
// the rows expose every reviewer's throughput.
func (h *StatsHandler) GetTeamStats(w http.ResponseWriter, r *http.Request) {
	if !IsAdmin(r) {
		WriteWorkflowError(w, review.ErrForbidden)
		return
	}
	filter, err := parseStatsFilter(r)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}

	team, err := h.db.GetTeamStats(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("team stats query failed")
		WriteError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"team": team})
}

// GetActivity returns per-day activity for one user. Admins may query any
// user; everyone else only themselves.
func (h *StatsHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if v, ok := QueryString(r, "user_id"); ok {
		if v != userID && !IsAdmin(r) {
			WriteWorkflowError(w, review.ErrForbidden)
			return
		}
		userID = v
	}
	days, _ := QueryInt(r, "days")

	activity, err := h.db.GetUserActivity(r.Context(), userID, days)
	if err != nil {
		h.log.Error().Err(err).Msg("activity query failed")
		WriteError(w, http.StatusInternalServerError, "failed to compute activity")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"activity": activity,
	})
}
