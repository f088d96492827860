package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/wordbench/internal/blobstore"
	"github.com/snarg/wordbench/internal/database"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *database.DB
	audio     *blobstore.AudioStore
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, audio *blobstore.AudioStore, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		audio:     audio,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Audio store check is advisory: reviews keep working without audio,
	// so a missing bucket degrades rather than fails the service.
	if h.audio != nil {
		if err := h.audio.HeadBucket(r.Context()); err != nil {
			checks["audio_store"] = "error"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["audio_store"] = "ok"
		}
	} else {
		checks["audio_store"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
