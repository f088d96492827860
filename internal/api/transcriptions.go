package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/wordbench/internal/database"
	"github.com/snarg/wordbench/internal/review"
)

// AudioStore is the slice of the object store the transcription endpoints
// use. Satisfied by *blobstore.AudioStore.
type AudioStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	URL(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
}

// TranscriptionsHandler serves the transcription review endpoints.
type TranscriptionsHandler struct {
	db    *database.DB
	svc   *review.Service
	bulk  *review.BulkExecutor
	audio AudioStore

	maxUploadBytes int64
	log            zerolog.Logger
}

func NewTranscriptionsHandler(db *database.DB, svc *review.Service, bulk *review.BulkExecutor, audio AudioStore, maxUploadBytes int64, log zerolog.Logger) *TranscriptionsHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 << 20
	}
	return &TranscriptionsHandler{
		db:             db,
		svc:            svc,
		bulk:           bulk,
		audio:          audio,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("handler", "transcriptions").Logger(),
	}
}

func (h *TranscriptionsHandler) Routes(r chi.Router) {
	r.Post("/transcriptions", h.Create)
	r.Get("/transcriptions", h.List)
	r.Post("/transcriptions/bulk", h.Bulk)
	r.Get("/transcriptions/{id}", h.Get)
	r.Delete("/transcriptions/{id}", h.Delete)
	r.Put("/transcriptions/{id}/words", h.SaveWords)
	r.Post("/transcriptions/{id}/flag", h.Flag)
	r.Post("/transcriptions/{id}/assign", h.Assign)
	r.Post("/transcriptions/{id}/unassign", h.Unassign)
	r.Post("/transcriptions/{id}/reassign", h.Reassign)
	r.Post("/transcriptions/{id}/reprocess", h.Reprocess)
	r.Put("/transcriptions/{id}/status", h.SetStatus)
	r.Put("/transcriptions/{id}/remarks", h.SetRemarks)
	r.Get("/transcriptions/{id}/audio-url", h.AudioURL)
	r.Get("/transcriptions/{id}/audio", h.Audio)
	r.Get("/transcriptions/{id}/versions", h.Versions)
	r.Delete("/transcriptions/{id}/versions", h.ClearVersions)
	r.Get("/transcriptions/{id}/history", h.History)
}

// Create ingests a new transcription: multipart form with an "audio" file
// part and a "words" part (JSON array of word timings), plus optional
// filename/language/audio_duration fields. The audio lands in the object
// store before the document is created, so a failed insert leaves no
// dangling row.
func (h *TranscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()
	audioData, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}

	var words []review.Word
	if v := r.FormValue("words"); v != "" {
		if err := json.Unmarshal([]byte(v), &words); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid words JSON: "+err.Error())
			return
		}
	}
	if err := review.ValidateWords(words); err != nil {
		WriteWorkflowError(w, err)
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}
	var duration float64
	if v := r.FormValue("audio_duration"); v != "" {
		duration, err = strconv.ParseFloat(v, 64)
		if err != nil || duration < 0 {
			WriteError(w, http.StatusBadRequest, "invalid audio_duration")
			return
		}
	}

	key := newAudioKey(header.Filename)
	if h.audio != nil {
		ct := header.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		if err := h.audio.Save(r.Context(), key, audioData, ct); err != nil {
			h.log.Error().Err(err).Str("key", key).Msg("audio upload failed")
			WriteError(w, http.StatusInternalServerError, "failed to store audio")
			return
		}
	}

	t, err := h.db.InsertTranscription(r.Context(), database.NewTranscriptionParams{
		Filename:      filename,
		Language:      r.FormValue("language"),
		AudioDuration: duration,
		AudioKey:      key,
		UploaderID:    UserID(r),
		Words:         words,
	})
	if err != nil {
		if h.audio != nil {
			h.audio.Delete(r.Context(), key)
		}
		h.log.Error().Err(err).Msg("transcription insert failed")
		WriteError(w, http.StatusInternalServerError, "failed to create transcription")
		return
	}

	WriteJSON(w, http.StatusCreated, t)
}

// List returns transcription summaries. Non-admins only ever see their own
// assignments, whatever filters they send.
func (h *TranscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := database.ListFilter{
		Statuses: QueryStringList(r, "status"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	for _, s := range filter.Statuses {
		if _, err := review.ParseStatus(s); err != nil {
			WriteWorkflowError(w, err)
			return
		}
	}
	if v, ok := QueryString(r, "language"); ok {
		filter.Language = v
	}
	if v, ok := QueryString(r, "search"); ok {
		filter.Search = v
	}
	if b, ok := QueryBool(r, "flagged"); ok {
		filter.Flagged = &b
	}
	if t, ok := QueryTime(r, "after"); ok {
		filter.After = &t
	}
	if t, ok := QueryTime(r, "before"); ok {
		filter.Before = &t
	}

	if IsAdmin(r) {
		if v, ok := QueryString(r, "assigned_user_id"); ok {
			filter.AssignedUserID = &v
		}
		if b, ok := QueryBool(r, "unassigned"); ok && b {
			filter.Unassigned = true
		}
	} else {
		userID := UserID(r)
		filter.AssignedUserID = &userID
		filter.Unassigned = false
	}

	results, total, err := h.db.ListTranscriptions(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("list failed")
		WriteError(w, http.StatusInternalServerError, "failed to list transcriptions")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transcriptions": results,
		"total":          total,
		"limit":          p.Limit,
		"offset":         p.Offset,
	})
}

// Get returns the full document, words and logs included.
func (h *TranscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r))
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// SaveWords replaces the word list with the submitted one.
func (h *TranscriptionsHandler) SaveWords(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Words []review.Word `json:"words"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.SaveEdits(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), body.Words)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Flag raises or clears the attention flag.
func (h *TranscriptionsHandler) Flag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Flagged bool   `json:"flagged"`
		Reason  string `json:"reason"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.SetFlag(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), body.Flagged, body.Reason)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Assign sets the assignee. Admin only.
func (h *TranscriptionsHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.Assign(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), body.UserID); err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"assigned_user_id": body.UserID})
}

// Unassign clears the assignee. Admin only.
func (h *TranscriptionsHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unassign(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r)); err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"assigned_user_id": nil})
}

// Reassign moves a done item into its second review round. Admin only.
func (h *TranscriptionsHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	round, err := h.svc.ReassignForReview(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), body.UserID)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":           review.StatusAssignedForReview,
		"review_round":     round,
		"assigned_user_id": body.UserID,
	})
}

// Reprocess clears the flag on a flagged item and returns it to the
// editable pool, optionally under a new assignee. Admin only.
func (h *TranscriptionsHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID *string `json:"user_id"`
	}
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &body); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.svc.Reprocess(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), body.UserID); err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": review.StatusReprocessed})
}

// SetStatus force-sets the workflow status. Admin only.
func (h *TranscriptionsHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := review.ParseStatus(body.Status)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}

	applied, err := h.svc.ForceStatus(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), status)
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": applied})
}

// SetRemarks replaces the free-form remarks.
func (h *TranscriptionsHandler) SetRemarks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Remarks string `json:"remarks"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.SetRemarks(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r), body.Remarks); err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"remarks": body.Remarks})
}

// AudioURL returns a presigned URL for the transcription's audio object.
func (h *TranscriptionsHandler) AudioURL(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r))
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	if h.audio == nil || t.AudioKey == "" {
		WriteError(w, http.StatusNotFound, "no audio for this transcription")
		return
	}
	if !h.audio.Exists(r.Context(), t.AudioKey) {
		WriteError(w, http.StatusNotFound, "audio object missing")
		return
	}

	url, err := h.audio.URL(r.Context(), t.AudioKey)
	if err != nil {
		h.log.Error().Err(err).Str("key", t.AudioKey).Msg("presign failed")
		WriteError(w, http.StatusInternalServerError, "failed to sign audio url")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"url": url})
}

// Audio streams the audio object through the service, for clients that
// cannot follow presigned URLs.
func (h *TranscriptionsHandler) Audio(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r))
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	if h.audio == nil || t.AudioKey == "" {
		WriteError(w, http.StatusNotFound, "no audio for this transcription")
		return
	}

	body, contentType, err := h.audio.Open(r.Context(), t.AudioKey)
	if err != nil {
		h.log.Error().Err(err).Str("key", t.AudioKey).Msg("audio fetch failed")
		WriteError(w, http.StatusNotFound, "audio object missing")
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	io.Copy(w, body)
}

// Versions returns the word-level version history.
func (h *TranscriptionsHandler) Versions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.VersionHistory(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r))
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	if entries == nil {
		entries = []review.VersionEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"versions": entries,
		"total":    len(entries),
	})
}

// ClearVersions drops the version history. Admin only.
func (h *TranscriptionsHandler) ClearVersions(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearVersionHistory(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r)); err != nil {
		WriteWorkflowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History returns the workflow transition log.
func (h *TranscriptionsHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ReviewHistory(r.Context(), chi.URLParam(r, "id"), UserID(r), IsAdmin(r))
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	if entries == nil {
		entries = []review.ReviewHistoryEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"total":   len(entries),
	})
}

// Delete removes the document and its audio object. Admin only.
func (h *TranscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Grab the audio key before the row disappears.
	var audioKey string
	if t, err := h.svc.Get(r.Context(), id, UserID(r), IsAdmin(r)); err == nil {
		audioKey = t.AudioKey
	}

	if err := h.svc.Delete(r.Context(), id, UserID(r), IsAdmin(r)); err != nil {
		WriteWorkflowError(w, err)
		return
	}

	if h.audio != nil && audioKey != "" {
		if err := h.audio.Delete(r.Context(), audioKey); err != nil {
			// Document is gone; a leftover object is only wasted space.
			h.log.Warn().Err(err).Str("key", audioKey).Msg("audio cleanup failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Bulk fans one operation out over a set of ids. Admin only.
func (h *TranscriptionsHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	if !IsAdmin(r) {
		WriteWorkflowError(w, review.ErrForbidden)
		return
	}

	var body struct {
		IDs          []string `json:"ids"`
		Op           string   `json:"op"`
		TargetUserID string   `json:"target_user_id"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.bulk.Apply(r.Context(), body.IDs, body.Op, UserID(r), review.BulkParams{
		TargetUserID: body.TargetUserID,
	})
	if err != nil {
		WriteWorkflowError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func newAudioKey(filename string) string {
	b := make([]byte, 12)
	rand.Read(b)
	ext := strings.ToLower(filepath.Ext(filename))
	return hex.EncodeToString(b) + ext
}
