package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"snapbuf/config"
	"snapbuf/snapshot"
)

// StatusResponse is the JSON response for the node status.
type StatusResponse struct {
	Recording bool                  `json:"recording"`
	Writing   bool                  `json:"writing"`
	Topics    []TopicStatusResponse `json:"topics"`
}

// TopicStatusResponse describes one buffer's occupancy.
type TopicStatusResponse struct {
	Topic       string  `json:"topic"`
	Count       int     `json:"count"`
	Bytes       int64   `json:"bytes"`
	SpanSeconds float64 `json:"span_seconds"`
}

// RecordResponse is the JSON response for pause/resume.
type RecordResponse struct {
	Success   bool `json:"success"`
	Recording bool `json:"recording"`
}

// SnapshotRequest is the JSON request for a triggered write. An empty or
// absent topic list means all subscribed topics.
type SnapshotRequest struct {
	Topics   []string `json:"topics,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// SnapshotResponse is the JSON response after a triggered write.
type SnapshotResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handlers holds the API handler functions.
type handlers struct {
	manager *snapshot.Manager
}

// NewRouter creates the control API router.
func NewRouter(manager *snapshot.Manager, cfg *config.APIConfig) chi.Router {
	r := chi.NewRouter()
	h := &handlers{manager: manager}

	if cfg != nil && cfg.PasswordHash != "" {
		r.Use(basicAuth(cfg.PasswordHash))
	}

	r.Get("/status", h.handleStatus)
	r.Post("/pause", h.handlePause)
	r.Post("/resume", h.handleResume)
	r.Post("/snapshot", h.handleSnapshot)

	return r
}

// basicAuth verifies the Basic auth password against the configured bcrypt
// hash. The username is ignored: the control surface has a single operator
// credential.
func basicAuth(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, password, ok := r.BasicAuth()
			if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="snapbuf"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Status()

	resp := StatusResponse{
		Recording: status.Recording,
		Writing:   status.Writing,
		Topics:    make([]TopicStatusResponse, 0, len(status.Topics)),
	}
	for _, t := range status.Topics {
		resp.Topics = append(resp.Topics, TopicStatusResponse{
			Topic:       t.Topic,
			Count:       t.Count,
			Bytes:       t.Bytes,
			SpanSeconds: t.Span.Seconds(),
		})
	}

	writeJSON(w, resp)
}

func (h *handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.manager.Pause()
	logAPI("pause requested by %s", r.RemoteAddr)
	writeJSON(w, RecordResponse{Success: true, Recording: h.manager.Recording()})
}

func (h *handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.manager.Resume()
	logAPI("resume requested by %s", r.RemoteAddr)
	writeJSON(w, RecordResponse{Success: true, Recording: h.manager.Recording()})
}

func (h *handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	logAPI("snapshot requested by %s (topics=%d, filename=%q)", r.RemoteAddr, len(req.Topics), req.Filename)

	filename, err := h.manager.TriggerWrite(req.Topics, req.Filename)
	if err != nil {
		resp := SnapshotResponse{Success: false, Filename: filename, Error: err.Error()}

		status := http.StatusInternalServerError
		var unknown snapshot.UnknownTopicError
		switch {
		case errors.Is(err, snapshot.ErrWriteInProgress):
			status = http.StatusConflict
		case errors.As(err, &unknown):
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
		return
	}

	writeJSON(w, SnapshotResponse{Success: true, Filename: filename})
}
