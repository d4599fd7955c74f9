package server

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medbridge/medsync/internal/syncproto"
)

// Handler exposes the sync protocol over HTTP:
//
//	POST /sync/push               apply a batch of ops
//	GET  /sync/pull?deviceId=&since=   fetch deltas since a watermark
//	GET  /healthz                 connectivity probe
//
// Requests must carry "Authorization: Bearer <token>". Token issuance is an
// external concern; the handler only checks equality with its configured
// token.
type Handler struct {
	store  *Store
	token  string
	logger *log.Logger
}

// NewHandler creates a Handler. If logger is nil, a default logger writing
// to stderr is used.
func NewHandler(store *Store, token string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Handler{store: store, token: token, logger: logger}
}

// Router builds the chi router for the sync API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/sync/push", h.handlePush)
		r.Get("/sync/pull", h.handlePull)
	})

	return r
}

// requireToken rejects requests without the configured bearer token.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" || r.Header.Get("Authorization") != "Bearer "+h.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var req syncproto.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	resp := h.store.ApplyBatch(r.Context(), req.DeviceID, req.Ops)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	since := r.URL.Query().Get("since")

	resp, err := h.store.ChangedSince(r.Context(), since)
	if err != nil {
		h.logger.Printf("Pull for %s failed: %v", deviceID, err)
		writeError(w, http.StatusInternalServerError, "delta query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
