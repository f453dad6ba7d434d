package directory

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dreamware/padlink/internal/storage"
	"github.com/dreamware/padlink/internal/wire"
)

// Handler serves a storage.Store over the same REST shape HTTPClient
// speaks:
//
//	GET    /<key>.json   stored JSON value, or null
//	PUT    /<key>.json   store the JSON request body, echo it back
//	DELETE /<key>.json   remove the key, respond null
//	GET    /.json        every key and value as one object
//	GET    /health       liveness
//
// When a token is configured every request except /health must carry
// ?auth=<token>.
type Handler struct {
	store  storage.Store
	token  string
	logger *slog.Logger
}

// NewHandler returns a Handler over store. An empty token disables auth.
func NewHandler(store storage.Store, token string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{store: store, token: token, logger: logger}
}

func (h *Handler) authorized(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !strings.HasSuffix(r.URL.Path, ".json") {
		http.NotFound(w, r)
		return
	}
	if h.token != "" && !h.authorized(r.URL.Query().Get("auth")) {
		wire.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Permission denied"})
		return
	}

	key := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
	if key == "" {
		h.handleRoot(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, key)
	case http.MethodPut:
		h.handlePut(w, r, key)
	case http.MethodDelete:
		h.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	value, err := h.store.Get(r.Context(), key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		writeRaw(w, http.StatusOK, []byte("null"))
		return
	}
	if err != nil {
		h.logger.Error("directory get failed", "key", key, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeRaw(w, http.StatusOK, value)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wire.MaxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := h.store.Put(r.Context(), key, body); err != nil {
		h.logger.Error("directory put failed", "key", key, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("directory updated", "key", key)
	writeRaw(w, http.StatusOK, body)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	if err := h.store.Delete(r.Context(), key); err != nil {
		h.logger.Error("directory delete failed", "key", key, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("directory key deleted", "key", key)
	writeRaw(w, http.StatusOK, []byte("null"))
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keys, err := h.store.List(r.Context())
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, err := h.store.Get(r.Context(), key)
		if err != nil || len(value) == 0 {
			continue
		}
		out[key] = json.RawMessage(value)
	}
	wire.WriteJSON(w, http.StatusOK, out)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
