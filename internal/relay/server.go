package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"porto-relay/internal/core/broadcast"
)

const maxBodyBytes = 1 << 20

// server exposes the bus and key registry over HTTP:
//
//	GET  /                  event stream of every broadcast message
//	POST /                  publish {"id"?, "topic", "payload"}
//	GET  /.well-known/keys  {"keys": [...]}
type server struct {
	keys   *KeyRegistry
	bus    *broadcast.Bus
	corr   *Correlator
	logger *slog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(allowCORS)
	r.Use(s.logRequests)
	r.Get("/", s.handleStream)
	r.Post("/", s.handlePublish)
	r.Get("/.well-known/keys", s.handleKeys)
	return r
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	msgs, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("skip unencodable message", "message_id", msg.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var topic *string
	if raw, ok := body["topic"]; !ok || json.Unmarshal(raw, &topic) != nil || topic == nil {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	rawPayload, ok := body["payload"]
	if !ok {
		writeError(w, http.StatusBadRequest, "payload required")
		return
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, rawPayload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	msg := broadcast.Message{
		ID:      messageID(body["id"]),
		Topic:   *topic,
		Payload: payload.Bytes(),
	}

	if id, result, ok := responseFor(msg); ok {
		if s.corr.Resolve(id, result) {
			s.logger.Debug("resolved request", "request_id", id, "message_id", msg.ID)
		} else {
			s.logger.Debug("no pending wait for response", "request_id", id, "message_id", msg.ID)
		}
	}

	if _, err := s.bus.Publish(msg); err != nil {
		s.logger.Debug("broadcast dropped", "message_id", msg.ID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.keys.Keys()})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

// messageID keeps a caller-supplied string id and generates one otherwise.
func messageID(raw json.RawMessage) string {
	var id *string
	if raw != nil && json.Unmarshal(raw, &id) == nil && id != nil {
		return *id
	}
	return uuid.NewString()
}

// allowCORS lets the dialog, served from another origin, reach the relay.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if req := r.Header.Get("Access-Control-Request-Headers"); strings.TrimSpace(req) != "" {
			h.Set("Access-Control-Allow-Headers", req)
		} else {
			h.Set("Access-Control-Allow-Headers", "*")
		}
		if r.Header.Get("Access-Control-Request-Private-Network") == "true" {
			h.Set("Access-Control-Allow-Private-Network", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
