package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"charcha/api/internal/auth"
	"charcha/api/internal/logger"
	"charcha/api/internal/media"
	"charcha/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	hub        *Hub
	corsOrigin string
	secret     []byte
}

func NewHTTPServer(service *Service, hub *Hub, corsOrigin, tokenSecret string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin, secret: []byte(tokenSecret)}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session/ws" {
		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "Map sessions are not enabled", nil)
			return
		}
		// anonymous viewers may browse; writes go through the authenticated routes
		who, _ := auth.FromRequest(s.secret, r)
		s.hub.Serve(w, r, who)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/districts" {
		districts, err := s.service.Districts(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"districts": districts})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pins/match" {
		query := r.URL.Query()
		q := search.Query{
			Location: strings.TrimSpace(query.Get("location")),
			Incident: strings.TrimSpace(query.Get("incident")),
			District: strings.TrimSpace(query.Get("district")),
		}
		if rawLimit := strings.TrimSpace(query.Get("limit")); rawLimit != "" {
			if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
				q.Limit = parsed
			}
		}
		matches, err := s.service.MatchPins(r.Context(), q)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pins": matches})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/media" {
		if _, ok := s.requireIdentity(w, r); !ok {
			return
		}
		s.handleMediaUpload(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "districts" {
		s.handleDistrict(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleDistrict serves everything under /api/districts/{district}/.
func (s *HTTPServer) handleDistrict(w http.ResponseWriter, r *http.Request, district string, rest []string) {
	if len(rest) == 1 && rest[0] == "pins" && r.Method == http.MethodGet {
		fc, err := s.service.Pins(r.Context(), district)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		writeJSON(w, http.StatusOK, fc.GeoJSON())
		return
	}

	if len(rest) == 1 && rest[0] == "posts" && r.Method == http.MethodGet {
		posts, err := s.service.Posts(r.Context(), district)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
		return
	}

	if len(rest) == 1 && rest[0] == "posts" && r.Method == http.MethodPost {
		who, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var body CreatePostInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		post, err := s.service.CreatePost(r.Context(), who, district, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"post": post})
		return
	}

	if len(rest) < 2 || rest[0] != "posts" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	postID := rest[1]

	if len(rest) == 2 && r.Method == http.MethodDelete {
		who, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		post, err := s.service.DeletePost(r.Context(), who, district, postID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"post": post})
		return
	}

	if len(rest) == 3 && rest[2] == "vote" && r.Method == http.MethodPost {
		who, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var body struct {
			Value int `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Vote(r.Context(), who, district, postID, body.Value)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(rest) == 3 && rest[2] == "comments" && r.Method == http.MethodPost {
		who, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.AddComment(r.Context(), who, district, postID, body.Text)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})
		return
	}

	if len(rest) == 5 && rest[2] == "comments" && rest[4] == "replies" && r.Method == http.MethodPost {
		who, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reply, err := s.service.AddReply(r.Context(), who, district, postID, rest[3], body.Text)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"reply": reply})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, media.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()
	if header.Size > media.MaxUploadBytes {
		s.fail(w, media.ErrTooLarge)
		return
	}
	obj, err := s.service.UploadMedia(r.Context(), file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	who, err := auth.FromRequest(s.secret, r)
	if err != nil {
		s.fail(w, err)
		return auth.Identity{}, false
	}
	return who, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("request_failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.L().Info("http_request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
