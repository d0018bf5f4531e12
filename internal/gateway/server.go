package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/apexion-ai/relay/internal/anthropic"
)

// Server exposes the pipeline over the Anthropic-compatible HTTP surface.
type Server struct {
	pipeline *Pipeline
	// apiKey authenticates inbound requests; empty disables auth.
	apiKey string
}

// NewServer creates a Server over the pipeline.
func NewServer(pipeline *Pipeline, apiKey string) *Server {
	return &Server{pipeline: pipeline, apiKey: apiKey}
}

// Handler returns the HTTP routing for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.auth(s.handleMessages))
	mux.HandleFunc("POST /v1/messages/count_tokens", s.auth(s.handleCountTokens))
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("x-api-key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, anthropic.AuthenticationError())
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest,
			anthropic.NewErrorResponse("invalid_request_error", "malformed request body"))
		return
	}

	// The dispatch path reads one JSON document; SSE is not served here.
	if req.Stream {
		writeError(w, http.StatusBadRequest,
			anthropic.NewErrorResponse("invalid_request_error",
				`streaming is not supported by this endpoint; retry with "stream": false`))
		return
	}

	sessionID := sessionIDFrom(r, &req)
	requestID := "req_" + uuid.NewString()
	w.Header().Set("request-id", requestID)

	resp, err := s.pipeline.Handle(r.Context(), sessionID, &req)
	if err != nil {
		slog.Error("request failed", "request_id", requestID, "session_id", sessionID, "error", err)
		status, envelope := classifyError(err)
		writeError(w, status, envelope)
		return
	}

	// Re-encode the body so the adjusted usage replaces the upstream's.
	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Message, &body); err == nil {
		if usage, err := json.Marshal(resp.Usage); err == nil {
			body["usage"] = usage
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Message)
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req anthropic.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest,
			anthropic.NewErrorResponse("invalid_request_error", "malformed request body"))
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.CountTokens(&req))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionIDFrom resolves the session identity: metadata.user_id when present,
// then the x-session-id header. Anonymous requests get no identity, which
// disables transcript persistence, summary caching and token tracking for
// them instead of minting a one-off session per request.
func sessionIDFrom(r *http.Request, req *anthropic.MessagesRequest) string {
	if len(req.Metadata) > 0 {
		var meta struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(req.Metadata, &meta) == nil && meta.UserID != "" {
			return meta.UserID
		}
	}
	return r.Header.Get("x-session-id")
}

func classifyError(err error) (int, anthropic.ErrorResponse) {
	if errors.Is(err, ErrContextLengthExceeded) {
		return http.StatusBadRequest,
			anthropic.NewErrorResponse("invalid_request_error", err.Error())
	}
	return http.StatusBadGateway,
		anthropic.NewErrorResponse("api_error", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, envelope anthropic.ErrorResponse) {
	writeJSON(w, status, envelope)
}
