package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apexion-ai/relay/internal/anthropic"
)

func newTestServer(t *testing.T, transport Transport, apiKey string) *httptest.Server {
	t.Helper()
	pipeline := newTestPipeline(t, transport, nil)
	server := httptest.NewServer(NewServer(pipeline, apiKey).Handler())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const minimalRequest = `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`

func TestServerMessages(t *testing.T) {
	transport := &fakeTransport{responseUsage: anthropic.Usage{InputTokens: 7, OutputTokens: 3}}
	server := newTestServer(t, transport, "")

	resp := postJSON(t, server.URL+"/v1/messages", "", minimalRequest)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Type  string          `json:"type"`
		Usage anthropic.Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Type != "message" {
		t.Errorf("type = %q", body.Type)
	}
	if body.Usage.InputTokens != 7 || body.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", body.Usage)
	}
}

func TestServerAuthRequired(t *testing.T) {
	server := newTestServer(t, &fakeTransport{}, "secret")

	resp := postJSON(t, server.URL+"/v1/messages", "", minimalRequest)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", resp.StatusCode)
	}
	var envelope anthropic.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}

	resp = postJSON(t, server.URL+"/v1/messages", "wrong", minimalRequest)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/v1/messages", "secret", minimalRequest)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("right key: status = %d", resp.StatusCode)
	}
}

func TestServerMalformedBody(t *testing.T) {
	server := newTestServer(t, &fakeTransport{}, "")

	resp := postJSON(t, server.URL+"/v1/messages", "", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope anthropic.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&envelope)
	if envelope.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestServerRejectsStreaming(t *testing.T) {
	transport := &fakeTransport{}
	server := newTestServer(t, transport, "")

	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, server.URL+"/v1/messages", "", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var envelope anthropic.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
	if !strings.Contains(envelope.Error.Message, "stream") {
		t.Errorf("error message should name streaming: %q", envelope.Error.Message)
	}
	// Nothing was forwarded upstream.
	if len(transport.attempts) != 0 {
		t.Errorf("expected no dispatch, got %d", len(transport.attempts))
	}
}

func TestServerCountTokens(t *testing.T) {
	server := newTestServer(t, &fakeTransport{}, "")

	body := `{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("a", 400) + `"}]}`
	resp := postJSON(t, server.URL+"/v1/messages/count_tokens", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out anthropic.CountTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.InputTokens != 100 {
		t.Errorf("input_tokens = %d, want 100", out.InputTokens)
	}
}

func TestServerHealth(t *testing.T) {
	server := newTestServer(t, &fakeTransport{}, "secret")

	// Health is unauthenticated.
	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSessionIDFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	body := &anthropic.MessagesRequest{
		Metadata: json.RawMessage(`{"user_id":"meta-user"}`),
	}
	if got := sessionIDFrom(req, body); got != "meta-user" {
		t.Errorf("metadata user_id should win, got %q", got)
	}

	req.Header.Set("x-session-id", "header-id")
	if got := sessionIDFrom(req, body); got != "meta-user" {
		t.Errorf("metadata should outrank the header, got %q", got)
	}

	if got := sessionIDFrom(req, &anthropic.MessagesRequest{}); got != "header-id" {
		t.Errorf("header should be used without metadata, got %q", got)
	}

	plain := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if got := sessionIDFrom(plain, &anthropic.MessagesRequest{}); got != "" {
		t.Errorf("anonymous request should carry no session identity, got %q", got)
	}
}
