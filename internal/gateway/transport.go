package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apexion-ai/relay/internal/anthropic"
)

// ErrContextLengthExceeded signals that the upstream rejected the request
// because the prompt is too long. The dispatch loop reacts by shrinking the
// transcript and retrying.
var ErrContextLengthExceeded = errors.New("context length exceeded")

// Response is the upstream's answer to one Messages call: the raw response
// body plus the decoded usage block.
type Response struct {
	Message json.RawMessage
	Usage   anthropic.Usage
}

// Transport dispatches an assembled request to the upstream model API.
type Transport interface {
	Dispatch(ctx context.Context, req *anthropic.MessagesRequest) (*Response, error)
}

// HTTPTransport forwards requests to an Anthropic-compatible HTTP endpoint.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewHTTPTransport creates a transport for the given endpoint.
func NewHTTPTransport(baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// usageProbe pulls the usage block out of a raw response body.
type usageProbe struct {
	Usage anthropic.Usage `json:"usage"`
}

// Dispatch sends one non-streaming Messages request. A length rejection from
// the upstream maps to ErrContextLengthExceeded.
func (t *HTTPTransport) Dispatch(ctx context.Context, req *anthropic.MessagesRequest) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", t.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var envelope anthropic.ErrorResponse
		if json.Unmarshal(data, &envelope) == nil && isLengthError(envelope.Error.Message) {
			return nil, fmt.Errorf("%w: %s", ErrContextLengthExceeded, envelope.Error.Message)
		}
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, data)
	}

	var probe usageProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &Response{Message: data, Usage: probe.Usage}, nil
}

// isLengthError matches the phrasings the upstream uses for an over-budget
// prompt.
func isLengthError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "too many tokens") ||
		strings.Contains(lower, "exceed")
}
