// Package anthropic defines the wire types of the Anthropic Messages API as
// the gateway sees them. Request content is kept as raw JSON wherever clients
// may send fields we do not model, so a request survives a decode/encode
// round trip byte-compatible at the block level.
package anthropic

import (
	"encoding/json"
)

// ── Cache control ────────────────────────────────────────────────────────────

// CacheControl is an explicit cache breakpoint marker on a tool, system
// block, or message content block.
type CacheControl struct {
	Type string `json:"type"`
	// TTL is "5m" (default) or "1h".
	TTL string `json:"ttl,omitempty"`
}

// ── Messages endpoint ────────────────────────────────────────────────────────

// MaxBudgetTokens caps the thinking budget a client may request.
const MaxBudgetTokens = 24576

const defaultBudgetTokens = 20000

// Thinking enables extended thinking on a request.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// UnmarshalJSON clamps budget_tokens to MaxBudgetTokens and applies the
// default when absent.
func (t *Thinking) UnmarshalJSON(data []byte) error {
	type alias Thinking
	var a alias
	a.BudgetTokens = defaultBudgetTokens
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.BudgetTokens > MaxBudgetTokens {
		a.BudgetTokens = MaxBudgetTokens
	}
	*t = Thinking(a)
	return nil
}

// MessagesRequest is the POST /v1/messages request body.
type MessagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []Message     `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	System    []SystemBlock `json:"system,omitempty"`
	// Tools may mix plain tool definitions with server tools
	// (web_search etc.); kept raw and parsed on demand.
	Tools      []json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage   `json:"tool_choice,omitempty"`
	Thinking   *Thinking         `json:"thinking,omitempty"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
}

// DefaultMaxTokens is applied when a request omits max_tokens.
const DefaultMaxTokens = 4096

// Message is a single conversation message. Content is either a JSON string
// or an array of content blocks; it is kept raw to preserve fields we do not
// model.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text returns the content when it is a plain JSON string, else "".
func (m *Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// Blocks returns the raw content blocks when content is an array, else nil.
func (m *Message) Blocks() []json.RawMessage {
	var blocks []json.RawMessage
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// SystemBlock is one entry of the system array.
type SystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// UnmarshalJSON defaults type to "text" when the client omits it.
func (s *SystemBlock) UnmarshalJSON(data []byte) error {
	type alias SystemBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Type == "" {
		a.Type = "text"
	}
	*s = SystemBlock(a)
	return nil
}

// Tool is a plain client tool definition. Server tools (web_search etc.) do
// not parse into this shape and are skipped by ParseTool.
type Tool struct {
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	InputSchema  map[string]json.RawMessage `json:"input_schema"`
	CacheControl *CacheControl              `json:"cache_control,omitempty"`
}

// ParseTool decodes a raw tools entry into a Tool. It returns false for
// entries that are not plain tool definitions.
func ParseTool(raw json.RawMessage) (Tool, bool) {
	var t Tool
	if err := json.Unmarshal(raw, &t); err != nil {
		return Tool{}, false
	}
	if t.Name == "" || t.InputSchema == nil {
		return Tool{}, false
	}
	return t, true
}

// ── Count tokens endpoint ────────────────────────────────────────────────────

type CountTokensRequest struct {
	Model    string            `json:"model"`
	Messages []Message         `json:"messages"`
	System   []SystemBlock     `json:"system,omitempty"`
	Tools    []json.RawMessage `json:"tools,omitempty"`
}

type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ── Usage and responses ──────────────────────────────────────────────────────

// Usage is the token accounting block of a Messages response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ── Errors ───────────────────────────────────────────────────────────────────

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds an error envelope with the given error type and
// message.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}

// AuthenticationError is the canonical invalid-key response.
func AuthenticationError() ErrorResponse {
	return NewErrorResponse("authentication_error", "Invalid API key")
}
