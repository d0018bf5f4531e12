// Package history keeps an outbound conversation transcript within the
// upstream size budget. It provides the transcript data model, the reduction
// policies (truncation, LLM summarization, progressive retry shrink), the
// per-session summary cache, and durable session storage.
package history

import "encoding/json"

// Role of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolUse is a tool call issued by the assistant.
type ToolUse struct {
	ID    string          `json:"tool_use_id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult answers a prior assistant tool call.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolSpec is a tool definition offered to the model on a user message.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Message is one transcript entry. User messages carry text plus tool
// results and offered tools; assistant messages carry text plus tool calls.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Tools       []ToolSpec   `json:"tools,omitempty"`
}

// UserMessage builds a plain user text message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a plain assistant text message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// EstimateChars returns the character-count size proxy for one message:
// text length plus the serialized size of its tool calls, tool results and
// tool definitions. Tool schemas are charged a flat estimate, matching how
// the upstream bills them.
func (m *Message) EstimateChars() int {
	n := len(m.Content)
	for _, tu := range m.ToolUses {
		n += len(tu.Name) + len(tu.ID) + len(tu.Input)
	}
	for _, tr := range m.ToolResults {
		n += len(tr.ToolUseID) + len(tr.Content)
	}
	for _, t := range m.Tools {
		n += len(t.Name) + len(t.Description) + toolSchemaEstimate
	}
	return n
}

const toolSchemaEstimate = 200

// EstimateChars sums the per-message size proxy over a transcript. Pure and
// deterministic; no upstream calls.
func EstimateChars(history []Message) int {
	total := 0
	for i := range history {
		total += history[i].EstimateChars()
	}
	return total
}

// CloneMessages deep-copies a transcript so reductions never alias the
// caller's slice.
func CloneMessages(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m
		if m.ToolUses != nil {
			out[i].ToolUses = append([]ToolUse(nil), m.ToolUses...)
		}
		if m.ToolResults != nil {
			out[i].ToolResults = append([]ToolResult(nil), m.ToolResults...)
		}
		if m.Tools != nil {
			out[i].Tools = append([]ToolSpec(nil), m.Tools...)
		}
	}
	return out
}
