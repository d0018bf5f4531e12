package gateway

import (
	"encoding/json"

	"github.com/apexion-ai/relay/internal/anthropic"
	"github.com/apexion-ai/relay/internal/history"
)

// wireBlock covers every content block shape the converter recognizes.
// Unknown block types contribute nothing to the transcript model but pass
// through the wire untouched elsewhere.
type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// FromWire lowers wire messages into the flat transcript model the reduction
// policies operate on. Text blocks are concatenated, tool calls and tool
// results are lifted into structured fields.
func FromWire(messages []anthropic.Message) []history.Message {
	out := make([]history.Message, 0, len(messages))
	for i := range messages {
		m := history.Message{Role: history.Role(messages[i].Role)}

		if blocks := messages[i].Blocks(); blocks != nil {
			for _, raw := range blocks {
				var b wireBlock
				if err := json.Unmarshal(raw, &b); err != nil {
					continue
				}
				switch b.Type {
				case "text":
					if m.Content != "" {
						m.Content += "\n"
					}
					m.Content += b.Text
				case "tool_use":
					m.ToolUses = append(m.ToolUses, history.ToolUse{
						ID: b.ID, Name: b.Name, Input: b.Input,
					})
				case "tool_result":
					m.ToolResults = append(m.ToolResults, history.ToolResult{
						ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError,
					})
				}
			}
		} else {
			m.Content = messages[i].Text()
		}

		out = append(out, m)
	}
	return out
}

// ToWire raises transcript messages back into wire form. A message carrying
// only text becomes a plain string content; anything with tool traffic
// becomes a block array in text, tool_use, tool_result order.
func ToWire(messages []history.Message) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(messages))
	for i := range messages {
		m := &messages[i]

		if len(m.ToolUses) == 0 && len(m.ToolResults) == 0 {
			content, _ := json.Marshal(m.Content)
			out = append(out, anthropic.Message{Role: string(m.Role), Content: content})
			continue
		}

		var blocks []wireBlock
		// Tool results lead on user messages, matching how clients send them.
		for _, tr := range m.ToolResults {
			blocks = append(blocks, wireBlock{
				Type: "tool_result", ToolUseID: tr.ToolUseID,
				Content: tr.Content, IsError: tr.IsError,
			})
		}
		if m.Content != "" {
			blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
		}
		for _, tu := range m.ToolUses {
			input := tu.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, wireBlock{
				Type: "tool_use", ID: tu.ID, Name: tu.Name, Input: input,
			})
		}

		content, _ := json.Marshal(blocks)
		out = append(out, anthropic.Message{Role: string(m.Role), Content: content})
	}
	return out
}
