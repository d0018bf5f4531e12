package gateway

import (
	"encoding/json"
	"testing"

	"github.com/apexion-ai/relay/internal/anthropic"
	"github.com/apexion-ai/relay/internal/history"
)

func TestFromWireStringContent(t *testing.T) {
	wire := []anthropic.Message{
		{Role: "user", Content: json.RawMessage(`"hello"`)},
		{Role: "assistant", Content: json.RawMessage(`"hi"`)},
	}

	got := FromWire(wire)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Role != history.RoleUser || got[0].Content != "hello" {
		t.Errorf("wrong first message: %+v", got[0])
	}
	if got[1].Role != history.RoleAssistant || got[1].Content != "hi" {
		t.Errorf("wrong second message: %+v", got[1])
	}
}

func TestFromWireBlocks(t *testing.T) {
	wire := []anthropic.Message{
		{Role: "assistant", Content: json.RawMessage(
			`[{"type":"text","text":"let me check"},` +
				`{"type":"tool_use","id":"tu_1","name":"read","input":{"path":"main.go"}}]`)},
		{Role: "user", Content: json.RawMessage(
			`[{"type":"tool_result","tool_use_id":"tu_1","content":"package main","is_error":false},` +
				`{"type":"text","text":"thanks"}]`)},
	}

	got := FromWire(wire)
	if got[0].Content != "let me check" {
		t.Errorf("wrong assistant text: %q", got[0].Content)
	}
	if len(got[0].ToolUses) != 1 || got[0].ToolUses[0].ID != "tu_1" || got[0].ToolUses[0].Name != "read" {
		t.Errorf("wrong tool uses: %+v", got[0].ToolUses)
	}
	if len(got[1].ToolResults) != 1 || got[1].ToolResults[0].ToolUseID != "tu_1" {
		t.Errorf("wrong tool results: %+v", got[1].ToolResults)
	}
	if got[1].Content != "thanks" {
		t.Errorf("wrong user text: %q", got[1].Content)
	}
}

func TestFromWireMultipleTextBlocks(t *testing.T) {
	wire := []anthropic.Message{
		{Role: "user", Content: json.RawMessage(
			`[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`)},
	}
	got := FromWire(wire)
	if got[0].Content != "line one\nline two" {
		t.Errorf("text blocks should join with newline: %q", got[0].Content)
	}
}

func TestToWirePlainText(t *testing.T) {
	transcript := []history.Message{history.UserMessage("hello")}

	wire := ToWire(transcript)
	if string(wire[0].Content) != `"hello"` {
		t.Errorf("plain text should encode as a JSON string: %s", wire[0].Content)
	}
}

func TestToWireToolTraffic(t *testing.T) {
	transcript := []history.Message{
		{Role: history.RoleAssistant, Content: "checking", ToolUses: []history.ToolUse{
			{ID: "tu_1", Name: "read", Input: json.RawMessage(`{"path":"x"}`)},
		}},
		{Role: history.RoleUser, ToolResults: []history.ToolResult{
			{ToolUseID: "tu_1", Content: json.RawMessage(`"ok"`)},
		}},
	}

	wire := ToWire(transcript)
	blocks := wire[0].Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 assistant blocks, got %d", len(blocks))
	}

	var probe struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	json.Unmarshal(blocks[0], &probe)
	if probe.Type != "text" || probe.Text != "checking" {
		t.Errorf("first block should be the text: %+v", probe)
	}
	json.Unmarshal(blocks[1], &probe)
	if probe.Type != "tool_use" {
		t.Errorf("second block should be the tool call: %+v", probe)
	}

	userBlocks := wire[1].Blocks()
	if len(userBlocks) != 1 {
		t.Fatalf("expected 1 user block, got %d", len(userBlocks))
	}
	json.Unmarshal(userBlocks[0], &probe)
	if probe.Type != "tool_result" {
		t.Errorf("user block should be the tool result: %+v", probe)
	}
}

func TestRoundTripPreservesSemantics(t *testing.T) {
	transcript := []history.Message{
		history.UserMessage("question"),
		{Role: history.RoleAssistant, Content: "using a tool", ToolUses: []history.ToolUse{
			{ID: "tu_9", Name: "grep", Input: json.RawMessage(`{"pattern":"x"}`)},
		}},
		{Role: history.RoleUser, Content: "and then", ToolResults: []history.ToolResult{
			{ToolUseID: "tu_9", Content: json.RawMessage(`"match"`), IsError: false},
		}},
	}

	back := FromWire(ToWire(transcript))
	if len(back) != len(transcript) {
		t.Fatalf("length changed: %d -> %d", len(transcript), len(back))
	}
	for i := range transcript {
		if back[i].Role != transcript[i].Role {
			t.Errorf("message %d: role changed", i)
		}
		if back[i].Content != transcript[i].Content {
			t.Errorf("message %d: content changed: %q -> %q", i, transcript[i].Content, back[i].Content)
		}
		if len(back[i].ToolUses) != len(transcript[i].ToolUses) {
			t.Errorf("message %d: tool uses changed", i)
		}
		if len(back[i].ToolResults) != len(transcript[i].ToolResults) {
			t.Errorf("message %d: tool results changed", i)
		}
	}
}
