package provider

import "testing"

func TestNewAnthropicGeneratorDefaults(t *testing.T) {
	g := NewAnthropicGenerator("key", "", "")
	if g.model != "claude-haiku-4-5-20251001" {
		t.Errorf("model = %q", g.model)
	}

	g = NewAnthropicGenerator("key", "", "claude-sonnet-4-20250514")
	if g.model != "claude-sonnet-4-20250514" {
		t.Errorf("model override lost: %q", g.model)
	}
}

func TestNewOpenAIGeneratorDefaults(t *testing.T) {
	g := NewOpenAIGenerator("key", "https://api.deepseek.com", "")
	if g.model != "gpt-4o-mini" {
		t.Errorf("model = %q", g.model)
	}

	g = NewOpenAIGenerator("key", "", "deepseek-chat")
	if g.model != "deepseek-chat" {
		t.Errorf("model override lost: %q", g.model)
	}
}
