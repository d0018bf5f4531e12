// Package provider implements the summary-generation capability against
// real upstream LLM APIs. Each backend adapts one vendor SDK to the single
// Generate operation the history manager consumes; the manager caps prompt
// size, the adapters only move bytes.
package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

const summarySystemPrompt = "You are a conversation summarizer. Produce a concise, structured summary of the conversation."

// defaultSummaryMaxTokens bounds the summary completion; summaries are
// length-capped again by the history manager.
const defaultSummaryMaxTokens = 2048

// AnthropicGenerator generates summaries through the Anthropic Messages API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator creates a generator for the given model; an empty
// model selects a fast default.
func NewAnthropicGenerator(apiKey, baseURL, model string) *AnthropicGenerator {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Generate runs one non-streaming Messages call and returns the text output.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: defaultSummaryMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: summarySystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary call failed: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("summary response empty")
	}
	return text, nil
}

// OpenAIGenerator generates summaries through an OpenAI-compatible chat
// completions API (OpenAI, DeepSeek, etc.).
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator; baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Generate runs one chat completion and returns the first choice's content.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(defaultSummaryMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("summary call failed: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("summary response empty")
	}
	return completion.Choices[0].Message.Content, nil
}
