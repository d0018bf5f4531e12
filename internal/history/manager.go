package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Generator is the summary-generation capability. Implementations call an
// upstream LLM; the Manager caps the prompt size, not the generator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TruncateInfo records the outcome of one reduction attempt. It is produced
// fresh by every reduction call and consumed for logging only.
type TruncateInfo struct {
	Truncated     bool
	Message       string
	OriginalCount int
	FinalCount    int
	UsedSummary   bool
}

func truncated(msg string, original, final int) TruncateInfo {
	return TruncateInfo{Truncated: true, Message: msg, OriginalCount: original, FinalCount: final}
}

func summarized(msg string, original, final int) TruncateInfo {
	info := truncated(msg, original, final)
	info.UsedSummary = true
	return info
}

// Manager applies the least-destructive enabled reduction policy to keep a
// transcript within budget while preserving tool pairing and the leading
// user role. Instances are request-local; the summary cache is the only
// shared state and is injected at construction.
type Manager struct {
	cfg      Config
	cache    *SummaryCache
	cacheKey string
	info     TruncateInfo
}

// NewManager creates a Manager with the given policy configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// WithSummaryCache attaches the shared summary cache.
func (m *Manager) WithSummaryCache(cache *SummaryCache) *Manager {
	m.cache = cache
	return m
}

// WithCacheKey scopes summary cache entries to a session.
func (m *Manager) WithCacheKey(key string) *Manager {
	m.cacheKey = key
	return m
}

// TruncateInfo returns the record of the most recent reduction.
func (m *Manager) TruncateInfo() TruncateInfo { return m.info }

// WasTruncated reports whether the most recent call reduced the transcript.
func (m *Manager) WasTruncated() bool { return m.info.Truncated }

// Reset clears the reduction record.
func (m *Manager) Reset() { m.info = TruncateInfo{} }

// ── Size checks ──────────────────────────────────────────────────────────────

// EstimateRequestChars returns (history, user input, total) character
// estimates for an outbound request.
func (m *Manager) EstimateRequestChars(history []Message, userContent string) (int, int, int) {
	historyChars := EstimateChars(history)
	userChars := len(userContent)
	return historyChars, userChars, historyChars + userChars
}

// ShouldPreTruncate reports whether the pre-estimate strategy wants a
// reduction before the first send.
func (m *Manager) ShouldPreTruncate(history []Message, userContent string) bool {
	if !m.cfg.HasStrategy(StrategyPreEstimate) {
		return false
	}
	_, _, total := m.EstimateRequestChars(history, userContent)
	return total > m.cfg.EstimateThreshold
}

// ShouldSummarize reports whether the smart-summary strategy wants to
// compress the transcript.
func (m *Manager) ShouldSummarize(history []Message) bool {
	if !m.cfg.HasStrategy(StrategySmartSummary) {
		return false
	}
	return EstimateChars(history) > m.cfg.SummaryThreshold &&
		len(history) > m.cfg.SummaryKeepRecent
}

// ── Plain truncation ─────────────────────────────────────────────────────────

// TruncateByCount keeps only the most recent maxCount messages. No-op when
// the transcript already fits.
func (m *Manager) TruncateByCount(history []Message, maxCount int) []Message {
	if len(history) <= maxCount {
		return history
	}
	original := len(history)
	result := history[original-maxCount:]
	m.info = truncated(
		fmt.Sprintf("truncated by count: %d -> %d messages", original, len(result)),
		original, len(result))
	return result
}

// TruncateByChars walks from the most recent message backward, keeping
// messages until the character budget is exhausted. At least one message is
// kept when any exist.
func (m *Manager) TruncateByChars(history []Message, maxChars int) []Message {
	originalChars := EstimateChars(history)
	if originalChars <= maxChars {
		return history
	}

	original := len(history)
	kept := 0
	currentChars := 0
	for i := len(history) - 1; i >= 0; i-- {
		msgChars := history[i].EstimateChars()
		if currentChars+msgChars > maxChars && kept > 0 {
			break
		}
		currentChars += msgChars
		kept++
	}
	result := history[original-kept:]

	m.info = truncated(
		fmt.Sprintf("truncated by chars: %d -> %d messages (%d -> %d chars)",
			original, len(result), originalChars, currentChars),
		original, len(result))
	return result
}

// ── Summarization ────────────────────────────────────────────────────────────

const (
	// messagePreviewChars caps each message's contribution to the summary
	// prompt.
	messagePreviewChars = 500
	// summaryPromptInputChars caps the formatted transcript fed to the
	// generator.
	summaryPromptInputChars = 10_000

	summaryPrefixMarker = "[Earlier conversation summary]"
	summarySuffixMarker = "[Continuing from recent messages...]"
	summaryAckText      = "I understand the context. Let's continue."
)

func formatForSummary(history []Message) string {
	lines := make([]string, 0, len(history))
	for i := range history {
		content := history[i].Content
		if len(content) > messagePreviewChars {
			content = content[:messagePreviewChars] + "..."
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", history[i].Role, content))
	}
	return strings.Join(lines, "\n")
}

func buildSummaryPrompt(history []Message, maxLength int) string {
	formatted := formatForSummary(history)
	if len(formatted) > summaryPromptInputChars {
		formatted = formatted[:summaryPromptInputChars] + "...(truncated)"
	}
	return fmt.Sprintf(`Summarize the key information of the following conversation history, including:
1. The user's main goals and requirements
2. Important actions already completed
3. The current working state and context

Conversation history:
%s

Keep the summary under %d characters:`, formatted, maxLength)
}

// BuildSummaryHistory assembles a reduced transcript: a synthetic user
// message carrying the summary, a fixed assistant acknowledgment, then the
// retained recent messages with structural invariants repaired.
func BuildSummaryHistory(summary string, recent []Message) []Message {
	// The transcript must start with a user message after the pair.
	for len(recent) > 0 && recent[0].Role == RoleAssistant {
		recent = recent[1:]
	}

	// The synthetic assistant ack carries no tool calls, so the first
	// retained user message must not answer any.
	if len(recent) > 0 && recent[0].Role == RoleUser && len(recent[0].ToolResults) > 0 {
		recent = CloneMessages(recent)
		recent[0].ToolResults = nil
	}

	result := make([]Message, 0, len(recent)+2)
	result = append(result,
		UserMessage(fmt.Sprintf("%s\n%s\n\n%s", summaryPrefixMarker, summary, summarySuffixMarker)),
		AssistantMessage(summaryAckText))
	result = append(result, recent...)

	return FixToolPairing(result)
}

// ExtractSummary returns the summary text carried by the synthetic user
// message BuildSummaryHistory produces, or false for any other message.
func ExtractSummary(m Message) (string, bool) {
	if m.Role != RoleUser {
		return "", false
	}
	prefix := summaryPrefixMarker + "\n"
	suffix := "\n\n" + summarySuffixMarker
	if !strings.HasPrefix(m.Content, prefix) || !strings.HasSuffix(m.Content, suffix) {
		return "", false
	}
	return m.Content[len(prefix) : len(m.Content)-len(suffix)], true
}

// cachedOrGeneratedSummary resolves a summary for the dropped prefix, first
// from the session cache, then from the generator. The cache lock never
// spans the Generate call.
func (m *Manager) cachedOrGeneratedSummary(ctx context.Context, key string, old []Message, gen Generator) (string, bool, error) {
	cacheable := m.cfg.SummaryCacheEnabled && m.cache != nil && key != ""
	if cacheable {
		if summary, ok := m.cache.Get(key, len(old), m.cfg.SummaryCacheMaxAge(), m.cfg.SummaryCacheMaxDelta); ok {
			slog.Debug("summary cache hit", "key", key)
			return summary, true, nil
		}
	}

	summary, err := gen.Generate(ctx, buildSummaryPrompt(old, m.cfg.SummaryMaxLength))
	if err != nil {
		return "", false, err
	}
	if len(summary) > m.cfg.SummaryMaxLength {
		summary = summary[:m.cfg.SummaryMaxLength] + "..."
	}
	if cacheable {
		m.cache.Set(key, summary, len(old))
		slog.Debug("summary cached", "key", key, "len", len(summary))
	}
	return summary, false, nil
}

// CompressWithSummary replaces the transcript's old prefix with a generated
// (or cached) summary, keeping the configured recent window intact. On
// generation failure it falls back to plain truncation over the recent
// window. Returns the reduced transcript and whether a summary was used.
func (m *Manager) CompressWithSummary(ctx context.Context, history []Message, gen Generator) ([]Message, bool) {
	if EstimateChars(history) <= m.cfg.SummaryThreshold {
		return history, false
	}
	if len(history) <= m.cfg.SummaryKeepRecent {
		return history, false
	}

	original := len(history)
	keepRecent := m.cfg.SummaryKeepRecent
	split := len(history) - keepRecent
	old, recent := history[:split], history[split:]

	key := ""
	if m.cacheKey != "" {
		key = fmt.Sprintf("%s:%d", m.cacheKey, keepRecent)
	}

	summary, fromCache, err := m.cachedOrGeneratedSummary(ctx, key, old, gen)
	if err != nil {
		slog.Warn("summary generation failed, falling back to truncation", "error", err)
		result := FixToolPairing(recent)
		m.info = truncated(
			fmt.Sprintf("summary failed, truncated: %d -> %d messages", original, len(result)),
			original, len(result))
		return result, false
	}

	result := BuildSummaryHistory(summary, recent)
	label := "smart summary"
	if fromCache {
		label = "smart summary (cached)"
	}
	m.info = summarized(
		fmt.Sprintf("%s: %d -> %d messages", label, original, len(result)),
		original, len(result))
	return result, true
}

// ── Length-error retry ───────────────────────────────────────────────────────

// retryTarget returns the message count to shrink to for the given retry,
// monotonically decreasing with a floor of 5.
func (m *Manager) retryTarget(retryCount int) int {
	factor := 1.0 - float64(retryCount)*m.cfg.RetryShrinkFactor
	target := int(float64(m.cfg.RetryMaxMessages) * factor)
	if target < 5 {
		target = 5
	}
	return target
}

// handleLengthErrorChecks applies the common preconditions. Returns false
// when no further reduction should be attempted.
func (m *Manager) handleLengthErrorChecks(history []Message, retryCount int) bool {
	if !m.cfg.HasStrategy(StrategyErrorRetry) {
		return false
	}
	if retryCount >= m.cfg.MaxRetries {
		return false
	}
	return len(history) > 0
}

// HandleLengthError shrinks the transcript after an upstream length
// rejection using plain truncation. Returns the reduced transcript and
// whether a retry is worthwhile.
func (m *Manager) HandleLengthError(history []Message, retryCount int) ([]Message, bool) {
	if !m.handleLengthErrorChecks(history, retryCount) {
		return history, false
	}

	m.Reset()
	target := m.retryTarget(retryCount)
	if len(history) <= target {
		return history, false
	}

	result := m.TruncateByCount(history, target)
	if !m.info.Truncated {
		return result, false
	}
	m.info.Message = fmt.Sprintf("length-error retry %d: %d -> %d messages",
		retryCount+1, m.info.OriginalCount, m.info.FinalCount)
	return result, true
}

// HandleLengthErrorWithSummary is HandleLengthError with summarization: the
// dropped prefix is summarized (cache-or-generate, retry-namespaced cache
// key) and any summary failure falls back to plain truncation.
func (m *Manager) HandleLengthErrorWithSummary(ctx context.Context, history []Message, retryCount int, gen Generator) ([]Message, bool) {
	if !m.handleLengthErrorChecks(history, retryCount) {
		return history, false
	}

	m.Reset()
	target := m.retryTarget(retryCount)
	if len(history) <= target {
		return history, false
	}

	original := len(history)
	split := len(history) - target
	old, recent := history[:split], history[split:]

	if gen != nil {
		// Retry summaries are cached separately from the proactive path:
		// they summarize a different prefix.
		key := ""
		if m.cacheKey != "" {
			key = fmt.Sprintf("%s:retry:%d", m.cacheKey, target)
		}
		summary, fromCache, err := m.cachedOrGeneratedSummary(ctx, key, old, gen)
		if err == nil {
			result := BuildSummaryHistory(summary, recent)
			label := "length-error retry summary"
			if fromCache {
				label = "length-error retry summary (cached)"
			}
			m.info = summarized(
				fmt.Sprintf("%s %d: %d -> %d messages", label, retryCount+1, original, len(result)),
				original, len(result))
			return result, true
		}
		slog.Warn("retry summary generation failed", "retry", retryCount, "error", err)
	}

	m.Reset()
	result := m.TruncateByCount(history, target)
	if !m.info.Truncated {
		return result, false
	}
	m.info.Message = fmt.Sprintf("length-error retry %d: %d -> %d messages",
		retryCount+1, original, m.info.FinalCount)
	return result, true
}

// ── Structural repair ────────────────────────────────────────────────────────

// FixToolPairing drops tool results whose tool_use_id no longer references a
// tool call present in the transcript.
func FixToolPairing(history []Message) []Message {
	ids := make(map[string]struct{})
	for i := range history {
		if history[i].Role != RoleAssistant {
			continue
		}
		for _, tu := range history[i].ToolUses {
			ids[tu.ID] = struct{}{}
		}
	}

	for i := range history {
		if history[i].Role != RoleUser || len(history[i].ToolResults) == 0 {
			continue
		}
		var kept []ToolResult
		for _, tr := range history[i].ToolResults {
			if _, ok := ids[tr.ToolUseID]; ok {
				kept = append(kept, tr)
			}
		}
		history[i].ToolResults = kept
	}
	return history
}

// FixHistoryAfterTruncate drops leading assistant messages so the transcript
// starts with a user message, then repairs tool pairing.
func FixHistoryAfterTruncate(history []Message) []Message {
	for len(history) > 0 && history[0].Role == RoleAssistant {
		history = history[1:]
	}
	if len(history) == 0 {
		return history
	}
	return FixToolPairing(history)
}
