// Package promptcache computes content-addressed cache breakpoints over an
// assembled Messages request and reconciles them against a shared key-value
// store, reporting how many input tokens are already paid for.
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/apexion-ai/relay/internal/anthropic"
)

// TTLs derived from a breakpoint's cache-control marker.
const (
	DefaultTTL  = 5 * time.Minute
	ExtendedTTL = time.Hour
)

// Estimator approximates the token count of a text fragment. Exact counting
// is the upstream's business; accounting only needs a stable proxy.
type Estimator func(text string) int

// DefaultEstimator is the chars/4 heuristic.
func DefaultEstimator(text string) int { return len(text) / 4 }

// Breakpoint is a declared cache boundary in a canonicalized request body.
type Breakpoint struct {
	// Hash is the hex digest of all canonical content up to and including
	// the marked unit.
	Hash string
	// Tokens is the cumulative estimated token count at this boundary.
	Tokens int
	TTL    time.Duration
}

// Result is the cache accounting for one request. The three fields sum to
// the request's total estimated input tokens (clamped at zero).
type Result struct {
	CacheReadInputTokens     int
	CacheCreationInputTokens int
	UncachedInputTokens      int
}

// Store is the shared external cache the engine reconciles against.
// Individual failures degrade to cache misses, never to request failures.
type Store interface {
	// Get returns the recorded token count for key, or ok=false on a miss.
	Get(ctx context.Context, key string) (tokens int, ok bool, err error)
	SetWithTTL(ctx context.Context, key string, tokens int, ttl time.Duration) error
	RefreshTTL(ctx context.Context, key string, ttl time.Duration) error
}

// Engine computes breakpoints and performs lookup/creation. A nil store
// degrades to "no caching".
type Engine struct {
	store    Store
	estimate Estimator
}

// NewEngine creates an Engine over store. A nil estimator selects
// DefaultEstimator.
func NewEngine(store Store, estimate Estimator) *Engine {
	if estimate == nil {
		estimate = DefaultEstimator
	}
	return &Engine{store: store, estimate: estimate}
}

// ── Breakpoint computation ───────────────────────────────────────────────────

func parseTTL(cc *anthropic.CacheControl) time.Duration {
	if cc != nil && cc.TTL == "1h" {
		return ExtendedTTL
	}
	return DefaultTTL
}

// contentBlockProbe extracts the fields the engine inspects from a raw
// content block; everything else hashes as-is.
type contentBlockProbe struct {
	Text         string                  `json:"text"`
	CacheControl *anthropic.CacheControl `json:"cache_control"`
}

// ComputeBreakpoints scans the request body in canonical order (tool
// definitions sorted by name, system blocks in order, then every message's
// content blocks in order), feeding each unit into one rolling hash and
// emitting a breakpoint wherever a cache-control marker appears. The second
// return value is the total estimated input token count of the request.
func (e *Engine) ComputeBreakpoints(tools []json.RawMessage, system []anthropic.SystemBlock, messages []anthropic.Message) ([]Breakpoint, int) {
	hasher := sha256.New()
	var breakpoints []Breakpoint
	tokens := 0

	emit := func(cc *anthropic.CacheControl) {
		breakpoints = append(breakpoints, Breakpoint{
			Hash:   digestHex(hasher),
			Tokens: tokens,
			TTL:    parseTTL(cc),
		})
	}

	// Tools: order-independent input, order-stable hash.
	parsed := make([]anthropic.Tool, 0, len(tools))
	for _, raw := range tools {
		if tool, ok := anthropic.ParseTool(raw); ok {
			parsed = append(parsed, tool)
		}
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Name < parsed[j].Name })
	for i := range parsed {
		normalized := normalizeTool(&parsed[i])
		hasher.Write([]byte(normalized))
		tokens += e.estimate(normalized)
		if parsed[i].CacheControl != nil {
			emit(parsed[i].CacheControl)
		}
	}

	for i := range system {
		hasher.Write([]byte(system[i].Text))
		tokens += e.estimate(system[i].Text)
		if system[i].CacheControl != nil {
			emit(system[i].CacheControl)
		}
	}

	for i := range messages {
		if blocks := messages[i].Blocks(); blocks != nil {
			for _, block := range blocks {
				hasher.Write(block)
				var probe contentBlockProbe
				if err := json.Unmarshal(block, &probe); err != nil {
					continue
				}
				tokens += e.estimate(probe.Text)
				if probe.CacheControl != nil {
					emit(probe.CacheControl)
				}
			}
			continue
		}
		if text := messages[i].Text(); text != "" {
			hasher.Write([]byte(text))
			tokens += e.estimate(text)
		}
	}

	slog.Debug("cache breakpoints computed",
		"breakpoints", len(breakpoints), "tools", len(parsed),
		"system", len(system), "messages", len(messages), "tokens", tokens)
	return breakpoints, tokens
}

// digestHex returns the hex digest of the hash's current state without
// disturbing the rolling accumulator.
func digestHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeTool renders a tool definition in a stable string form: name,
// description if non-empty, then the input schema with JSON keys sorted
// recursively.
func normalizeTool(tool *anthropic.Tool) string {
	var parts []string
	parts = append(parts, "name:"+tool.Name)
	if tool.Description != "" {
		parts = append(parts, "desc:"+tool.Description)
	}
	if len(tool.InputSchema) > 0 {
		if sorted, err := canonicalJSON(tool.InputSchema); err == nil {
			parts = append(parts, "schema:"+sorted)
		}
	}
	return strings.Join(parts, "|")
}

// canonicalJSON re-encodes a value with object keys sorted at every level.
// encoding/json marshals Go maps with sorted keys, so a decode/encode round
// trip through any canonicalizes nested objects.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ── Lookup / creation ────────────────────────────────────────────────────────

func cacheKey(namespace, hash string) string {
	return fmt.Sprintf("cache:%s:%s", namespace, hash)
}

// LookupOrCreate scans breakpoints from last to first, so the first hit found
// is the longest cached prefix. It records the hit's token count as read tokens,
// refreshes its TTL, and writes entries for every breakpoint after the hit.
// On a total miss all breakpoints are written and the last one's token count
// is attributed to creation. Store failures count as misses.
func (e *Engine) LookupOrCreate(ctx context.Context, namespace string, breakpoints []Breakpoint, totalInputTokens int) Result {
	if e.store == nil || len(breakpoints) == 0 {
		return Result{UncachedInputTokens: max(0, totalInputTokens)}
	}

	var result Result
	for i := len(breakpoints) - 1; i >= 0; i-- {
		bp := breakpoints[i]
		key := cacheKey(namespace, bp.Hash)

		cached, ok, err := e.store.Get(ctx, key)
		if err != nil {
			slog.Debug("cache store get failed", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}

		slog.Debug("cache hit", "key", key, "tokens", cached)
		result.CacheReadInputTokens = cached
		if err := e.store.RefreshTTL(ctx, key, bp.TTL); err != nil {
			slog.Debug("cache ttl refresh failed", "key", key, "error", err)
		}

		for _, later := range breakpoints[i+1:] {
			laterKey := cacheKey(namespace, later.Hash)
			if err := e.store.SetWithTTL(ctx, laterKey, later.Tokens, later.TTL); err != nil {
				slog.Debug("cache store set failed", "key", laterKey, "error", err)
			}
			result.CacheCreationInputTokens += later.Tokens - cached
		}
		break
	}

	if result.CacheReadInputTokens == 0 && result.CacheCreationInputTokens == 0 {
		last := breakpoints[len(breakpoints)-1]
		result.CacheCreationInputTokens = last.Tokens
		for _, bp := range breakpoints {
			key := cacheKey(namespace, bp.Hash)
			if err := e.store.SetWithTTL(ctx, key, bp.Tokens, bp.TTL); err != nil {
				slog.Debug("cache store set failed", "key", key, "error", err)
			}
		}
	}

	result.UncachedInputTokens = max(0, totalInputTokens-result.CacheReadInputTokens-result.CacheCreationInputTokens)

	slog.Debug("cache result",
		"read", result.CacheReadInputTokens,
		"creation", result.CacheCreationInputTokens,
		"uncached", result.UncachedInputTokens)
	return result
}
