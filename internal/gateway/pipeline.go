// Package gateway assembles the request pipeline: transcript persistence,
// size reduction, prompt-cache accounting, upstream dispatch with
// length-error retries, and per-session token tracking.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apexion-ai/relay/internal/anthropic"
	"github.com/apexion-ai/relay/internal/history"
	"github.com/apexion-ai/relay/internal/promptcache"
	"github.com/apexion-ai/relay/internal/session"
)

// Pipeline wires the subsystems together. All dependencies are injected;
// store, engine and generator may be nil, each disabling its feature.
type Pipeline struct {
	cfg       history.Config
	store     history.Store
	cache     *history.SummaryCache
	engine    *promptcache.Engine
	generator history.Generator
	transport Transport
	tracker   *session.TokenTracker
	namespace string
}

// PipelineOptions collects the injected dependencies.
type PipelineOptions struct {
	Config    history.Config
	Store     history.Store
	Cache     *history.SummaryCache
	Engine    *promptcache.Engine
	Generator history.Generator
	Transport Transport
	Tracker   *session.TokenTracker
	Namespace string
}

// NewPipeline creates a Pipeline from its dependencies.
func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{
		cfg:       opts.Config,
		store:     opts.Store,
		cache:     opts.Cache,
		engine:    opts.Engine,
		generator: opts.Generator,
		transport: opts.Transport,
		tracker:   opts.Tracker,
		namespace: opts.Namespace,
	}
}

// Handle runs one Messages request through the full pipeline and returns the
// upstream response with usage adjusted by the prompt-cache accounting and
// the session token tracker.
func (p *Pipeline) Handle(ctx context.Context, sessionID string, req *anthropic.MessagesRequest) (*Response, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = anthropic.DefaultMaxTokens
	}

	transcript := FromWire(req.Messages)

	// Persist what the client sent before any reduction.
	if p.store != nil && sessionID != "" {
		if err := p.store.Save(sessionID, transcript); err != nil {
			slog.Warn("history save failed", "session_id", sessionID, "error", err)
		}
	}

	mgr := history.NewManager(p.cfg).
		WithSummaryCache(p.cache).
		WithCacheKey(sessionID)

	reduced := p.reduce(ctx, mgr, transcript, sessionID)
	req.Messages = ToWire(reduced)

	var cacheResult *promptcache.Result
	if p.engine != nil {
		breakpoints, total := p.engine.ComputeBreakpoints(req.Tools, req.System, req.Messages)
		result := p.engine.LookupOrCreate(ctx, p.namespace, breakpoints, total)
		cacheResult = &result
	}

	resp, err := p.dispatch(ctx, mgr, req, reduced)
	if err != nil {
		return nil, err
	}

	p.adjustUsage(sessionID, resp, cacheResult)
	return resp, nil
}

// reduce applies the proactive reduction policies in least-destructive order:
// pre-estimate truncation first, then summarization when still over budget.
func (p *Pipeline) reduce(ctx context.Context, mgr *history.Manager, transcript []history.Message, sessionID string) []history.Message {
	reduced := transcript

	if mgr.ShouldPreTruncate(reduced, "") {
		reduced = mgr.TruncateByChars(reduced, p.cfg.MaxChars)
		reduced = history.FixHistoryAfterTruncate(reduced)
		slog.Info("pre-estimate truncation", "session_id", sessionID,
			"detail", mgr.TruncateInfo().Message)
	}

	if p.generator != nil && mgr.ShouldSummarize(reduced) {
		compressed, usedSummary := mgr.CompressWithSummary(ctx, reduced, p.generator)
		reduced = compressed
		if usedSummary && p.store != nil && sessionID != "" {
			// Record the summary alongside the raw transcript so a future
			// session resume can skip regeneration.
			summary := summaryFrom(compressed)
			if err := p.store.SaveWithSummary(sessionID, transcript, summary); err != nil {
				slog.Warn("summary save failed", "session_id", sessionID, "error", err)
			}
		}
		slog.Info("transcript reduced", "session_id", sessionID,
			"detail", mgr.TruncateInfo().Message)
	}

	return reduced
}

// dispatch sends the request and, on a length rejection, shrinks the
// transcript and retries up to the configured limit.
func (p *Pipeline) dispatch(ctx context.Context, mgr *history.Manager, req *anthropic.MessagesRequest, reduced []history.Message) (*Response, error) {
	retry := 0
	for {
		resp, err := p.transport.Dispatch(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrContextLengthExceeded) {
			return nil, err
		}

		shrunk, ok := mgr.HandleLengthErrorWithSummary(ctx, reduced, retry, p.generator)
		if !ok {
			return nil, fmt.Errorf("transcript cannot shrink further: %w", err)
		}
		slog.Warn("length error, retrying",
			"retry", retry+1, "detail", mgr.TruncateInfo().Message)

		reduced = shrunk
		req.Messages = ToWire(reduced)
		retry++
	}
}

// adjustUsage overlays prompt-cache accounting onto the upstream usage and
// folds the reading into the session's monotonic counters.
func (p *Pipeline) adjustUsage(sessionID string, resp *Response, cacheResult *promptcache.Result) {
	if cacheResult != nil {
		resp.Usage.CacheReadInputTokens = cacheResult.CacheReadInputTokens
		resp.Usage.CacheCreationInputTokens = cacheResult.CacheCreationInputTokens
		if cacheResult.CacheReadInputTokens > 0 || cacheResult.CacheCreationInputTokens > 0 {
			resp.Usage.InputTokens = cacheResult.UncachedInputTokens
		}
	}
	if p.tracker != nil && sessionID != "" {
		in, out := p.tracker.Update(sessionID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		resp.Usage.InputTokens = in
		resp.Usage.OutputTokens = out
	}
}

// summaryFrom extracts the summary text from a compressed transcript's
// leading synthetic user message, or "" when absent.
func summaryFrom(compressed []history.Message) string {
	if len(compressed) == 0 {
		return ""
	}
	summary, _ := history.ExtractSummary(compressed[0])
	return summary
}

// CountTokens estimates the input token count of a request without calling
// the upstream, using the same canonical walk as the cache engine.
func (p *Pipeline) CountTokens(req *anthropic.CountTokensRequest) anthropic.CountTokensResponse {
	engine := p.engine
	if engine == nil {
		engine = promptcache.NewEngine(nil, nil)
	}
	_, total := engine.ComputeBreakpoints(req.Tools, req.System, req.Messages)
	return anthropic.CountTokensResponse{InputTokens: total}
}
