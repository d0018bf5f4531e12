package history

import "time"

// Strategy is a transcript reduction policy.
type Strategy string

const (
	// StrategyNone disables reduction.
	StrategyNone Strategy = "none"
	// StrategyAutoTruncate keeps the most recent N messages or C chars.
	StrategyAutoTruncate Strategy = "auto_truncate"
	// StrategySmartSummary replaces an old prefix with an LLM summary.
	StrategySmartSummary Strategy = "smart_summary"
	// StrategyErrorRetry progressively shrinks after an upstream length
	// rejection.
	StrategyErrorRetry Strategy = "error_retry"
	// StrategyPreEstimate checks size before the first send.
	StrategyPreEstimate Strategy = "pre_estimate"
)

// Config holds the reduction policy set and its thresholds. Character counts
// are the token proxy everywhere (roughly chars/3 tokens upstream).
type Config struct {
	Strategies []Strategy `yaml:"strategies"`

	// Auto truncation.
	MaxMessages int `yaml:"max_messages"`
	MaxChars    int `yaml:"max_chars"`

	// Smart summary.
	SummaryKeepRecent int `yaml:"summary_keep_recent"`
	SummaryThreshold  int `yaml:"summary_threshold"`
	SummaryMaxLength  int `yaml:"summary_max_length"`

	// Error retry.
	RetryMaxMessages int `yaml:"retry_max_messages"`
	MaxRetries       int `yaml:"max_retries"`
	// RetryShrinkFactor is the per-retry reduction applied to
	// RetryMaxMessages: target = retry_max * (1 - retry*factor), floor 5.
	RetryShrinkFactor float64 `yaml:"retry_shrink_factor"`

	// Pre-estimate.
	EstimateThreshold int `yaml:"estimate_threshold"`

	// Summary cache.
	SummaryCacheEnabled    bool `yaml:"summary_cache_enabled"`
	SummaryCacheMaxAgeSecs int  `yaml:"summary_cache_max_age_seconds"`
	SummaryCacheMaxDelta   int  `yaml:"summary_cache_max_delta"`
}

// SummaryCacheMaxAge returns the cache entry lifetime as a duration.
func (c *Config) SummaryCacheMaxAge() time.Duration {
	return time.Duration(c.SummaryCacheMaxAgeSecs) * time.Second
}

// DefaultConfig returns the tuned production defaults.
func DefaultConfig() Config {
	return Config{
		Strategies:             []Strategy{StrategyErrorRetry, StrategySmartSummary},
		MaxMessages:            30,
		MaxChars:               150_000,
		SummaryKeepRecent:      10,
		SummaryThreshold:       100_000,
		SummaryMaxLength:       2000,
		RetryMaxMessages:       20,
		MaxRetries:             2,
		RetryShrinkFactor:      0.3,
		EstimateThreshold:      180_000,
		SummaryCacheEnabled:    true,
		SummaryCacheMaxAgeSecs: 180,
		SummaryCacheMaxDelta:   3,
	}
}

// HasStrategy reports whether the strategy is enabled.
func (c *Config) HasStrategy(s Strategy) bool {
	for _, have := range c.Strategies {
		if have == s {
			return true
		}
	}
	return false
}
