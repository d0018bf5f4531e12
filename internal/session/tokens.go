// Package session tracks per-session token usage reported by the upstream.
// Counters are monotonic within a session: upstream usage figures can jitter
// downward between streamed responses, so a smaller reading is ignored,
// unless it drops far enough to indicate the client compacted its context,
// in which case the new baseline is accepted.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDropThreshold accepts a new reading when it falls below 80% of the
// current value.
const DefaultDropThreshold = 0.8

type sessionTokens struct {
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	lastUpdateMS atomic.Int64
}

// TokenTracker keeps one monotonic counter pair per session id.
type TokenTracker struct {
	mu       sync.RWMutex
	sessions map[string]*sessionTokens
	// dropThreshold is the fraction of the current value below which a new
	// reading is treated as a context reset rather than jitter.
	dropThreshold float64
}

// NewTokenTracker creates a tracker with the given drop threshold; values
// outside (0,1) select DefaultDropThreshold.
func NewTokenTracker(dropThreshold float64) *TokenTracker {
	if dropThreshold <= 0 || dropThreshold >= 1 {
		dropThreshold = DefaultDropThreshold
	}
	return &TokenTracker{
		sessions:      make(map[string]*sessionTokens),
		dropThreshold: dropThreshold,
	}
}

func (t *TokenTracker) getOrCreate(sessionID string) *sessionTokens {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		return s
	}
	s = &sessionTokens{}
	t.sessions[sessionID] = s
	return s
}

// Update folds a usage reading into the session's counters and returns the
// values to report. Readings only increase, except that a drop below the
// threshold fraction of the current value resets the counter to the reading.
func (t *TokenTracker) Update(sessionID string, inputTokens, outputTokens int) (int, int) {
	s := t.getOrCreate(sessionID)

	current := s.inputTokens.Load()
	reset := float64(inputTokens) < float64(current)*t.dropThreshold

	var finalInput, finalOutput int64
	if reset {
		slog.Info("session token counter reset",
			"session_id", sessionID, "old_input", current, "new_input", inputTokens)
		s.inputTokens.Store(int64(inputTokens))
		s.outputTokens.Store(int64(outputTokens))
		finalInput, finalOutput = int64(inputTokens), int64(outputTokens)
	} else {
		finalInput = monotonicStore(&s.inputTokens, int64(inputTokens))
		finalOutput = monotonicStore(&s.outputTokens, int64(outputTokens))
	}

	s.lastUpdateMS.Store(time.Now().UnixMilli())
	return int(finalInput), int(finalOutput)
}

// monotonicStore raises the counter to value via CAS and returns the
// resulting value; smaller values leave the counter untouched.
func monotonicStore(counter *atomic.Int64, value int64) int64 {
	for {
		current := counter.Load()
		if value <= current {
			return current
		}
		if counter.CompareAndSwap(current, value) {
			return value
		}
	}
}

// Len returns the number of tracked sessions.
func (t *TokenTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Prune drops sessions not updated since maxAge ago and returns how many
// were removed.
func (t *TokenTracker) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id, s := range t.sessions {
		if s.lastUpdateMS.Load() < cutoff {
			delete(t.sessions, id)
			pruned++
		}
	}
	return pruned
}
