package history

import (
	"strings"
	"time"
)

// PersistedHistory is the durable record of one session's raw transcript:
// what the client actually sent, not the reduced form forwarded upstream.
type PersistedHistory struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	// Millisecond timestamps.
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Summary   string `json:"summary,omitempty"`
}

// NewPersistedHistory creates a record stamped with the current time.
func NewPersistedHistory(sessionID string, messages []Message) *PersistedHistory {
	now := time.Now().UnixMilli()
	return &PersistedHistory{
		SessionID: sessionID,
		Messages:  messages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Update replaces the messages and bumps the update timestamp.
func (h *PersistedHistory) Update(messages []Message) {
	h.Messages = messages
	h.UpdatedAt = time.Now().UnixMilli()
}

// IsExpired reports whether the record's last update is older than expiry.
func (h *PersistedHistory) IsExpired(expiry time.Duration) bool {
	age := time.Now().UnixMilli() - h.UpdatedAt
	return age > expiry.Milliseconds()
}

// Store abstracts session transcript persistence (file-per-session or
// SQLite). Load returns (nil, nil) for a missing or expired session.
type Store interface {
	Save(sessionID string, messages []Message) error
	SaveWithSummary(sessionID string, messages []Message, summary string) error
	Load(sessionID string) (*PersistedHistory, error)
	Delete(sessionID string) error
	// CleanupExpired removes expired sessions and returns how many were
	// purged.
	CleanupExpired() (int, error)
	ListSessions() ([]string, error)
	Close() error
}

// DefaultExpiry is how long a session transcript survives without updates.
const DefaultExpiry = 24 * time.Hour

// sanitizeSessionID maps a client-supplied session id to a filesystem- and
// key-safe form: every character outside [A-Za-z0-9_-] becomes '_'.
func sanitizeSessionID(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
}
