package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists one JSON document per session under a configurable
// directory, with a write-through in-memory cache. Concurrent requests for
// one session race with last-writer-wins semantics; the store is a
// best-effort resume mechanism, not a source of truth.
type FileStore struct {
	dir    string
	expiry time.Duration

	mu    sync.RWMutex
	cache map[string]*PersistedHistory
}

// NewFileStore creates the storage directory if needed and returns a store
// whose sessions expire after expiry without updates.
func NewFileStore(dir string, expiry time.Duration) (*FileStore, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		expiry: expiry,
		cache:  make(map[string]*PersistedHistory),
	}, nil
}

func (s *FileStore) filePath(sessionID string) string {
	return filepath.Join(s.dir, sanitizeSessionID(sessionID)+".json")
}

// Save merges into the existing record for the session, or creates one, then
// writes through to cache and disk.
func (s *FileStore) Save(sessionID string, messages []Message) error {
	return s.save(sessionID, messages, nil)
}

// SaveWithSummary is Save with the compaction summary recorded alongside.
func (s *FileStore) SaveWithSummary(sessionID string, messages []Message, summary string) error {
	return s.save(sessionID, messages, &summary)
}

func (s *FileStore) save(sessionID string, messages []Message, summary *string) error {
	s.mu.Lock()
	record, ok := s.cache[sessionID]
	if ok {
		record.Update(messages)
	} else {
		record = NewPersistedHistory(sessionID, messages)
		s.cache[sessionID] = record
	}
	if summary != nil {
		record.Summary = *summary
	}
	snapshot := *record
	s.mu.Unlock()

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	path := s.filePath(sessionID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}

	slog.Debug("history saved", "session_id", sessionID, "messages", len(snapshot.Messages), "path", path)
	return nil
}

// Load serves from cache when present and unexpired, else reads from disk.
// An expired on-disk record is deleted and reported as missing.
func (s *FileStore) Load(sessionID string) (*PersistedHistory, error) {
	s.mu.RLock()
	if record, ok := s.cache[sessionID]; ok && !record.IsExpired(s.expiry) {
		snapshot := *record
		s.mu.RUnlock()
		return &snapshot, nil
	}
	s.mu.RUnlock()

	path := s.filePath(sessionID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	var record PersistedHistory
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode history file: %w", err)
	}
	if record.IsExpired(s.expiry) {
		_ = os.Remove(path)
		return nil, nil
	}

	s.mu.Lock()
	s.cache[sessionID] = &record
	s.mu.Unlock()

	snapshot := record
	slog.Debug("history loaded", "session_id", sessionID, "messages", len(record.Messages))
	return &snapshot, nil
}

// Delete removes the session from cache and disk.
func (s *FileStore) Delete(sessionID string) error {
	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()

	path := s.filePath(sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete history file: %w", err)
	}
	return nil
}

// CleanupExpired scans the cache and the storage directory, removing
// sessions whose last update is older than the expiry.
func (s *FileStore) CleanupExpired() (int, error) {
	cleaned := 0

	s.mu.Lock()
	for id, record := range s.cache {
		if record.IsExpired(s.expiry) {
			delete(s.cache, id)
			cleaned++
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return cleaned, fmt.Errorf("read history directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var record PersistedHistory
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.IsExpired(s.expiry) && os.Remove(path) == nil {
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Info("expired histories cleaned", "count", cleaned)
	}
	return cleaned, nil
}

// ListSessions returns the sanitized ids of all stored sessions.
func (s *FileStore) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read history directory: %w", err)
	}
	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		sessions = append(sessions, entry.Name()[:len(entry.Name())-len(".json")])
	}
	return sessions, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
