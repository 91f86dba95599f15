// Package session persists the mapping from chat users to agent session IDs.
//
// The agent binary returns an opaque session identifier that allows resuming
// prior conversational context. The store keeps one record per user and writes
// the whole file back on every mutation, so a crash loses at most the mutation
// that was in flight. The next dispatch for a user may race the write, which is
// why mutations are durable before the call returns.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"concierge/logger"
)

// Record is the persisted per-user state.
type Record struct {
	// SessionID is the agent's session identifier, empty until the agent
	// first reports one and after a reset.
	SessionID string `json:"session_id,omitempty"`

	// LastActivity is the time of the user's most recent dispatch or mutation.
	LastActivity time.Time `json:"last_activity"`
}

// Store maps chat user IDs to agent session records, backed by one JSON file.
// All mutations are serialized and written through before returning.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
}

// New loads the store from path. A missing file yields an empty store;
// a corrupt file is an error so the operator notices instead of silently
// losing every user's session.
func New(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	if s.records == nil {
		s.records = make(map[string]*Record)
	}

	logger.WithComponent("session").Info("session store loaded", "path", path, "users", len(s.records))
	return s, nil
}

// Get returns the stored session ID for a user. The second return value is
// false when no identifier is stored (fresh user or after a reset).
func (s *Store) Get(userID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key(userID)]
	if !ok || rec.SessionID == "" {
		return "", false
	}
	return rec.SessionID, true
}

// LastActivity returns the time of the user's most recent activity.
// The zero time is returned for unknown users.
func (s *Store) LastActivity(userID int64) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key(userID)]; ok {
		return rec.LastActivity
	}
	return time.Time{}
}

// Set stores the session ID reported by a successful run and persists
// before returning.
func (s *Store) Set(userID int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(userID)
	rec.SessionID = sessionID
	rec.LastActivity = time.Now()
	return s.saveLocked()
}

// Reset clears the user's session ID without deleting the record, so the
// next dispatch starts a logically fresh conversation.
func (s *Store) Reset(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(userID)
	rec.SessionID = ""
	rec.LastActivity = time.Now()
	return s.saveLocked()
}

// Touch updates the user's last-activity timestamp and persists.
// Called when a dispatch begins.
func (s *Store) Touch(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(userID)
	rec.LastActivity = time.Now()
	return s.saveLocked()
}

// Count returns the number of known users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// ensureLocked returns the record for a user, creating it lazily.
// Caller must hold mu.
func (s *Store) ensureLocked(userID int64) *Record {
	k := key(userID)
	rec, ok := s.records[k]
	if !ok {
		rec = &Record{}
		s.records[k] = rec
	}
	return rec
}

// saveLocked writes the full record set atomically: serialize, write to a
// temp file in the same directory, then rename over the real file. A reader
// never observes a partially written file. Caller must hold mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session records: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func key(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
