package taskdeck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Slot names of the durable local mirror. Each slot has exactly one writer.
const (
	SlotCacheStore      = "cacheStore"
	SlotCacheTimestamps = "cacheTimestamps"
	SlotMessageTimeline = "messageTimeline"
)

// SlotStore is a session-scoped key/value store holding whole JSON documents.
// Writes replace the previous value.
type SlotStore interface {
	Get(ctx context.Context, slot string) ([]byte, bool, error)
	Put(ctx context.Context, slot string, value []byte) error
	Delete(ctx context.Context, slot string) error
}

// NewSessionID returns a fresh identifier for a slot session.
func NewSessionID() string {
	return uuid.NewString()
}

// ============================================================================
// MemorySlots
// ============================================================================

// MemorySlots is a goroutine-safe in-memory SlotStore.
type MemorySlots struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

// NewMemorySlots creates an empty in-memory slot store.
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{slots: make(map[string][]byte)}
}

func (s *MemorySlots) Get(_ context.Context, slot string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[slot]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemorySlots) Put(_ context.Context, slot string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = append([]byte(nil), value...)
	return nil
}

func (s *MemorySlots) Delete(_ context.Context, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slot)
	return nil
}

// ============================================================================
// SQLiteSlots
// ============================================================================

const slotSchema = `
CREATE TABLE IF NOT EXISTS slots (
	session_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, name)
)`

// SQLiteSlots persists slots in a SQLite file, namespaced by session id so
// several sessions can share one database without seeing each other's state.
type SQLiteSlots struct {
	db        *sql.DB
	sessionID string
}

// OpenSQLiteSlots opens (or creates) the database at path. Use ":memory:" for
// a throwaway store.
func OpenSQLiteSlots(path, sessionID string) (*SQLiteSlots, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(slotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return &SQLiteSlots{db: db, sessionID: sessionID}, nil
}

// SessionID returns the session namespace of this store.
func (s *SQLiteSlots) SessionID() string {
	return s.sessionID
}

func (s *SQLiteSlots) Get(ctx context.Context, slot string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM slots WHERE session_id = ? AND name = ?`,
		s.sessionID, slot,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read slot %s: %w", slot, err)
	}
	return value, true, nil
}

func (s *SQLiteSlots) Put(ctx context.Context, slot string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (session_id, name, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (session_id, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.sessionID, slot, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write slot %s: %w", slot, err)
	}
	return nil
}

func (s *SQLiteSlots) Delete(ctx context.Context, slot string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM slots WHERE session_id = ? AND name = ?`,
		s.sessionID, slot,
	)
	if err != nil {
		return fmt.Errorf("failed to delete slot %s: %w", slot, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteSlots) Close() error {
	return s.db.Close()
}
