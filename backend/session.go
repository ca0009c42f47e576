package backend

import (
	"context"
	"sync"
	"time"
)

// SessionRecord is the durable trace of a player's presence on this
// backend, linked on handoff accept and resumed on reconnect.
type SessionRecord struct {
	SessionID             string
	PlayerID              string
	ServerID              string
	Segments              []string
	LastSlotID            string
	ClientProtocolVersion int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SessionStore persists session records. Implementations must be safe
// for concurrent use.
type SessionStore interface {
	// Link creates or replaces the session for the record's player.
	Link(ctx context.Context, record *SessionRecord) error

	// Resume returns the player's current session, or nil when none.
	Resume(ctx context.Context, playerID string) (*SessionRecord, error)

	// AppendSegment records a slot the session passed through and
	// updates the last slot pointer.
	AppendSegment(ctx context.Context, playerID, slotID string) error

	// Unlink removes the player's session.
	Unlink(ctx context.Context, playerID string) error

	// Cleanup deletes sessions not updated since the cutoff and returns
	// how many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the store's resources.
	Close() error
}

// MemorySessionStore is the in-process SessionStore used by default and
// in tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	byPlayer map[string]*SessionRecord
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{byPlayer: make(map[string]*SessionRecord)}
}

func (s *MemorySessionStore) Link(_ context.Context, record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	stored := *record
	stored.Segments = append([]string(nil), record.Segments...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.byPlayer[record.PlayerID] = &stored
	return nil
}

func (s *MemorySessionStore) Resume(_ context.Context, playerID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byPlayer[playerID]
	if !ok {
		return nil, nil
	}
	out := *record
	out.Segments = append([]string(nil), record.Segments...)
	return &out, nil
}

func (s *MemorySessionStore) AppendSegment(_ context.Context, playerID, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byPlayer[playerID]
	if !ok {
		return nil
	}
	record.Segments = append(record.Segments, slotID)
	record.LastSlotID = slotID
	record.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) Unlink(_ context.Context, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byPlayer, playerID)
	return nil
}

func (s *MemorySessionStore) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for playerID, record := range s.byPlayer {
		if record.UpdatedAt.Before(cutoff) {
			delete(s.byPlayer, playerID)
			removed++
		}
	}
	return removed, nil
}

func (s *MemorySessionStore) Close() error { return nil }
