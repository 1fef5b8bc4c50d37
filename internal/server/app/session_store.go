package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	scouterrors "scout/internal/errors"
	"scout/internal/server/ports"
)

// InMemorySessionStore implements ports.SessionStore in process memory.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]ports.SessionRecord
}

// NewInMemorySessionStore creates an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]ports.SessionRecord)}
}

func (s *InMemorySessionStore) Create(ctx context.Context, record ports.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[record.ID]; exists {
		return fmt.Errorf("session %s: %w", record.ID, scouterrors.ErrSessionExists)
	}
	s.sessions[record.ID] = record
	return nil
}

func (s *InMemorySessionStore) Get(ctx context.Context, id string) (ports.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.sessions[id]
	if !exists {
		return ports.SessionRecord{}, fmt.Errorf("session %s: %w", id, scouterrors.ErrSessionNotFound)
	}
	return record, nil
}

func (s *InMemorySessionStore) Update(ctx context.Context, record ports.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[record.ID]; !exists {
		return fmt.Errorf("session %s: %w", record.ID, scouterrors.ErrSessionNotFound)
	}
	s.sessions[record.ID] = record
	return nil
}

// List returns records sorted by created_at, newest first.
func (s *InMemorySessionStore) List(ctx context.Context, limit, offset int) ([]ports.SessionRecord, int, error) {
	s.mu.RLock()
	records := make([]ports.SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		records = append(records, record)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return paginate(records, limit, offset), len(records), nil
}

func (s *InMemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemorySessionStore) Close() error {
	return nil
}

func paginate(records []ports.SessionRecord, limit, offset int) []ports.SessionRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []ports.SessionRecord{}
	}
	end := len(records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return records[offset:end]
}
