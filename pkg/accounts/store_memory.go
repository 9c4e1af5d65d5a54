package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and as a fallback when no
// database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	logins  map[string]*LoginRecord
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]*Record{},
		logins:  map[string]*LoginRecord{},
	}
}

func loginKey(id Identity, conversation string) string {
	return id.Key() + "\x00" + conversation
}

func (s *MemoryStore) GetRecord(_ context.Context, id Identity) (*Record, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutRecord(_ context.Context, rec *Record) error {
	if err := rec.Identity.Validate(); err != nil {
		return err
	}
	cp := *rec
	cp.UpdatedAt = time.Now()
	s.mu.Lock()
	s.records[rec.Identity.Key()] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListRecords(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.Key() < out[j].Identity.Key()
	})
	return out, nil
}

func (s *MemoryStore) GetLogin(_ context.Context, id Identity, conversation string) (*LoginRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.logins[loginKey(id, conversation)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutLogin(_ context.Context, rec *LoginRecord) error {
	if err := rec.Identity.Validate(); err != nil {
		return err
	}
	cp := *rec
	cp.UpdatedAt = time.Now()
	s.mu.Lock()
	s.logins[loginKey(rec.Identity, rec.Conversation)] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
