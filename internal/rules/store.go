package rules

import (
	"context"
	"sync"
)

// Store is the policy store consumed by the engine. Get never fails on
// malformed stored data: unknown chats resolve to the global rule set
// (chat id 0) and then to built-in defaults, and malformed fields
// degrade per field via Clamp.
type Store interface {
	// Get returns the effective rule set for a chat. The returned
	// value is always valid and safe to retain; implementations
	// return a copy.
	Get(ctx context.Context, chatID int64) (RuleSet, error)

	// Put validates and stores a chat's rule set.
	Put(ctx context.Context, chatID int64, rs RuleSet) error

	// Mutate atomically applies fn to the chat's current rule set and
	// stores the result if fn succeeds. Writes to the same chat are
	// serialized; reads of other chats are never blocked.
	Mutate(ctx context.Context, chatID int64, fn func(*RuleSet) error) (RuleSet, error)
}

// MemoryStore is an in-process Store for tests and single-binary
// deployments without PostgreSQL.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[int64]RuleSet
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]RuleSet)}
}

func (s *MemoryStore) Get(ctx context.Context, chatID int64) (RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.byID[chatID]; ok {
		rs = rs.Clone()
		rs.Clamp()
		return rs, nil
	}
	if rs, ok := s.byID[GlobalChatID]; ok && chatID != GlobalChatID {
		rs = rs.Clone()
		rs.Clamp()
		return rs, nil
	}
	return Defaults(), nil
}

func (s *MemoryStore) Put(ctx context.Context, chatID int64, rs RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[chatID] = rs.Clone()
	return nil
}

func (s *MemoryStore) Mutate(ctx context.Context, chatID int64, fn func(*RuleSet) error) (RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.byID[chatID]
	if !ok {
		rs = Defaults()
	} else {
		rs = rs.Clone()
		rs.Clamp()
	}
	if err := fn(&rs); err != nil {
		return RuleSet{}, err
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	s.byID[chatID] = rs.Clone()
	return rs, nil
}
