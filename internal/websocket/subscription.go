package websocket

import "sync"

// Wildcard matches any entity id (or any entity type) in a subscription.
const Wildcard = "*"

// SubscriptionSet is a session's filter over broadcasts: a set of
// (entityType, entityId) pairs where either part may be a wildcard.
type SubscriptionSet struct {
	mu      sync.RWMutex
	entries map[string]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{
		entries: make(map[string]struct{}),
	}
}

func subKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (s *SubscriptionSet) Add(entityType, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[subKey(entityType, entityID)] = struct{}{}
}

func (s *SubscriptionSet) Remove(entityType, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, subKey(entityType, entityID))
}

// Matches reports whether a broadcast for (entityType, entityID) should
// reach this session.
func (s *SubscriptionSet) Matches(entityType, entityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := [4]string{
		subKey(entityType, entityID),
		subKey(entityType, Wildcard),
		subKey(Wildcard, entityID),
		subKey(Wildcard, Wildcard),
	}
	for _, key := range candidates {
		if _, ok := s.entries[key]; ok {
			return true
		}
	}
	return false
}

func (s *SubscriptionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
