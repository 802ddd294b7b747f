package history

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu       sync.RWMutex
	turns    map[string][]Turn
	maxTurns int
}

func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{turns: make(map[string][]Turn), maxTurns: maxTurns}
}

func (m *MemoryStore) Append(_ context.Context, t Turn) error {
	if err := validate(t); err != nil {
		return err
	}
	t = stamp(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.turns[t.ConversationID], t)
	if m.maxTurns > 0 && len(turns) > m.maxTurns {
		turns = append([]Turn(nil), turns[len(turns)-m.maxTurns:]...)
	}
	m.turns[t.ConversationID] = turns
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, conversationID string, n int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[conversationID]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]Turn(nil), turns...), nil
}

func (m *MemoryStore) Close() error { return nil }
