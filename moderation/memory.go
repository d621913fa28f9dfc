package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
)

// MemoryHeldStore keeps held message records in process memory.
type MemoryHeldStore struct {
	mu   sync.Mutex
	held map[uuid.UUID]*HeldMessage
}

func NewMemoryHeldStore() *MemoryHeldStore {
	return &MemoryHeldStore{held: make(map[uuid.UUID]*HeldMessage)}
}

func copyHeld(h *HeldMessage) *HeldMessage {
	c := *h
	c.HitRules = append([]string(nil), h.HitRules...)
	c.Reasons = append([]string(nil), h.Reasons...)
	return &c
}

func (m *MemoryHeldStore) CreateHeld(ctx context.Context, h *HeldMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.held[h.ID]; exists {
		return fmt.Errorf("held %s: %w", h.ID, consts.ErrDBUniqueViolation)
	}
	m.held[h.ID] = copyHeld(h)
	return nil
}

func (m *MemoryHeldStore) GetHeld(ctx context.Context, id uuid.UUID) (*HeldMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[id]
	if !ok {
		return nil, fmt.Errorf("held %s: %w", id, consts.ErrDBNotFound)
	}
	return copyHeld(h), nil
}

func (m *MemoryHeldStore) ListHeld(ctx context.Context, listID string) ([]*HeldMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*HeldMessage
	for _, h := range m.held {
		if h.ListID == listID {
			out = append(out, copyHeld(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryHeldStore) DeleteHeld(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[id]; !ok {
		return fmt.Errorf("held %s: %w", id, consts.ErrDBNotFound)
	}
	delete(m.held, id)
	return nil
}
