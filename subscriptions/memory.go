package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/mailinglist"
)

// MemoryStore keeps members, users and pending requests in process memory.
// It backs the "memory" database backend and tests.
type MemoryStore struct {
	mu      sync.Mutex
	members map[uuid.UUID]*Member
	users   map[uuid.UUID]*User
	pending map[string]*PendingRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members: make(map[uuid.UUID]*Member),
		users:   make(map[uuid.UUID]*User),
		pending: make(map[string]*PendingRequest),
	}
}

func copyMember(m *Member) *Member {
	c := *m
	if m.ModerationAction != nil {
		action := *m.ModerationAction
		c.ModerationAction = &action
	}
	return &c
}

func copyPending(p *PendingRequest) *PendingRequest {
	c := *p
	if p.UserID != nil {
		id := *p.UserID
		c.UserID = &id
	}
	return &c
}

func (s *MemoryStore) FindMembers(ctx context.Context, query MemberQuery) ([]*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Member
	for _, m := range s.members {
		if query.ListID != "" && !strings.EqualFold(m.ListID, query.ListID) {
			continue
		}
		if query.Role != nil && m.Role != *query.Role {
			continue
		}
		if query.Subscriber != "" && !helpers.MatchWildcard(query.Subscriber, m.Email) {
			continue
		}
		out = append(out, copyMember(m))
	}
	return out, nil
}

func (s *MemoryStore) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	return copyMember(m), nil
}

func (s *MemoryStore) AddMember(ctx context.Context, member *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.ListID == member.ListID && m.Email == member.Email && m.Role == member.Role {
			return fmt.Errorf("member %s on %s: %w", member.Email, member.ListID, consts.ErrDBUniqueViolation)
		}
	}
	s.members[member.ID] = copyMember(member)
	return nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; !ok {
		return fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	delete(s.members, id)
	return nil
}

func (s *MemoryStore) SetModerationAction(ctx context.Context, id uuid.UUID, action *mailinglist.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	if action == nil {
		m.ModerationAction = nil
	} else {
		a := *action
		m.ModerationAction = &a
	}
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, consts.ErrDBNotFound)
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, consts.ErrDBNotFound)
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("user %s: %w", user.Email, consts.ErrDBUniqueViolation)
		}
	}
	c := *user
	s.users[user.ID] = &c
	return nil
}

func (s *MemoryStore) CreatePending(ctx context.Context, req *PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[req.Token]; exists {
		return fmt.Errorf("token %s: %w", req.Token, consts.ErrDBUniqueViolation)
	}
	if req.State.Pending() {
		for _, p := range s.pending {
			if p.State.Pending() && p.ListID == req.ListID && p.Email == req.Email && p.Kind == req.Kind {
				return fmt.Errorf("open request for %s on %s: %w", req.Email, req.ListID, consts.ErrDBUniqueViolation)
			}
		}
	}
	s.pending[req.Token] = copyPending(req)
	return nil
}

func (s *MemoryStore) GetPending(ctx context.Context, token string) (*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", token, consts.ErrDBNotFound)
	}
	return copyPending(p), nil
}

func (s *MemoryStore) TransitionPending(ctx context.Context, token string, from, to RequestState, owner TokenOwner) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok {
		return false, fmt.Errorf("token %s: %w", token, consts.ErrDBNotFound)
	}
	if p.State != from {
		return false, nil
	}
	p.State, p.Owner, p.UpdatedAt = to, owner, time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingRequest
	for _, p := range s.pending {
		if p.State.Pending() && p.CreatedAt.Before(cutoff) {
			out = append(out, copyPending(p))
		}
	}
	sortPending(out)
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, listID string) ([]*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingRequest
	for _, p := range s.pending {
		if p.State.Pending() && p.ListID == listID {
			out = append(out, copyPending(p))
		}
	}
	sortPending(out)
	return out, nil
}

func sortPending(reqs []*PendingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].Token < reqs[j].Token
	})
}
