package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/mailinglist"
)

// MemberStore persists memberships. Lookups of missing rows return an error
// wrapping consts.ErrDBNotFound; AddMember returns one wrapping
// consts.ErrDBUniqueViolation when (list, email, role) exists.
type MemberStore interface {
	FindMembers(ctx context.Context, query MemberQuery) ([]*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	AddMember(ctx context.Context, member *Member) error
	RemoveMember(ctx context.Context, id uuid.UUID) error
	SetModerationAction(ctx context.Context, id uuid.UUID, action *mailinglist.Action) error
}

// PendingStore persists pending requests.
type PendingStore interface {
	// CreatePending fails with consts.ErrDBUniqueViolation when the token
	// exists or the address already has an open request of the same kind.
	CreatePending(ctx context.Context, req *PendingRequest) error
	GetPending(ctx context.Context, token string) (*PendingRequest, error)
	// TransitionPending moves token from state `from` to `to` with a new
	// owner, atomically. It returns false when the request is no longer in
	// `from`, meaning someone else acted on it first.
	TransitionPending(ctx context.Context, token string, from, to RequestState, owner TokenOwner) (bool, error)
	// ListOlderThan returns pending-state requests created before cutoff.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*PendingRequest, error)
	// ListPending returns the pending-state requests of one list, oldest first.
	ListPending(ctx context.Context, listID string) ([]*PendingRequest, error)
}

// UserDirectory stores users.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
}

// ListLookup resolves list ids. *mailinglist.Catalog implements it.
type ListLookup interface {
	Get(listID string) (*mailinglist.MailingList, error)
}

// Notifier is told when a request starts waiting for someone. Sending the
// actual confirmation mail is its business.
type Notifier interface {
	RequestPending(ctx context.Context, ml *mailinglist.MailingList, req *PendingRequest) error
}
