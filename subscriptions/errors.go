package subscriptions

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/migadu/listd/mailinglist"
)

// NoSuchListError is shared with the list catalog.
type NoSuchListError = mailinglist.NoSuchListError

var (
	ErrTokenUnknown  = errors.New("unknown token")
	ErrTokenUsed     = errors.New("token already used")
	ErrTokenRejected = errors.New("request was rejected")
	ErrTokenExpired  = errors.New("token expired")
)

// InvalidTokenError is returned when a token cannot be acted on.
// errors.Is matches it against ErrTokenUnknown, ErrTokenUsed,
// ErrTokenRejected or ErrTokenExpired.
type InvalidTokenError struct {
	Token  string
	Reason error
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid token %s: %v", e.Token, e.Reason)
}

func (e *InvalidTokenError) Unwrap() error {
	return e.Reason
}

func invalidToken(token string, state RequestState) *InvalidTokenError {
	reason := ErrTokenUnknown
	switch {
	case state == StateCommitted || state.Pending():
		// A still-pending state here means another caller advanced it first.
		reason = ErrTokenUsed
	case state == StateRejected:
		reason = ErrTokenRejected
	case state == StateExpired:
		reason = ErrTokenExpired
	}
	return &InvalidTokenError{Token: token, Reason: reason}
}

type MissingUserError struct {
	UserID uuid.UUID
}

func (e *MissingUserError) Error() string {
	return fmt.Sprintf("no such user: %s", e.UserID)
}

type SubscriptionPendingError struct {
	ListID string
	Email  string
}

func (e *SubscriptionPendingError) Error() string {
	return fmt.Sprintf("a request for %s on %s is already pending", e.Email, e.ListID)
}

type TooManyMembersError struct {
	Query MemberQuery
	Count int
}

func (e *TooManyMembersError) Error() string {
	return fmt.Sprintf("expected at most one member for %q on %q, found %d", e.Query.Subscriber, e.Query.ListID, e.Count)
}

type TokenOwnerMismatchError struct {
	Token    string
	Expected TokenOwner
	Actual   TokenOwner
}

func (e *TokenOwnerMismatchError) Error() string {
	return fmt.Sprintf("token %s is owned by %s, not %s", e.Token, e.Actual, e.Expected)
}

type NotAMemberError struct {
	ListID string
	Email  string
}

func (e *NotAMemberError) Error() string {
	return fmt.Sprintf("%s is not a member of %s", e.Email, e.ListID)
}

type InvalidEmailAddressError struct {
	Email string
}

func (e *InvalidEmailAddressError) Error() string {
	return fmt.Sprintf("invalid email address: %q", e.Email)
}

type AlreadyMemberError struct {
	ListID string
	Email  string
	Role   MemberRole
}

func (e *AlreadyMemberError) Error() string {
	return fmt.Sprintf("%s is already a %s of %s", e.Email, e.Role, e.ListID)
}
