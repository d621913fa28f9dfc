// Package subscriptions manages list memberships and the pending join and
// leave requests that need a subscriber confirmation or a moderator decision
// before they take effect.
package subscriptions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/mailinglist"
)

// DefaultLanguage is used for request records created without a language.
// cmd/listd sets it from [subscriptions] preferred_language.
var DefaultLanguage = "en"

// TokenOwner is who may act on a pending request's token next.
type TokenOwner int

const (
	TokenOwnerNoOne TokenOwner = iota
	TokenOwnerSubscriber
	TokenOwnerModerator
)

func (o TokenOwner) String() string {
	switch o {
	case TokenOwnerSubscriber:
		return "subscriber"
	case TokenOwnerModerator:
		return "moderator"
	default:
		return "no_one"
	}
}

func ParseTokenOwner(s string) (TokenOwner, error) {
	switch s {
	case "no_one":
		return TokenOwnerNoOne, nil
	case "subscriber":
		return TokenOwnerSubscriber, nil
	case "moderator":
		return TokenOwnerModerator, nil
	}
	return TokenOwnerNoOne, fmt.Errorf("unknown token owner %q", s)
}

// MemberRole orders owner < moderator < member < nonmember.
type MemberRole int

const (
	RoleOwner MemberRole = iota
	RoleModerator
	RoleMember
	RoleNonmember
)

func (r MemberRole) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleModerator:
		return "moderator"
	case RoleMember:
		return "member"
	case RoleNonmember:
		return "nonmember"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func ParseMemberRole(s string) (MemberRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return RoleOwner, nil
	case "moderator":
		return RoleModerator, nil
	case "member":
		return RoleMember, nil
	case "nonmember":
		return RoleNonmember, nil
	}
	return RoleMember, fmt.Errorf("unknown role %q", s)
}

type DeliveryMode int

const (
	DeliveryRegular DeliveryMode = iota
	DeliveryPlaintextDigests
	DeliveryMIMEDigests
	DeliverySummaryDigests
)

func (d DeliveryMode) String() string {
	switch d {
	case DeliveryPlaintextDigests:
		return "plaintext_digests"
	case DeliveryMIMEDigests:
		return "mime_digests"
	case DeliverySummaryDigests:
		return "summary_digests"
	default:
		return "regular"
	}
}

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "regular":
		return DeliveryRegular, nil
	case "plaintext_digests":
		return DeliveryPlaintextDigests, nil
	case "mime_digests":
		return DeliveryMIMEDigests, nil
	case "summary_digests":
		return DeliverySummaryDigests, nil
	}
	return DeliveryRegular, fmt.Errorf("unknown delivery mode %q", s)
}

type RequestKind int

const (
	KindSubscribe RequestKind = iota
	KindUnsubscribe
)

func (k RequestKind) String() string {
	if k == KindUnsubscribe {
		return "unsubscribe"
	}
	return "subscribe"
}

func ParseRequestKind(s string) (RequestKind, error) {
	switch s {
	case "subscribe":
		return KindSubscribe, nil
	case "unsubscribe":
		return KindUnsubscribe, nil
	}
	return KindSubscribe, fmt.Errorf("unknown request kind %q", s)
}

// RequestState is where a pending request is in its workflow.
type RequestState int

const (
	StateRequested RequestState = iota
	StatePendingConfirmation
	StatePendingApproval
	StatePendingConfirmationAndApproval
	StateCommitted
	StateRejected
	StateExpired
)

var stateNames = map[RequestState]string{
	StateRequested:                      "requested",
	StatePendingConfirmation:            "pending_confirmation",
	StatePendingApproval:                "pending_approval",
	StatePendingConfirmationAndApproval: "pending_confirmation_and_approval",
	StateCommitted:                      "committed",
	StateRejected:                       "rejected",
	StateExpired:                        "expired",
}

func (s RequestState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func ParseRequestState(s string) (RequestState, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return StateRequested, fmt.Errorf("unknown request state %q", s)
}

// Pending reports whether the request still waits for someone.
func (s RequestState) Pending() bool {
	return s == StatePendingConfirmation || s == StatePendingApproval || s == StatePendingConfirmationAndApproval
}

// RequestRecord is the subscriber data captured at request time.
type RequestRecord struct {
	Email        string
	DisplayName  string
	DeliveryMode DeliveryMode
	Language     string
}

// NewRequestRecord fills in DefaultLanguage when language is empty.
func NewRequestRecord(email, displayName string, mode DeliveryMode, language string) RequestRecord {
	if language == "" {
		language = DefaultLanguage
	}
	return RequestRecord{
		Email:        email,
		DisplayName:  displayName,
		DeliveryMode: mode,
		Language:     language,
	}
}

// Member is one (list, email, role) membership.
type Member struct {
	ID               uuid.UUID
	ListID           string
	Email            string
	Role             MemberRole
	UserID           uuid.UUID
	DisplayName      string
	DeliveryMode     DeliveryMode
	Language         string
	ModerationAction *mailinglist.Action
	CreatedAt        time.Time
}

type User struct {
	ID                uuid.UUID
	Email             string
	DisplayName       string
	PreferredLanguage string
	CreatedAt         time.Time
}

// PendingRequest is a token-addressed join or leave request.
type PendingRequest struct {
	Token     string
	Kind      RequestKind
	ListID    string
	Email     string
	UserID    *uuid.UUID
	Record    RequestRecord
	Owner     TokenOwner
	State     RequestState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemberQuery selects memberships. Empty fields match everything.
// Subscriber may contain "*" wildcards.
type MemberQuery struct {
	Subscriber string
	ListID     string
	Role       *MemberRole
}

// RoleQuery is a convenience for building a MemberQuery role filter.
func RoleQuery(role MemberRole) *MemberRole {
	return &role
}
