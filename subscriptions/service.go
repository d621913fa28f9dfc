package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
)

// Service is the query and command surface over memberships.
type Service struct {
	lists   ListLookup
	members MemberStore
	users   UserDirectory
}

func NewService(lists ListLookup, members MemberStore, users UserDirectory) *Service {
	return &Service{lists: lists, members: members, users: users}
}

func sortMembers(members []*Member) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.ListID != b.ListID {
			return a.ListID < b.ListID
		}
		if a.Email != b.Email {
			return a.Email < b.Email
		}
		return a.Role < b.Role
	})
}

// GetMembers returns every membership sorted by list id, email and role.
func (s *Service) GetMembers(ctx context.Context) ([]*Member, error) {
	return s.FindMembers(ctx, MemberQuery{})
}

// GetMember returns the membership with id, or nil when there is none.
func (s *Service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	m, err := s.members.GetMember(ctx, id)
	if errors.Is(err, consts.ErrDBNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member %s: %w", id, err)
	}
	return m, nil
}

// FindMembers returns the memberships matching query, sorted.
func (s *Service) FindMembers(ctx context.Context, query MemberQuery) ([]*Member, error) {
	query.Subscriber = strings.ToLower(strings.TrimSpace(query.Subscriber))
	query.ListID = strings.ToLower(strings.TrimSpace(query.ListID))
	found, err := s.members.FindMembers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find members: %w", err)
	}
	sortMembers(found)
	return found, nil
}

// FindMember returns the single matching membership, nil if none, and
// *TooManyMembersError if the query is ambiguous.
func (s *Service) FindMember(ctx context.Context, query MemberQuery) (*Member, error) {
	found, err := s.FindMembers(ctx, query)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, &TooManyMembersError{Query: query, Count: len(found)}
	}
}

// Join adds a membership with the given role.
func (s *Service) Join(ctx context.Context, listID string, record RequestRecord, role MemberRole) (*Member, error) {
	ml, err := s.lists.Get(listID)
	if err != nil {
		return nil, err
	}
	email, err := helpers.ValidateAddress(record.Email)
	if err != nil {
		return nil, &InvalidEmailAddressError{Email: record.Email}
	}

	user, err := s.ensureUser(ctx, email, record)
	if err != nil {
		return nil, err
	}

	language := record.Language
	if language == "" {
		language = DefaultLanguage
	}
	member := &Member{
		ID:           uuid.New(),
		ListID:       ml.ListID,
		Email:        email,
		Role:         role,
		UserID:       user.ID,
		DisplayName:  record.DisplayName,
		DeliveryMode: record.DeliveryMode,
		Language:     language,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.members.AddMember(ctx, member); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			return nil, &AlreadyMemberError{ListID: ml.ListID, Email: email, Role: role}
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	metrics.MembershipChanges.WithLabelValues("join").Inc()
	logger.Info("Subscriptions: member joined", "list", ml.ListID, "email", email, "role", role.String())
	return member, nil
}

func (s *Service) ensureUser(ctx context.Context, email string, record RequestRecord) (*User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, consts.ErrDBNotFound) {
		return nil, fmt.Errorf("failed to look up user %s: %w", email, err)
	}
	user = &User{
		ID:                uuid.New(),
		Email:             email,
		DisplayName:       record.DisplayName,
		PreferredLanguage: record.Language,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			// Created concurrently.
			return s.users.GetUserByEmail(ctx, email)
		}
		return nil, fmt.Errorf("failed to create user %s: %w", email, err)
	}
	return user, nil
}

// Leave removes email's member-role membership of a list.
func (s *Service) Leave(ctx context.Context, listID, email string) error {
	normalized, err := helpers.ValidateAddress(email)
	if err != nil {
		return &InvalidEmailAddressError{Email: email}
	}
	ml, err := s.lists.Get(listID)
	if err != nil {
		return err
	}
	return s.removeMember(ctx, ml, normalized)
}

func (s *Service) removeMember(ctx context.Context, ml *mailinglist.MailingList, email string) error {
	member, err := s.FindMember(ctx, MemberQuery{Subscriber: email, ListID: ml.ListID, Role: RoleQuery(RoleMember)})
	if err != nil {
		return err
	}
	if member == nil {
		return &NotAMemberError{ListID: ml.ListID, Email: email}
	}
	if err := s.members.RemoveMember(ctx, member.ID); err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return &NotAMemberError{ListID: ml.ListID, Email: email}
		}
		return fmt.Errorf("failed to remove member: %w", err)
	}

	metrics.MembershipChanges.WithLabelValues("leave").Inc()
	logger.Info("Subscriptions: member left", "list", ml.ListID, "email", email)
	return nil
}

// UnsubscribeMembers removes the member-role memberships of emails and
// partitions the input into the addresses that were removed and those that
// were not. Only an unknown list is reported as an error.
func (s *Service) UnsubscribeMembers(ctx context.Context, listID string, emails []string) (succeeded, failed []string, err error) {
	ml, err := s.lists.Get(listID)
	if err != nil {
		return nil, nil, err
	}

	succeeded = []string{}
	failed = []string{}
	for _, email := range emails {
		normalized, verr := helpers.ValidateAddress(email)
		if verr != nil {
			failed = append(failed, email)
			continue
		}
		if rerr := s.removeMember(ctx, ml, normalized); rerr != nil {
			var notMember *NotAMemberError
			if !errors.As(rerr, &notMember) {
				logger.Warn("Subscriptions: batch unsubscribe failed", "list", ml.ListID, "email", normalized, "error", rerr)
			}
			failed = append(failed, email)
			continue
		}
		succeeded = append(succeeded, email)
	}
	return succeeded, failed, nil
}

// SetModerationAction sets or clears (nil) the per-member moderation action.
func (s *Service) SetModerationAction(ctx context.Context, listID, email string, role MemberRole, action *mailinglist.Action) error {
	ml, err := s.lists.Get(listID)
	if err != nil {
		return err
	}
	member, err := s.FindMember(ctx, MemberQuery{Subscriber: email, ListID: ml.ListID, Role: RoleQuery(role)})
	if err != nil {
		return err
	}
	if member == nil {
		return &NotAMemberError{ListID: ml.ListID, Email: email}
	}
	if err := s.members.SetModerationAction(ctx, member.ID, action); err != nil {
		return fmt.Errorf("failed to set moderation action: %w", err)
	}
	return nil
}

// SenderStatus describes email's relationship to a list for moderation.
// A member-role record decides; owners and moderators without one post as
// members with an accept action; a nonmember record carries its own action.
func (s *Service) SenderStatus(ctx context.Context, listID, email string) (rules.Sender, error) {
	sender := rules.Sender{Address: helpers.NormalizeAddress(email), Role: rules.SenderUnknown}
	if sender.Address == "" {
		return sender, nil
	}
	if _, err := s.lists.Get(listID); err != nil {
		return sender, err
	}

	found, err := s.FindMembers(ctx, MemberQuery{Subscriber: sender.Address, ListID: listID})
	if err != nil {
		return sender, err
	}

	byRole := make(map[MemberRole]*Member, len(found))
	for _, m := range found {
		byRole[m.Role] = m
	}
	if m, ok := byRole[RoleMember]; ok {
		sender.Role = rules.SenderMember
		sender.ModerationAction = m.ModerationAction
		return sender, nil
	}
	for _, role := range []MemberRole{RoleOwner, RoleModerator} {
		if m, ok := byRole[role]; ok {
			sender.Role = rules.SenderMember
			sender.ModerationAction = m.ModerationAction
			if sender.ModerationAction == nil {
				accept := mailinglist.ActionAccept
				sender.ModerationAction = &accept
			}
			return sender, nil
		}
	}
	if m, ok := byRole[RoleNonmember]; ok {
		sender.Role = rules.SenderNonmember
		sender.ModerationAction = m.ModerationAction
	}
	return sender, nil
}
