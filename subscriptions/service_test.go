package subscriptions

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/rules"
)

type fixture struct {
	catalog   *mailinglist.Catalog
	store     *MemoryStore
	service   *Service
	registrar *Registrar
	list      *mailinglist.MailingList
}

func newFixture(t *testing.T, configure func(ml *mailinglist.MailingList)) *fixture {
	t.Helper()
	ctx := context.Background()
	catalog := mailinglist.NewCatalog(nil)
	ml, err := mailinglist.New("dev@lists.example.org")
	require.NoError(t, err)
	if configure != nil {
		configure(ml)
	}
	require.NoError(t, catalog.Create(ctx, ml))
	ml, err = catalog.Get(ml.ListID)
	require.NoError(t, err)

	store := NewMemoryStore()
	service := NewService(catalog, store, store)
	return &fixture{
		catalog:   catalog,
		store:     store,
		service:   service,
		registrar: NewRegistrar(catalog, store, store, service),
		list:      ml,
	}
}

func (f *fixture) join(t *testing.T, email string, role MemberRole) *Member {
	t.Helper()
	m, err := f.service.Join(context.Background(), f.list.ListID, NewRequestRecord(email, "", DeliveryRegular, ""), role)
	require.NoError(t, err)
	return m
}

func TestRequestRecordDefaultLanguage(t *testing.T) {
	old := DefaultLanguage
	DefaultLanguage = "fr"
	defer func() { DefaultLanguage = old }()

	assert.Equal(t, "fr", NewRequestRecord("a@example.com", "A", DeliveryRegular, "").Language)
	assert.Equal(t, "de", NewRequestRecord("a@example.com", "A", DeliveryRegular, "de").Language)
}

func TestJoinAndUniqueness(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.join(t, "Anne@Example.com", RoleMember)
	assert.Equal(t, "anne@example.com", m.Email)
	assert.Equal(t, "dev.lists.example.org", m.ListID)
	assert.Equal(t, "en", m.Language)
	assert.NotEqual(t, uuid.Nil, m.UserID)

	_, err := f.service.Join(ctx, f.list.ListID, NewRequestRecord("anne@example.com", "", DeliveryRegular, ""), RoleMember)
	var already *AlreadyMemberError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, RoleMember, already.Role)

	// Same address with a different role is a separate membership.
	owner := f.join(t, "anne@example.com", RoleOwner)
	assert.Equal(t, m.UserID, owner.UserID)

	_, err = f.service.Join(ctx, "nope.example.org", NewRequestRecord("anne@example.com", "", DeliveryRegular, ""), RoleMember)
	var noList *NoSuchListError
	assert.ErrorAs(t, err, &noList)

	_, err = f.service.Join(ctx, f.list.ListID, NewRequestRecord("not-an-address", "", DeliveryRegular, ""), RoleMember)
	var invalid *InvalidEmailAddressError
	assert.ErrorAs(t, err, &invalid)
}

func TestGetMembersOrdering(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "bart@example.com", RoleMember)
	f.join(t, "anne@example.com", RoleNonmember)
	f.join(t, "anne@example.com", RoleMember)
	f.join(t, "anne@example.com", RoleOwner)
	f.join(t, "anne@example.com", RoleModerator)

	members, err := f.service.GetMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 5)

	got := make([]string, 0, len(members))
	for _, m := range members {
		got = append(got, m.Email+"/"+m.Role.String())
	}
	assert.Equal(t, []string{
		"anne@example.com/owner",
		"anne@example.com/moderator",
		"anne@example.com/member",
		"anne@example.com/nonmember",
		"bart@example.com/member",
	}, got)
}

func TestGetMember(t *testing.T) {
	f := newFixture(t, nil)
	m := f.join(t, "anne@example.com", RoleMember)

	got, err := f.service.GetMember(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Email, got.Email)

	got, err = f.service.GetMember(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindMemberZeroOneMany(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.join(t, "anne@example.com", RoleMember)
	f.join(t, "anne@example.com", RoleOwner)
	f.join(t, "bart@example.com", RoleMember)

	m, err := f.service.FindMember(ctx, MemberQuery{Subscriber: "cris@example.com"})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = f.service.FindMember(ctx, MemberQuery{Subscriber: "bart@example.com"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "bart@example.com", m.Email)

	_, err = f.service.FindMember(ctx, MemberQuery{Subscriber: "anne@example.com"})
	var tooMany *TooManyMembersError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 2, tooMany.Count)

	m, err = f.service.FindMember(ctx, MemberQuery{Subscriber: "anne@example.com", Role: RoleQuery(RoleOwner)})
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, m.Role)

	found, err := f.service.FindMembers(ctx, MemberQuery{Subscriber: "*@EXAMPLE.com", Role: RoleQuery(RoleMember)})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestLeave(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.join(t, "anne@example.com", RoleMember)

	require.NoError(t, f.service.Leave(ctx, f.list.ListID, "ANNE@example.com"))

	var notMember *NotAMemberError
	assert.ErrorAs(t, f.service.Leave(ctx, f.list.ListID, "anne@example.com"), &notMember)

	var invalid *InvalidEmailAddressError
	assert.ErrorAs(t, f.service.Leave(ctx, f.list.ListID, "bogus"), &invalid)

	var noList *NoSuchListError
	assert.ErrorAs(t, f.service.Leave(ctx, "nope.example.org", "anne@example.com"), &noList)
}

func TestUnsubscribeMembersPartition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.join(t, "anne@example.com", RoleMember)
	f.join(t, "bart@example.com", RoleMember)
	f.join(t, "cris@example.com", RoleOwner)

	input := []string{"anne@example.com", "bart@example.com", "cris@example.com", "dave@example.com", "bogus", "anne@example.com"}
	succeeded, failed, err := f.service.UnsubscribeMembers(ctx, f.list.ListID, input)
	require.NoError(t, err)

	assert.Equal(t, []string{"anne@example.com", "bart@example.com"}, succeeded)
	assert.Equal(t, []string{"cris@example.com", "dave@example.com", "bogus", "anne@example.com"}, failed)
	assert.Equal(t, len(input), len(succeeded)+len(failed))

	owner, err := f.service.FindMember(ctx, MemberQuery{Subscriber: "cris@example.com"})
	require.NoError(t, err)
	assert.NotNil(t, owner, "owners are not unsubscribed")

	_, _, err = f.service.UnsubscribeMembers(ctx, "nope.example.org", input)
	var noList *NoSuchListError
	assert.ErrorAs(t, err, &noList)

	succeeded, failed, err = f.service.UnsubscribeMembers(ctx, f.list.ListID, nil)
	require.NoError(t, err)
	assert.Empty(t, succeeded)
	assert.Empty(t, failed)
}

func TestSenderStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.join(t, "member@example.com", RoleMember)
	f.join(t, "owner@example.com", RoleOwner)
	f.join(t, "outsider@example.com", RoleNonmember)

	discard := mailinglist.ActionDiscard
	require.NoError(t, f.service.SetModerationAction(ctx, f.list.ListID, "outsider@example.com", RoleNonmember, &discard))

	s, err := f.service.SenderStatus(ctx, f.list.ListID, "Member@Example.com")
	require.NoError(t, err)
	assert.Equal(t, rules.SenderMember, s.Role)
	assert.Nil(t, s.ModerationAction)

	s, err = f.service.SenderStatus(ctx, f.list.ListID, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, rules.SenderMember, s.Role)
	require.NotNil(t, s.ModerationAction)
	assert.Equal(t, mailinglist.ActionAccept, *s.ModerationAction)

	s, err = f.service.SenderStatus(ctx, f.list.ListID, "outsider@example.com")
	require.NoError(t, err)
	assert.Equal(t, rules.SenderNonmember, s.Role)
	assert.Equal(t, mailinglist.ActionDiscard, *s.ModerationAction)

	s, err = f.service.SenderStatus(ctx, f.list.ListID, "stranger@example.com")
	require.NoError(t, err)
	assert.Equal(t, rules.SenderUnknown, s.Role)

	var notMember *NotAMemberError
	assert.ErrorAs(t, f.service.SetModerationAction(ctx, f.list.ListID, "nobody@example.com", RoleMember, nil), &notMember)
}
