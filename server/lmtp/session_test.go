package lmtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/rules"
	"github.com/migadu/listd/storage"
	"github.com/migadu/listd/subscriptions"
)

type queued struct {
	listID string
	from   string
	to     []string
	raw    []byte
}

type recordingOutbox struct {
	mu      sync.Mutex
	posts   []queued
	notices []queued
}

func (o *recordingOutbox) Enqueue(ctx context.Context, listID, envelopeFrom string, raw []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.posts = append(o.posts, queued{listID: listID, from: envelopeFrom, raw: raw})
	return nil
}

func (o *recordingOutbox) EnqueueNotice(ctx context.Context, listID, from string, to []string, raw []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, queued{listID: listID, from: from, to: to, raw: raw})
	return nil
}

type seenSet map[string]bool

func (s seenSet) IsNew(ctx context.Context, listID, messageID string) bool {
	key := listID + "|" + messageID
	if s[key] {
		return false
	}
	s[key] = true
	return true
}

type heldNotices struct {
	held []*moderation.HeldMessage
}

func (n *heldNotices) MessageHeld(ctx context.Context, ml *mailinglist.MailingList, held *moderation.HeldMessage) error {
	n.held = append(n.held, held)
	return nil
}

type statuses map[string]error

func (s statuses) SetStatus(rcptTo string, err error) {
	s[rcptTo] = err
}

type fixture struct {
	catalog   *mailinglist.Catalog
	list      *mailinglist.MailingList
	service   *subscriptions.Service
	registrar *subscriptions.Registrar
	holds     *moderation.HoldQueue
	outbox    *recordingOutbox
	notices   *heldNotices
	backend   *LMTPServerBackend
}

// backingStores are the persistence layers a fixture runs on.
type backingStores struct {
	lists   mailinglist.Repository
	members subscriptions.MemberStore
	pending subscriptions.PendingStore
	users   subscriptions.UserDirectory
	held    moderation.HeldStore
	blobs   moderation.BlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := subscriptions.NewMemoryStore()
	return buildFixture(t, backingStores{
		members: store, pending: store, users: store,
		held:  moderation.NewMemoryHeldStore(),
		blobs: storage.NewMemoryStore(),
	})
}

func buildFixture(t *testing.T, stores backingStores) *fixture {
	t.Helper()
	ctx := context.Background()

	catalog := mailinglist.NewCatalog(stores.lists)
	require.NoError(t, catalog.Load(ctx))
	created, err := mailinglist.New("dev@example.org")
	require.NoError(t, err)
	require.NoError(t, catalog.Create(ctx, created))
	ml, ok := catalog.LookupAddress("dev@example.org")
	require.True(t, ok)

	service := subscriptions.NewService(catalog, stores.members, stores.users)
	registrar := subscriptions.NewRegistrar(catalog, stores.pending, stores.users, service)

	reg := rules.NewRegistry()
	require.NoError(t, rules.InitializeRules(reg, rules.Options{}))

	outbox := &recordingOutbox{}
	holds := moderation.NewHoldQueue(stores.held, stores.blobs, outbox)
	notices := &heldNotices{}

	backend, err := New(ctx, "lists.example.org", "127.0.0.1:0", Deps{
		Lists:    catalog,
		Members:  service,
		Requests: registrar,
		Pipeline: moderation.NewPipeline(reg),
		Holds:    holds,
		Outbox:   outbox,
		Dedup:    seenSet{},
		Notifier: notices,
	}, LMTPServerOptions{})
	require.NoError(t, err)

	_, err = service.Join(ctx, ml.ListID,
		subscriptions.NewRequestRecord("anne@example.com", "Anne", subscriptions.DeliveryRegular, ""),
		subscriptions.RoleMember)
	require.NoError(t, err)

	return &fixture{
		catalog: catalog, list: ml, service: service, registrar: registrar,
		holds: holds, outbox: outbox, notices: notices, backend: backend,
	}
}

// deliver runs one LMTP transaction and returns the per-recipient replies.
func (f *fixture) deliver(t *testing.T, from string, to []string, raw string) statuses {
	t.Helper()
	s := f.backend.newSession("127.0.0.1")
	defer s.Logout()

	require.NoError(t, s.Mail(from, nil))
	for _, rcpt := range to {
		require.NoError(t, s.Rcpt(rcpt, nil))
	}
	got := statuses{}
	require.NoError(t, s.LMTPData(strings.NewReader(raw), got))
	require.Len(t, got, len(to))
	return got
}

func post(from, messageID, subject string) string {
	return "From: " + from + "\r\n" +
		"To: dev@example.org\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"\r\n" +
		"Hello list.\r\n"
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTP error, got %v", err)
	return smtpErr.Code
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(context.Background(), "lists.example.org", ":24", Deps{}, LMTPServerOptions{})
	assert.Error(t, err)
}

func TestRcptRejectsUnknownAddress(t *testing.T) {
	f := newFixture(t)
	s := f.backend.newSession("127.0.0.1")
	defer s.Logout()

	assert.Equal(t, 503, smtpCode(t, s.Rcpt("dev@example.org", nil)), "RCPT before MAIL")

	require.NoError(t, s.Mail("anne@example.com", nil))
	assert.Equal(t, 550, smtpCode(t, s.Rcpt("other@example.org", nil)))
	require.NoError(t, s.Rcpt("dev@example.org", nil))

	s.Reset()
	assert.Empty(t, s.rcpts)
	assert.Equal(t, 553, smtpCode(t, s.Mail("not an address", nil)))
}

func TestMemberPostIsQueued(t *testing.T) {
	f := newFixture(t)

	got := f.deliver(t, "anne@example.com", []string{"dev@example.org"}, post("anne@example.com", "<p1@example.com>", "Hello"))
	assert.NoError(t, got["dev@example.org"])
	require.Len(t, f.outbox.posts, 1)
	assert.Equal(t, f.list.ListID, f.outbox.posts[0].listID)
	assert.Equal(t, "anne@example.com", f.outbox.posts[0].from)

	// The same Message-ID again is acknowledged but not queued twice.
	got = f.deliver(t, "anne@example.com", []string{"dev@example.org"}, post("anne@example.com", "<p1@example.com>", "Hello"))
	assert.NoError(t, got["dev@example.org"])
	assert.Len(t, f.outbox.posts, 1)
}

func TestNonmemberPostIsHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := f.deliver(t, "zoe@example.net", []string{"dev@example.org"}, post("zoe@example.net", "<p2@example.net>", "Hi"))
	assert.NoError(t, got["dev@example.org"])
	assert.Empty(t, f.outbox.posts)

	held, err := f.holds.List(ctx, f.list.ListID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Contains(t, held[0].HitRules, "nonmember_moderation")
	require.Len(t, f.notices.held, 1)
	assert.Equal(t, held[0].ID, f.notices.held[0].ID)
}

func TestNonmemberPostRejectedByPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.catalog.Update(context.Background(), f.list.ListID, func(ml *mailinglist.MailingList) error {
		ml.DefaultNonmemberAction = mailinglist.ActionReject
		return nil
	})
	require.NoError(t, err)

	got := f.deliver(t, "zoe@example.net", []string{"dev@example.org"}, post("zoe@example.net", "<p3@example.net>", "Hi"))
	assert.Equal(t, 550, smtpCode(t, got["dev@example.org"]))
	assert.Empty(t, f.outbox.posts)
}

func TestMalformedMessage(t *testing.T) {
	f := newFixture(t)
	got := f.deliver(t, "anne@example.com", []string{"dev@example.org"}, "this is not a header\r\n")
	assert.Equal(t, 554, smtpCode(t, got["dev@example.org"]))
}

func TestJoinAndConfirmByMail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	join := "From: Bart Person <bart@example.com>\r\nTo: dev-join@example.org\r\nSubject: join\r\n\r\n"
	got := f.deliver(t, "bart@example.com", []string{"dev-join@example.org"}, join)
	require.NoError(t, got["dev-join@example.org"])

	pending, err := f.registrar.Pending(ctx, f.list.ListID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bart@example.com", pending[0].Email)
	assert.Equal(t, "Bart Person", pending[0].Record.DisplayName)
	assert.Equal(t, subscriptions.StatePendingConfirmation, pending[0].State)

	// A second join while one is in flight is acknowledged without a new request.
	got = f.deliver(t, "bart@example.com", []string{"dev-join@example.org"}, join)
	require.NoError(t, got["dev-join@example.org"])

	confirmAddr := f.list.ConfirmAddress(pending[0].Token)
	reply := "From: bart@example.com\r\nTo: " + confirmAddr + "\r\nSubject: Re: confirm\r\n\r\n"
	got = f.deliver(t, "bart@example.com", []string{confirmAddr}, reply)
	require.NoError(t, got[confirmAddr])

	m, err := f.service.FindMember(ctx, subscriptions.MemberQuery{
		Subscriber: "bart@example.com", ListID: f.list.ListID, Role: subscriptions.RoleQuery(subscriptions.RoleMember),
	})
	require.NoError(t, err)
	require.NotNil(t, m)

	got = f.deliver(t, "bart@example.com", []string{confirmAddr}, reply)
	assert.Equal(t, 550, smtpCode(t, got[confirmAddr]), "a token is single use")
}

func TestRequestAddressCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leave := "From: anne@example.com\r\nTo: dev-request@example.org\r\nSubject: \r\n\r\nunsubscribe\r\n"
	got := f.deliver(t, "anne@example.com", []string{"dev-request@example.org"}, leave)
	require.NoError(t, got["dev-request@example.org"])

	pending, err := f.registrar.Pending(ctx, f.list.ListID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, subscriptions.KindUnsubscribe, pending[0].Kind)

	confirm := "From: anne@example.com\r\nTo: dev-request@example.org\r\nSubject: confirm " + pending[0].Token + "\r\n\r\n"
	got = f.deliver(t, "anne@example.com", []string{"dev-request@example.org"}, confirm)
	require.NoError(t, got["dev-request@example.org"])

	sender, err := f.service.SenderStatus(ctx, f.list.ListID, "anne@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, rules.SenderMember, sender.Role)

	gibberish := "From: anne@example.com\r\nTo: dev-request@example.org\r\nSubject: help\r\n\r\nwhat now\r\n"
	got = f.deliver(t, "anne@example.com", []string{"dev-request@example.org"}, gibberish)
	assert.Equal(t, 550, smtpCode(t, got["dev-request@example.org"]))
}

func TestOwnerMailIsForwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := "From: zoe@example.net\r\nTo: dev-owner@example.org\r\nSubject: question\r\n\r\nhi\r\n"
	got := f.deliver(t, "zoe@example.net", []string{"dev-owner@example.org"}, msg)
	assert.Equal(t, 550, smtpCode(t, got["dev-owner@example.org"]), "no owners yet")

	_, err := f.service.Join(ctx, f.list.ListID,
		subscriptions.NewRequestRecord("boss@example.org", "", subscriptions.DeliveryRegular, ""),
		subscriptions.RoleOwner)
	require.NoError(t, err)

	got = f.deliver(t, "zoe@example.net", []string{"dev-owner@example.org"}, msg)
	require.NoError(t, got["dev-owner@example.org"])
	require.Len(t, f.outbox.notices, 1)
	assert.Equal(t, []string{"boss@example.org"}, f.outbox.notices[0].to)
	assert.Equal(t, msg, string(f.outbox.notices[0].raw))
}

func TestPerRecipientStatus(t *testing.T) {
	f := newFixture(t)

	msg := "From: zoe@example.net\r\nTo: dev@example.org, dev-owner@example.org\r\nSubject: Hi\r\nMessage-ID: <multi@example.net>\r\n\r\nhi\r\n"
	got := f.deliver(t, "zoe@example.net", []string{"dev@example.org", "dev-owner@example.org"}, msg)
	assert.NoError(t, got["dev@example.org"], "held posts are accepted")
	assert.Equal(t, 550, smtpCode(t, got["dev-owner@example.org"]))
}
