package subscriptions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
)

func withPolicy(policy mailinglist.SubscriptionPolicy) func(*mailinglist.MailingList) {
	return func(ml *mailinglist.MailingList) {
		ml.SubscriptionPolicy = policy
		ml.UnsubscriptionPolicy = policy
	}
}

func record(email string) RequestRecord {
	return NewRequestRecord(email, "Anne Person", DeliveryRegular, "")
}

func (f *fixture) isMember(t *testing.T, email string) bool {
	t.Helper()
	m, err := f.service.FindMember(context.Background(), MemberQuery{Subscriber: email, ListID: f.list.ListID, Role: RoleQuery(RoleMember)})
	require.NoError(t, err)
	return m != nil
}

type capturingNotifier struct {
	mu   sync.Mutex
	seen []RequestState
}

func (n *capturingNotifier) RequestPending(ctx context.Context, ml *mailinglist.MailingList, req *PendingRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, req.State)
	return nil
}

func TestRegisterInitialStates(t *testing.T) {
	tests := []struct {
		name   string
		policy mailinglist.SubscriptionPolicy
		opts   RegisterOptions
		state  RequestState
		owner  TokenOwner
	}{
		{"open", mailinglist.PolicyOpen, RegisterOptions{}, StateCommitted, TokenOwnerNoOne},
		{"confirm", mailinglist.PolicyConfirm, RegisterOptions{}, StatePendingConfirmation, TokenOwnerSubscriber},
		{"moderate", mailinglist.PolicyModerate, RegisterOptions{}, StatePendingApproval, TokenOwnerModerator},
		{"confirm then moderate", mailinglist.PolicyConfirmThenModerate, RegisterOptions{},
			StatePendingConfirmationAndApproval, TokenOwnerSubscriber},
		{"pre-confirmed", mailinglist.PolicyConfirmThenModerate, RegisterOptions{PreConfirmed: true},
			StatePendingApproval, TokenOwnerModerator},
		{"pre-approved", mailinglist.PolicyConfirmThenModerate, RegisterOptions{PreApproved: true},
			StatePendingConfirmation, TokenOwnerSubscriber},
		{"both skipped", mailinglist.PolicyConfirmThenModerate, RegisterOptions{PreConfirmed: true, PreApproved: true},
			StateCommitted, TokenOwnerNoOne},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withPolicy(tt.policy))
			req, err := f.registrar.Register(context.Background(), f.list.ListID, KindSubscribe, record("anne@example.com"), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.state, req.State)
			assert.Equal(t, tt.owner, req.Owner)
			assert.Equal(t, "en", req.Record.Language)
			if tt.state == StateCommitted {
				assert.Empty(t, req.Token)
				assert.True(t, f.isMember(t, "anne@example.com"))
			} else {
				assert.Len(t, req.Token, 40)
				assert.False(t, f.isMember(t, "anne@example.com"))
			}
		})
	}
}

func TestRegisterErrors(t *testing.T) {
	f := newFixture(t, withPolicy(mailinglist.PolicyConfirm))
	ctx := context.Background()

	_, err := f.registrar.Register(ctx, "nope.example.org", KindSubscribe, record("anne@example.com"), RegisterOptions{})
	var noList *NoSuchListError
	assert.ErrorAs(t, err, &noList)

	_, err = f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("bad address"), RegisterOptions{})
	var invalid *InvalidEmailAddressError
	assert.ErrorAs(t, err, &invalid)

	missing := uuid.New()
	_, err = f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{UserID: &missing})
	var missingUser *MissingUserError
	assert.ErrorAs(t, err, &missingUser)

	_, err = f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)
	_, err = f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	var pending *SubscriptionPendingError
	assert.ErrorAs(t, err, &pending)

	f.join(t, "bart@example.com", RoleMember)
	_, err = f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("bart@example.com"), RegisterOptions{})
	var already *AlreadyMemberError
	assert.ErrorAs(t, err, &already)

	_, err = f.registrar.Register(ctx, f.list.ListID, KindUnsubscribe, record("cris@example.com"), RegisterOptions{})
	var notMember *NotAMemberError
	assert.ErrorAs(t, err, &notMember)
}

func TestConfirmThenModerateEndToEnd(t *testing.T) {
	f := newFixture(t, withPolicy(mailinglist.PolicyConfirmThenModerate))
	notifier := &capturingNotifier{}
	f.registrar.SetNotifier(notifier)
	ctx := context.Background()

	req, err := f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, StatePendingConfirmationAndApproval, req.State)

	// The moderator cannot act before the subscriber confirms.
	_, err = f.registrar.Approve(ctx, req.Token)
	var mismatch *TokenOwnerMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, TokenOwnerSubscriber, mismatch.Actual)

	confirmed, err := f.registrar.Confirm(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, confirmed.State)
	assert.Equal(t, TokenOwnerModerator, confirmed.Owner)
	assert.False(t, f.isMember(t, "anne@example.com"))

	// A second confirmation reports the token as used.
	_, err = f.registrar.Confirm(ctx, req.Token)
	assert.ErrorIs(t, err, ErrTokenUsed)

	pending, err := f.registrar.Pending(ctx, f.list.ListID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := f.registrar.Approve(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, approved.State)
	assert.True(t, f.isMember(t, "anne@example.com"))

	_, err = f.registrar.Approve(ctx, req.Token)
	assert.ErrorIs(t, err, ErrTokenUsed)

	pending, err = f.registrar.Pending(ctx, f.list.ListID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []RequestState{StatePendingConfirmationAndApproval, StatePendingApproval}, notifier.seen)
}

func TestUnsubscribeWithConfirmation(t *testing.T) {
	f := newFixture(t, withPolicy(mailinglist.PolicyConfirm))
	ctx := context.Background()
	f.join(t, "anne@example.com", RoleMember)

	req, err := f.registrar.Register(ctx, f.list.ListID, KindUnsubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)
	assert.True(t, f.isMember(t, "anne@example.com"))

	_, err = f.registrar.Confirm(ctx, req.Token)
	require.NoError(t, err)
	assert.False(t, f.isMember(t, "anne@example.com"))
}

func TestRejectAndExpire(t *testing.T) {
	f := newFixture(t, withPolicy(mailinglist.PolicyModerate))
	ctx := context.Background()

	req, err := f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)
	rejected, err := f.registrar.Reject(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, rejected.State)
	assert.False(t, f.isMember(t, "anne@example.com"))

	_, err = f.registrar.Approve(ctx, req.Token)
	assert.ErrorIs(t, err, ErrTokenRejected)

	req, err = f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("bart@example.com"), RegisterOptions{})
	require.NoError(t, err)
	_, err = f.registrar.Expire(ctx, req.Token)
	require.NoError(t, err)

	_, err = f.registrar.Approve(ctx, req.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	var invalid *InvalidTokenError
	assert.ErrorAs(t, err, &invalid)

	_, err = f.registrar.Confirm(ctx, "0000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestRejectRequiresModerator(t *testing.T) {
	f := newFixture(t, withPolicy(mailinglist.PolicyConfirm))
	req, err := f.registrar.Register(context.Background(), f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)

	_, err = f.registrar.Reject(context.Background(), req.Token)
	var mismatch *TokenOwnerMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestExpireOlderThan(t *testing.T) {
	f := newFixture(t, withPolicy(mailinglist.PolicyConfirm))
	ctx := context.Background()

	old, err := f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)
	fresh, err := f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("bart@example.com"), RegisterOptions{})
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.pending[old.Token].CreatedAt = time.Now().Add(-72 * time.Hour)
	f.store.mu.Unlock()

	stale, err := f.store.ListOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.Token, stale[0].Token)

	n, err := f.registrar.ExpireOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.registrar.Confirm(ctx, old.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	_, err = f.registrar.Confirm(ctx, fresh.Token)
	assert.NoError(t, err)
}

func TestConcurrentRedemptionIsExactlyOnce(t *testing.T) {
	for _, policy := range []mailinglist.SubscriptionPolicy{mailinglist.PolicyConfirm, mailinglist.PolicyConfirmThenModerate} {
		t.Run(policy.String(), func(t *testing.T) {
			testConcurrentConfirm(t, policy)
		})
	}
}

func testConcurrentConfirm(t *testing.T, policy mailinglist.SubscriptionPolicy) {
	metrics.TokenRedemptions.Reset()
	f := newFixture(t, withPolicy(policy))
	ctx := context.Background()

	req, err := f.registrar.Register(ctx, f.list.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)

	const workers = 16
	var wins, used int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.registrar.Confirm(ctx, req.Token)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrTokenUsed):
				atomic.AddInt32(&used, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(workers-1), used)
	assert.Equal(t, policy == mailinglist.PolicyConfirm, f.isMember(t, "anne@example.com"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TokenRedemptions.WithLabelValues("confirm", "ok")))
}

// scanBarrier holds every caller of ListPending until all of them have
// scanned, so each one sees no open request.
type scanBarrier struct {
	*MemoryStore
	wg *sync.WaitGroup
}

func (s *scanBarrier) ListPending(ctx context.Context, listID string) ([]*PendingRequest, error) {
	out, err := s.MemoryStore.ListPending(ctx, listID)
	s.wg.Done()
	s.wg.Wait()
	return out, err
}

func TestConcurrentRegisterCreatesOneRequest(t *testing.T) {
	ctx := context.Background()
	catalog := mailinglist.NewCatalog(nil)
	ml, err := mailinglist.New("dev@lists.example.org")
	require.NoError(t, err)
	ml.SubscriptionPolicy = mailinglist.PolicyConfirm
	require.NoError(t, catalog.Create(ctx, ml))

	const workers = 2
	var scanned sync.WaitGroup
	scanned.Add(workers)
	store := NewMemoryStore()
	service := NewService(catalog, store, store)
	registrar := NewRegistrar(catalog, &scanBarrier{MemoryStore: store, wg: &scanned}, store, service)

	var created, pending int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registrar.Register(ctx, ml.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
			var pendingErr *SubscriptionPendingError
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case errors.As(err, &pendingErr):
				atomic.AddInt32(&pending, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(1), pending)
	open, err := store.ListPending(ctx, ml.ListID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOpenRequestUniquenessIgnoresClosedRequests(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	req := &PendingRequest{
		Token: "t1", Kind: KindSubscribe, ListID: "dev.lists.example.org", Email: "anne@example.com",
		Owner: TokenOwnerSubscriber, State: StatePendingConfirmation,
	}
	require.NoError(t, store.CreatePending(ctx, req))

	dup := *req
	dup.Token = "t2"
	assert.ErrorIs(t, store.CreatePending(ctx, &dup), consts.ErrDBUniqueViolation)

	leave := dup
	leave.Kind = KindUnsubscribe
	assert.NoError(t, store.CreatePending(ctx, &leave))

	ok, err := store.TransitionPending(ctx, "t1", StatePendingConfirmation, StateExpired, TokenOwnerNoOne)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, store.CreatePending(ctx, &dup))
}

type failingMembers struct {
	*MemoryStore
	fail bool
}

func (m *failingMembers) AddMember(ctx context.Context, member *Member) error {
	if m.fail {
		return errors.New("database unavailable")
	}
	return m.MemoryStore.AddMember(ctx, member)
}

func TestFailedCommitRevertsToken(t *testing.T) {
	ctx := context.Background()
	catalog := mailinglist.NewCatalog(nil)
	ml, err := mailinglist.New("dev@lists.example.org")
	require.NoError(t, err)
	require.NoError(t, catalog.Create(ctx, ml))

	store := NewMemoryStore()
	members := &failingMembers{MemoryStore: store}
	service := NewService(catalog, members, store)
	registrar := NewRegistrar(catalog, store, store, service)

	req, err := registrar.Register(ctx, ml.ListID, KindSubscribe, record("anne@example.com"), RegisterOptions{})
	require.NoError(t, err)

	members.fail = true
	_, err = registrar.Confirm(ctx, req.Token)
	require.Error(t, err)

	current, err := registrar.Get(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, StatePendingConfirmation, current.State)
	assert.Equal(t, TokenOwnerSubscriber, current.Owner)

	members.fail = false
	done, err := registrar.Confirm(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, done.State)
}

func TestStateAndEnumNames(t *testing.T) {
	for state := StateRequested; state <= StateExpired; state++ {
		parsed, err := ParseRequestState(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}
	for _, owner := range []TokenOwner{TokenOwnerNoOne, TokenOwnerSubscriber, TokenOwnerModerator} {
		parsed, err := ParseTokenOwner(owner.String())
		require.NoError(t, err)
		assert.Equal(t, owner, parsed)
	}
	for _, role := range []MemberRole{RoleOwner, RoleModerator, RoleMember, RoleNonmember} {
		parsed, err := ParseMemberRole(role.String())
		require.NoError(t, err)
		assert.Equal(t, role, parsed)
	}
	assert.True(t, StatePendingApproval.Pending())
	assert.False(t, StateCommitted.Pending())
}
