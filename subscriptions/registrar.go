package subscriptions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/pkg/metrics"
)

// tokenBytes of randomness give a 40 character hex token.
const tokenBytes = 20

// RegisterOptions skip workflow steps the caller has already vouched for.
type RegisterOptions struct {
	PreConfirmed bool
	PreApproved  bool
	UserID       *uuid.UUID
}

// Registrar drives pending requests through confirmation and approval.
type Registrar struct {
	lists    ListLookup
	pending  PendingStore
	users    UserDirectory
	service  *Service
	notifier Notifier
}

func NewRegistrar(lists ListLookup, pending PendingStore, users UserDirectory, service *Service) *Registrar {
	return &Registrar{lists: lists, pending: pending, users: users, service: service}
}

// SetNotifier installs the notifier told about new pending requests.
func (r *Registrar) SetNotifier(n Notifier) {
	r.notifier = n
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Register starts a join or leave request. When the list policy (after
// options) needs no confirmation and no approval, the change is applied
// immediately and the returned request is Committed with no token.
func (r *Registrar) Register(ctx context.Context, listID string, kind RequestKind, record RequestRecord, opts RegisterOptions) (*PendingRequest, error) {
	ml, err := r.lists.Get(listID)
	if err != nil {
		return nil, err
	}
	email, err := helpers.ValidateAddress(record.Email)
	if err != nil {
		return nil, &InvalidEmailAddressError{Email: record.Email}
	}
	record.Email = email
	if record.Language == "" {
		record.Language = DefaultLanguage
	}

	if opts.UserID != nil {
		if _, err := r.users.GetUser(ctx, *opts.UserID); err != nil {
			if errors.Is(err, consts.ErrDBNotFound) {
				return nil, &MissingUserError{UserID: *opts.UserID}
			}
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
	}

	existing, err := r.service.FindMember(ctx, MemberQuery{Subscriber: email, ListID: ml.ListID, Role: RoleQuery(RoleMember)})
	if err != nil {
		return nil, err
	}
	if kind == KindSubscribe && existing != nil {
		return nil, &AlreadyMemberError{ListID: ml.ListID, Email: email, Role: RoleMember}
	}
	if kind == KindUnsubscribe && existing == nil {
		return nil, &NotAMemberError{ListID: ml.ListID, Email: email}
	}

	inFlight, err := r.pending.ListPending(ctx, ml.ListID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	for _, p := range inFlight {
		if p.Email == email && p.Kind == kind {
			return nil, &SubscriptionPendingError{ListID: ml.ListID, Email: email}
		}
	}

	policy := ml.SubscriptionPolicy
	if kind == KindUnsubscribe {
		policy = ml.UnsubscriptionPolicy
	}
	needConfirm := policy.NeedsConfirmation() && !opts.PreConfirmed
	needApprove := policy.NeedsApproval() && !opts.PreApproved

	now := time.Now().UTC()
	req := &PendingRequest{
		Kind:      kind,
		ListID:    ml.ListID,
		Email:     email,
		UserID:    opts.UserID,
		Record:    record,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch {
	case needConfirm && needApprove:
		req.State, req.Owner = StatePendingConfirmationAndApproval, TokenOwnerSubscriber
	case needConfirm:
		req.State, req.Owner = StatePendingConfirmation, TokenOwnerSubscriber
	case needApprove:
		req.State, req.Owner = StatePendingApproval, TokenOwnerModerator
	default:
		if err := r.apply(ctx, req); err != nil {
			return nil, err
		}
		req.State, req.Owner = StateCommitted, TokenOwnerNoOne
		metrics.SubscriptionRequests.WithLabelValues(kind.String(), req.State.String()).Inc()
		return req, nil
	}

	if req.Token, err = newToken(); err != nil {
		return nil, err
	}
	// The store's uniqueness check decides between concurrent registrations
	// that both passed the scan above.
	if err := r.pending.CreatePending(ctx, req); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			return nil, &SubscriptionPendingError{ListID: ml.ListID, Email: email}
		}
		return nil, fmt.Errorf("failed to store pending request: %w", err)
	}

	metrics.SubscriptionRequests.WithLabelValues(kind.String(), req.State.String()).Inc()
	logger.Info("Subscriptions: request pending", "list", ml.ListID, "email", email,
		"kind", kind.String(), "state", req.State.String(), "token", req.Token)

	if r.notifier != nil {
		if err := r.notifier.RequestPending(ctx, ml, req); err != nil {
			logger.Warn("Subscriptions: failed to notify", "list", ml.ListID, "token", req.Token, "error", err)
		}
	}
	return req, nil
}

// Confirm redeems a subscriber-owned token. Once the subscriber has
// confirmed a request that still awaits approval, the token counts as used
// for confirmation.
func (r *Registrar) Confirm(ctx context.Context, token string) (*PendingRequest, error) {
	req, err := r.load(ctx, token)
	if err != nil {
		return nil, r.countFailure("confirm", err)
	}
	if req.State == StatePendingApproval {
		return nil, r.countFailure("confirm", invalidToken(token, req.State))
	}
	if req.Owner != TokenOwnerSubscriber && req.Owner != TokenOwnerNoOne {
		return nil, r.countFailure("confirm", &TokenOwnerMismatchError{Token: token, Expected: TokenOwnerSubscriber, Actual: req.Owner})
	}
	switch req.State {
	case StatePendingConfirmationAndApproval:
		return r.advance(ctx, req, StatePendingApproval, TokenOwnerModerator, "confirm")
	case StatePendingConfirmation:
		return r.advance(ctx, req, StateCommitted, TokenOwnerNoOne, "confirm")
	}
	return nil, r.countFailure("confirm", invalidToken(token, req.State))
}

// Approve redeems a moderator-owned token.
func (r *Registrar) Approve(ctx context.Context, token string) (*PendingRequest, error) {
	req, err := r.load(ctx, token)
	if err != nil {
		return nil, r.countFailure("approve", err)
	}
	if req.Owner != TokenOwnerModerator {
		return nil, r.countFailure("approve", &TokenOwnerMismatchError{Token: token, Expected: TokenOwnerModerator, Actual: req.Owner})
	}
	if req.State != StatePendingApproval {
		return nil, r.countFailure("approve", invalidToken(token, req.State))
	}
	return r.advance(ctx, req, StateCommitted, TokenOwnerNoOne, "approve")
}

// Reject discards a moderator-owned request.
func (r *Registrar) Reject(ctx context.Context, token string) (*PendingRequest, error) {
	req, err := r.load(ctx, token)
	if err != nil {
		return nil, r.countFailure("reject", err)
	}
	if req.Owner != TokenOwnerModerator {
		return nil, r.countFailure("reject", &TokenOwnerMismatchError{Token: token, Expected: TokenOwnerModerator, Actual: req.Owner})
	}
	return r.advance(ctx, req, StateRejected, TokenOwnerNoOne, "reject")
}

// Expire ends a pending request without applying it.
func (r *Registrar) Expire(ctx context.Context, token string) (*PendingRequest, error) {
	req, err := r.load(ctx, token)
	if err != nil {
		return nil, r.countFailure("expire", err)
	}
	return r.advance(ctx, req, StateExpired, TokenOwnerNoOne, "expire")
}

// ExpireOlderThan expires every pending request created before cutoff and
// returns how many it expired. Requests resolved concurrently are skipped.
func (r *Registrar) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.pending.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale requests: %w", err)
	}
	expired := 0
	for _, req := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := r.Expire(ctx, req.Token); err != nil {
			var invalid *InvalidTokenError
			if !errors.As(err, &invalid) {
				logger.Warn("Subscriptions: failed to expire request", "token", req.Token, "error", err)
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		logger.Info("Subscriptions: expired stale requests", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

// Pending returns the requests of a list that are still waiting.
func (r *Registrar) Pending(ctx context.Context, listID string) ([]*PendingRequest, error) {
	ml, err := r.lists.Get(listID)
	if err != nil {
		return nil, err
	}
	return r.pending.ListPending(ctx, ml.ListID)
}

// Get returns a request by token.
func (r *Registrar) Get(ctx context.Context, token string) (*PendingRequest, error) {
	req, err := r.pending.GetPending(ctx, token)
	if errors.Is(err, consts.ErrDBNotFound) {
		return nil, &InvalidTokenError{Token: token, Reason: ErrTokenUnknown}
	}
	return req, err
}

func (r *Registrar) load(ctx context.Context, token string) (*PendingRequest, error) {
	req, err := r.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if !req.State.Pending() {
		return nil, invalidToken(token, req.State)
	}
	return req, nil
}

// advance performs the compare-and-swap from req.State to `to`. When the
// request is committed the membership change is applied afterwards, and the
// swap is undone if that fails so the token can be redeemed again.
func (r *Registrar) advance(ctx context.Context, req *PendingRequest, to RequestState, owner TokenOwner, action string) (*PendingRequest, error) {
	swapped, err := r.pending.TransitionPending(ctx, req.Token, req.State, to, owner)
	if err != nil {
		return nil, r.countFailure(action, fmt.Errorf("failed to update request: %w", err))
	}
	if !swapped {
		current, gerr := r.Get(ctx, req.Token)
		if gerr != nil {
			return nil, r.countFailure(action, gerr)
		}
		return nil, r.countFailure(action, invalidToken(req.Token, current.State))
	}

	if to == StateCommitted {
		if err := r.apply(ctx, req); err != nil {
			if _, rerr := r.pending.TransitionPending(ctx, req.Token, StateCommitted, req.State, req.Owner); rerr != nil {
				logger.Error("Subscriptions: failed to revert request", "token", req.Token, "error", rerr)
			}
			return nil, r.countFailure(action, err)
		}
	}

	updated := *req
	updated.State, updated.Owner, updated.UpdatedAt = to, owner, time.Now().UTC()

	metrics.TokenRedemptions.WithLabelValues(action, "ok").Inc()
	logger.Info("Subscriptions: request advanced", "list", req.ListID, "email", req.Email,
		"token", req.Token, "action", action, "state", to.String())

	if to.Pending() && r.notifier != nil {
		if ml, err := r.lists.Get(req.ListID); err == nil {
			if err := r.notifier.RequestPending(ctx, ml, &updated); err != nil {
				logger.Warn("Subscriptions: failed to notify", "list", req.ListID, "token", req.Token, "error", err)
			}
		}
	}
	return &updated, nil
}

func (r *Registrar) apply(ctx context.Context, req *PendingRequest) error {
	if req.Kind == KindUnsubscribe {
		return r.service.Leave(ctx, req.ListID, req.Email)
	}
	_, err := r.service.Join(ctx, req.ListID, req.Record, RoleMember)
	return err
}

func (r *Registrar) countFailure(action string, err error) error {
	result := "error"
	var invalid *InvalidTokenError
	var mismatch *TokenOwnerMismatchError
	switch {
	case errors.As(err, &invalid):
		result = "invalid"
	case errors.As(err, &mismatch):
		result = "owner_mismatch"
	}
	metrics.TokenRedemptions.WithLabelValues(action, result).Inc()
	return err
}
