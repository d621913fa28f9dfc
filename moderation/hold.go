package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
)

// HeldMessage is a post waiting for a moderator.
type HeldMessage struct {
	ID           uuid.UUID
	ListID       string
	MessageID    string
	EnvelopeFrom string
	Sender       string
	Subject      string
	HitRules     []string
	Reasons      []string
	ContentHash  string
	Size         int
	CreatedAt    time.Time
}

// HeldStore persists held message records. Get returns an error wrapping
// consts.ErrDBNotFound for unknown ids.
type HeldStore interface {
	CreateHeld(ctx context.Context, held *HeldMessage) error
	GetHeld(ctx context.Context, id uuid.UUID) (*HeldMessage, error)
	ListHeld(ctx context.Context, listID string) ([]*HeldMessage, error)
	DeleteHeld(ctx context.Context, id uuid.UUID) error
}

// BlobStore keeps message bodies.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Outbox receives posts that may go out to the list.
type Outbox interface {
	Enqueue(ctx context.Context, listID, envelopeFrom string, raw []byte) error
}

// NoSuchHeldMessageError is returned for an unknown held message id.
type NoSuchHeldMessageError struct {
	ID string
}

func (e *NoSuchHeldMessageError) Error() string {
	return fmt.Sprintf("no such held message: %s", e.ID)
}

// HoldQueue stores held posts and applies moderator decisions to them.
type HoldQueue struct {
	store  HeldStore
	blobs  BlobStore
	outbox Outbox
}

func NewHoldQueue(store HeldStore, blobs BlobStore, outbox Outbox) *HoldQueue {
	return &HoldQueue{store: store, blobs: blobs, outbox: outbox}
}

// BlobKey is where a held body lives in the blob store.
func BlobKey(listID, contentHash string) string {
	return "held/" + listID + "/" + contentHash
}

// Hold stores msg for moderation together with the hits that caused it.
func (q *HoldQueue) Hold(ctx context.Context, ml *mailinglist.MailingList, msg *rules.Message, decision Decision) (*HeldMessage, error) {
	held := &HeldMessage{
		ID:           uuid.New(),
		ListID:       ml.ListID,
		MessageID:    msg.MessageID,
		EnvelopeFrom: msg.EnvelopeFrom,
		Sender:       msg.PrimarySender(),
		Subject:      msg.Subject,
		HitRules:     append([]string(nil), decision.HitRules...),
		Reasons:      append([]string(nil), decision.Reasons...),
		ContentHash:  helpers.HashContent(msg.Raw),
		Size:         len(msg.Raw),
		CreatedAt:    time.Now().UTC(),
	}

	// The record goes first: dropBlob only deletes a body that no record
	// refers to, and puts it back when one appears meanwhile.
	if err := q.store.CreateHeld(ctx, held); err != nil {
		return nil, fmt.Errorf("failed to record held message: %w", err)
	}
	if err := q.blobs.Put(ctx, BlobKey(held.ListID, held.ContentHash), msg.Raw); err != nil {
		if derr := q.store.DeleteHeld(ctx, held.ID); derr != nil {
			logger.Warn("Moderation: failed to remove record of unstored body", "held_id", held.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to store held message body: %w", err)
	}

	metrics.HeldMessages.WithLabelValues("hold").Inc()
	logger.Info("Moderation: message held", "list", held.ListID, "held_id", held.ID,
		"message_id", held.MessageID, "sender", held.Sender, "rules", held.HitRules)
	return held, nil
}

// List returns the held messages of a list, oldest first.
func (q *HoldQueue) List(ctx context.Context, listID string) ([]*HeldMessage, error) {
	return q.store.ListHeld(ctx, listID)
}

// Get returns a held message and its body.
func (q *HoldQueue) Get(ctx context.Context, id uuid.UUID) (*HeldMessage, []byte, error) {
	held, err := q.store.GetHeld(ctx, id)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return nil, nil, &NoSuchHeldMessageError{ID: id.String()}
		}
		return nil, nil, err
	}
	body, err := q.blobs.Get(ctx, BlobKey(held.ListID, held.ContentHash))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load held message body: %w", err)
	}
	return held, body, nil
}

// Dispose applies a moderator decision. Accept and defer send the post to the
// outbox; reject and discard drop it. The held record is claimed by deleting
// it first, so of several moderators acting on the same message exactly one
// succeeds and the others get *NoSuchHeldMessageError.
func (q *HoldQueue) Dispose(ctx context.Context, id uuid.UUID, action mailinglist.Action) error {
	if action == mailinglist.ActionHold {
		return fmt.Errorf("message %s is already held", id)
	}

	held, err := q.store.GetHeld(ctx, id)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return &NoSuchHeldMessageError{ID: id.String()}
		}
		return err
	}
	if err := q.store.DeleteHeld(ctx, id); err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return &NoSuchHeldMessageError{ID: id.String()}
		}
		return fmt.Errorf("failed to claim held message: %w", err)
	}

	key := BlobKey(held.ListID, held.ContentHash)
	var body []byte
	if FromAction(action) == Accept {
		if body, err = q.blobs.Get(ctx, key); err != nil {
			q.restore(ctx, held)
			return fmt.Errorf("failed to load held message body: %w", err)
		}
		if err := q.outbox.Enqueue(ctx, held.ListID, held.EnvelopeFrom, body); err != nil {
			q.restore(ctx, held)
			return fmt.Errorf("failed to release held message: %w", err)
		}
	}
	q.dropBlob(ctx, held, body)

	metrics.HeldMessages.WithLabelValues(action.String()).Inc()
	logger.Info("Moderation: held message disposed", "list", held.ListID, "held_id", id,
		"action", action.String(), "message_id", held.MessageID)
	return nil
}

// restore puts back a claimed record whose disposal failed.
func (q *HoldQueue) restore(ctx context.Context, held *HeldMessage) {
	if err := q.store.CreateHeld(ctx, held); err != nil {
		logger.Error("Moderation: failed to restore held message", "held_id", held.ID, "error", err)
	}
}

// dropBlob deletes the body unless another held record of the same list
// shares it. A record created while the body was being deleted gets the
// body back.
func (q *HoldQueue) dropBlob(ctx context.Context, held *HeldMessage, body []byte) {
	key := BlobKey(held.ListID, held.ContentHash)
	if q.sharesBody(ctx, held) {
		return
	}
	if body == nil {
		var err error
		if body, err = q.blobs.Get(ctx, key); err != nil && !errors.Is(err, consts.ErrDBNotFound) {
			logger.Warn("Moderation: cannot read held body before deleting it, keeping it", "held_id", held.ID, "error", err)
			return
		}
	}
	if err := q.blobs.Delete(ctx, key); err != nil {
		logger.Warn("Moderation: failed to delete held body", "held_id", held.ID, "error", err)
		return
	}
	if body != nil && q.sharesBody(ctx, held) {
		if err := q.blobs.Put(ctx, key, body); err != nil {
			logger.Error("Moderation: failed to put back shared held body", "held_id", held.ID, "error", err)
		}
	}
}

// sharesBody reports whether another held record uses the body of held.
// Errors count as shared.
func (q *HoldQueue) sharesBody(ctx context.Context, held *HeldMessage) bool {
	remaining, err := q.store.ListHeld(ctx, held.ListID)
	if err != nil {
		logger.Warn("Moderation: cannot check shared held body, keeping it", "held_id", held.ID, "error", err)
		return true
	}
	for _, other := range remaining {
		if other.ID != held.ID && other.ContentHash == held.ContentHash {
			return true
		}
	}
	return false
}
