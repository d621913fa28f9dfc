package outbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/subscriptions"
)

// Notifier writes the mails that move pending requests and held posts
// forward: confirmation requests to subscribers and approval requests to
// the list owners.
type Notifier struct {
	spool *Spool
}

func NewNotifier(spool *Spool) *Notifier {
	return &Notifier{spool: spool}
}

// RequestPending tells whoever owns the token that it is their turn.
func (n *Notifier) RequestPending(ctx context.Context, ml *mailinglist.MailingList, req *subscriptions.PendingRequest) error {
	var (
		to         string
		subject    string
		replyToken string
		body       strings.Builder
	)

	switch req.Owner {
	case subscriptions.TokenOwnerSubscriber:
		to = req.Email
		subject = "confirm " + req.Token
		replyToken = req.Token
		verb := "subscribe to"
		if req.Kind == subscriptions.KindUnsubscribe {
			verb = "unsubscribe from"
		}
		fmt.Fprintf(&body, "We received a request to %s the %s mailing list\n", verb, ml.PostingAddress())
		fmt.Fprintf(&body, "for the address %s.\n\n", req.Email)
		fmt.Fprintf(&body, "To confirm, reply to this message or send an empty message to\n\n    %s\n\n", ml.ConfirmAddress(req.Token))
		body.WriteString("If you did not make this request, ignore this message.\n")
	case subscriptions.TokenOwnerModerator:
		to = ml.OwnerAddress()
		subject = fmt.Sprintf("New %s request from %s", req.Kind, req.Email)
		fmt.Fprintf(&body, "%s asks to %s %s.\n\n", req.Email, req.Kind, ml.PostingAddress())
		fmt.Fprintf(&body, "Approve with:  listd-admin request approve %s\n", req.Token)
		fmt.Fprintf(&body, "Reject with:   listd-admin request reject %s\n", req.Token)
	default:
		return nil
	}

	raw, err := compose(ml, to, subject, replyToken, body.String())
	if err != nil {
		return err
	}
	return n.spool.EnqueueNotice(ctx, ml.ListID, ml.RequestAddress(), []string{to}, raw)
}

// MessageHeld tells the list owners a post awaits moderation.
func (n *Notifier) MessageHeld(ctx context.Context, ml *mailinglist.MailingList, held *moderation.HeldMessage) error {
	var body strings.Builder
	fmt.Fprintf(&body, "A post to %s from %s was held for moderation.\n\n", ml.PostingAddress(), held.Sender)
	fmt.Fprintf(&body, "Subject: %s\n", held.Subject)
	fmt.Fprintf(&body, "Held id: %s\n\nReasons:\n", held.ID)
	for _, reason := range held.Reasons {
		fmt.Fprintf(&body, "  - %s\n", reason)
	}
	fmt.Fprintf(&body, "\nDecide with:  listd-admin held accept|reject|discard %s\n", held.ID)

	subject := fmt.Sprintf("%s post from %s requires approval", ml.DisplayName, held.Sender)
	raw, err := compose(ml, ml.OwnerAddress(), subject, "", body.String())
	if err != nil {
		return err
	}
	return n.spool.EnqueueNotice(ctx, ml.ListID, ml.RequestAddress(), []string{ml.OwnerAddress()}, raw)
}

func compose(ml *mailinglist.MailingList, to, subject, token, text string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: ml.DisplayName, Address: ml.RequestAddress()}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate Message-ID: %w", err)
	}
	if token != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: ml.ConfirmAddress(token)}})
	}
	h.Set("Auto-Submitted", "auto-generated")
	h.Set("Precedence", "bulk")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create notice: %w", err)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
