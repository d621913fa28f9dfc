package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
	"github.com/migadu/listd/server"
	"github.com/migadu/listd/subscriptions"
)

// LMTPSession is one LMTP connection. A transaction may address several
// lists and command addresses; each recipient gets its own status.
type LMTPSession struct {
	server.Session
	backend   *LMTPServerBackend
	ctx       context.Context
	cancel    context.CancelFunc
	sender    string
	hasSender bool
	rcpts     []recipient
	startTime time.Time
}

func observe(command string, start time.Time, errp *error) {
	status := "success"
	if *errp != nil {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(command, status).Inc()
	metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) (err error) {
	defer observe("MAIL", time.Now(), &err)

	s.DebugLog("processing MAIL FROM command: %s", from)
	// The null reverse path is allowed; bounces still reach -owner.
	if from != "" {
		if from, err = helpers.ValidateAddress(from); err != nil {
			s.Log("invalid from address: %v", err)
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender",
			}
		}
	}

	s.sender = from
	s.hasSender = true
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	defer observe("RCPT", time.Now(), &err)

	s.DebugLog("processing RCPT TO command: %s", to)
	if !s.hasSender {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM)",
		}
	}

	rcpt, ok := resolveRecipient(s.backend.deps.Lists, to)
	if !ok {
		s.Log("no list for recipient %s", to)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such list here",
		}
	}

	s.rcpts = append(s.rcpts, rcpt)
	s.DebugLog("recipient accepted: %s (list=%s command=%s)", to, rcpt.list.ListID, rcpt.cmd)
	return nil
}

// Data handles plain SMTP framing, where a single reply covers every
// recipient: the first failure wins.
func (s *LMTPSession) Data(r io.Reader) (err error) {
	defer observe("DATA", time.Now(), &err)

	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}
	for _, rcpt := range s.rcpts {
		if err := s.deliver(rcpt, raw); err != nil {
			return err
		}
	}
	return nil
}

// LMTPData reports one status per recipient.
func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) (err error) {
	defer observe("DATA", time.Now(), &err)

	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}
	for _, rcpt := range s.rcpts {
		status.SetStatus(rcpt.address, s.deliver(rcpt, raw))
	}
	return nil
}

func (s *LMTPSession) readMessage(r io.Reader) ([]byte, error) {
	if !s.hasSender || len(s.rcpts) == 0 {
		s.Log("DATA command received without valid sender or recipient")
		return nil, &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	var buf bytes.Buffer
	reader := r
	if s.backend.maxMessageSize > 0 {
		// One extra byte tells an exact fit from an overflow.
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, s.InternalError("failed to read message: %v", err)
	}

	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		s.Log("message size %d bytes exceeds limit of %d bytes", buf.Len(), s.backend.maxMessageSize)
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}

	metrics.MessageSizeBytes.Observe(float64(buf.Len()))
	s.DebugLog("message data read successfully (%d bytes)", buf.Len())
	return buf.Bytes(), nil
}

func (s *LMTPSession) deliver(rcpt recipient, raw []byte) (err error) {
	command := strings.ToUpper(rcpt.cmd.String())
	defer observe(command, time.Now(), &err)

	ml := rcpt.list
	if rcpt.cmd == cmdConfirm {
		return s.confirm(ml, rcpt.token)
	}

	msg, err := rules.ParseMessage(s.sender, ml.PostingAddress(), raw)
	if err != nil {
		s.Log("unparseable message for %s: %v", rcpt.address, err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}

	switch rcpt.cmd {
	case cmdPost:
		return s.post(ml, msg)
	case cmdJoin:
		return s.request(ml, subscriptions.KindSubscribe, msg)
	case cmdLeave:
		return s.request(ml, subscriptions.KindUnsubscribe, msg)
	case cmdOwner:
		return s.forwardToOwners(ml, raw)
	case cmdRequest:
		verb, ok := parseRequest(ml, msg)
		if !ok {
			s.Log("no command found in mail to %s", rcpt.address)
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 5, 2},
				Message:      "No recognised command (try subscribe, unsubscribe or confirm TOKEN)",
			}
		}
		switch verb.cmd {
		case cmdJoin:
			return s.request(ml, subscriptions.KindSubscribe, msg)
		case cmdLeave:
			return s.request(ml, subscriptions.KindUnsubscribe, msg)
		default:
			return s.confirm(ml, verb.token)
		}
	}
	return s.InternalError("unhandled command %s", rcpt.cmd)
}

// post runs a submission through moderation and acts on the disposition.
func (s *LMTPSession) post(ml *mailinglist.MailingList, msg *rules.Message) error {
	deps := s.backend.deps

	sender, err := deps.Members.SenderStatus(s.ctx, ml.ListID, msg.PrimarySender())
	if err != nil {
		return s.InternalError("failed to look up sender %s on %s: %v", msg.PrimarySender(), ml.ListID, err)
	}
	decision, err := deps.Pipeline.Evaluate(s.ctx, ml, msg, rules.NewMetadata(sender))
	if err != nil {
		return s.InternalError("failed to evaluate post to %s: %v", ml.ListID, err)
	}

	// Checked only after evaluation so a temporary failure above can be retried.
	if deps.Dedup != nil && !deps.Dedup.IsNew(s.ctx, ml.ListID, msg.MessageID) {
		s.Log("duplicate post %s to %s dropped", msg.MessageID, ml.ListID)
		return nil
	}

	s.Log("post to %s from %s: %s (rules: %s)", ml.ListID, msg.PrimarySender(),
		decision.Disposition, strings.Join(decision.HitRules, ","))

	switch decision.Disposition {
	case moderation.Accept:
		if err := deps.Outbox.Enqueue(s.ctx, ml.ListID, s.sender, msg.Raw); err != nil {
			return s.InternalError("failed to queue post to %s: %v", ml.ListID, err)
		}
	case moderation.Hold:
		held, err := deps.Holds.Hold(s.ctx, ml, msg, decision)
		if err != nil {
			return s.InternalError("failed to hold post to %s: %v", ml.ListID, err)
		}
		if deps.Notifier != nil {
			if err := deps.Notifier.MessageHeld(s.ctx, ml, held); err != nil {
				s.WarnLog("failed to notify owners of held message %s: %v", held.ID, err)
			}
		}
	case moderation.Reject:
		reason := "Message rejected by list policy"
		if len(decision.Reasons) > 0 {
			reason = strings.Join(decision.Reasons, "; ")
		}
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      reason,
		}
	case moderation.Discard:
	}
	return nil
}

func (s *LMTPSession) request(ml *mailinglist.MailingList, kind subscriptions.RequestKind, msg *rules.Message) error {
	email, name := subscriberOf(msg, s.sender)
	record := subscriptions.NewRequestRecord(email, name, subscriptions.DeliveryRegular, ml.PreferredLanguage)

	req, err := s.backend.deps.Requests.Register(s.ctx, ml.ListID, kind, record, subscriptions.RegisterOptions{})
	if err != nil {
		return s.commandError(ml, kind.String(), err)
	}
	s.Log("%s request for %s on %s: %s", kind, email, ml.ListID, req.State)
	return nil
}

func (s *LMTPSession) confirm(ml *mailinglist.MailingList, token string) error {
	req, err := s.backend.deps.Requests.Confirm(s.ctx, token)
	if err != nil {
		return s.commandError(ml, "confirm", err)
	}
	s.Log("token confirmed for %s on %s: %s", req.Email, req.ListID, req.State)
	return nil
}

// commandError turns a subscription failure into the reply the sender's
// MTA sees. Conditions that leave nothing to do are accepted silently.
func (s *LMTPSession) commandError(ml *mailinglist.MailingList, command string, err error) error {
	var (
		already  *subscriptions.AlreadyMemberError
		notMem   *subscriptions.NotAMemberError
		pending  *subscriptions.SubscriptionPendingError
		invalid  *subscriptions.InvalidEmailAddressError
		badToken *subscriptions.InvalidTokenError
		mismatch *subscriptions.TokenOwnerMismatchError
		noList   *mailinglist.NoSuchListError
	)
	switch {
	case errors.As(err, &already), errors.As(err, &notMem), errors.As(err, &pending):
		s.Log("%s on %s ignored: %v", command, ml.ListID, err)
		return nil
	case errors.As(err, &invalid):
		s.Log("%s on %s refused: %v", command, ml.ListID, err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid subscriber address",
		}
	case errors.As(err, &badToken), errors.As(err, &mismatch), errors.Is(err, subscriptions.ErrTokenUsed):
		s.Log("%s on %s refused: %v", command, ml.ListID, err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Confirmation token is not valid",
		}
	case errors.As(err, &noList):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such list here",
		}
	}
	return s.InternalError("%s on %s failed: %v", command, ml.ListID, err)
}

func (s *LMTPSession) forwardToOwners(ml *mailinglist.MailingList, raw []byte) error {
	deps := s.backend.deps
	owners, err := deps.Members.FindMembers(s.ctx, subscriptions.MemberQuery{
		ListID: ml.ListID,
		Role:   subscriptions.RoleQuery(subscriptions.RoleOwner),
	})
	if err != nil {
		return s.InternalError("failed to look up owners of %s: %v", ml.ListID, err)
	}
	if len(owners) == 0 {
		s.WarnLog("list %s has no owners, refusing mail to %s", ml.ListID, ml.OwnerAddress())
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "List has no owners",
		}
	}

	to := make([]string, 0, len(owners))
	for _, o := range owners {
		to = append(to, o.Email)
	}
	if err := deps.Outbox.EnqueueNotice(s.ctx, ml.ListID, s.sender, to, raw); err != nil {
		return s.InternalError("failed to forward owner mail for %s: %v", ml.ListID, err)
	}
	return nil
}

func (s *LMTPSession) Reset() {
	s.sender = ""
	s.hasSender = false
	s.rcpts = nil
	s.DebugLog("session reset")
}

func (s *LMTPSession) Logout() error {
	active := s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.Dec()
	if s.cancel != nil {
		s.cancel()
	}
	s.DebugLog("session closed after %s (active=%d)", time.Since(s.startTime).Round(time.Millisecond), active)
	return nil
}

func (s *LMTPSession) InternalError(format string, a ...interface{}) error {
	errorMsg := fmt.Sprintf(format, a...)
	s.WarnLog("INTERNAL ERROR: %s", errorMsg)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, try again later",
	}
}
