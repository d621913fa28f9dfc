package lmtp

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/rules"
)

type command int

const (
	cmdPost command = iota
	cmdJoin
	cmdLeave
	cmdRequest
	cmdOwner
	cmdConfirm
)

func (c command) String() string {
	switch c {
	case cmdPost:
		return "post"
	case cmdJoin:
		return "join"
	case cmdLeave:
		return "leave"
	case cmdRequest:
		return "request"
	case cmdOwner:
		return "owner"
	case cmdConfirm:
		return "confirm"
	}
	return "unknown"
}

// suffixes maps the local-part suffix of a list's command addresses to
// the command it selects.
var suffixes = []struct {
	suffix string
	cmd    command
}{
	{"-subscribe", cmdJoin},
	{"-join", cmdJoin},
	{"-unsubscribe", cmdLeave},
	{"-leave", cmdLeave},
	{"-request", cmdRequest},
	{"-owner", cmdOwner},
	{"-confirm", cmdConfirm},
}

// recipient is a resolved RCPT TO.
type recipient struct {
	address string
	list    *mailinglist.MailingList
	cmd     command
	token   string
}

// resolveRecipient maps an address to a list and the command it stands for.
// "dev-confirm+TOKEN@host" carries the token in the detail part.
func resolveRecipient(lists Lists, address string) (recipient, bool) {
	rcpt := recipient{address: address}

	if ml, ok := lists.LookupAddress(address); ok {
		rcpt.list, rcpt.cmd = ml, cmdPost
		return rcpt, true
	}

	local, domain := helpers.SplitEmailAddress(helpers.NormalizeAddress(address))
	if domain == "" {
		return rcpt, false
	}

	if base, detail, found := strings.Cut(local, "+"); found {
		name, ok := strings.CutSuffix(base, "-confirm")
		if !ok || detail == "" {
			return rcpt, false
		}
		ml, ok := lists.LookupAddress(name + "@" + domain)
		if !ok {
			return rcpt, false
		}
		rcpt.list, rcpt.cmd, rcpt.token = ml, cmdConfirm, detail
		return rcpt, true
	}

	for _, s := range suffixes {
		name, ok := strings.CutSuffix(local, s.suffix)
		if !ok || name == "" {
			continue
		}
		if ml, ok := lists.LookupAddress(name + "@" + domain); ok {
			rcpt.list, rcpt.cmd = ml, s.cmd
			return rcpt, true
		}
	}
	return rcpt, false
}

// requestVerb is a command found in mail to the -request address.
type requestVerb struct {
	cmd   command
	token string
}

// parseRequest reads the command from the subject, falling back to the
// first non-empty body line. Only the first command is honoured.
func parseRequest(ml *mailinglist.MailingList, msg *rules.Message) (requestVerb, bool) {
	if v, ok := parseRequestLine(helpers.StripSubjectPrefix(msg.Subject, ml.SubjectPrefix)); ok {
		return v, true
	}
	scanner := bufio.NewScanner(bytes.NewReader([]byte(msg.Text)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return parseRequestLine(line)
	}
	return requestVerb{}, false
}

func parseRequestLine(line string) (requestVerb, bool) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return requestVerb{}, false
	}
	switch fields[0] {
	case "subscribe", "join":
		return requestVerb{cmd: cmdJoin}, true
	case "unsubscribe", "leave":
		return requestVerb{cmd: cmdLeave}, true
	case "confirm":
		if len(fields) < 2 {
			return requestVerb{}, false
		}
		return requestVerb{cmd: cmdConfirm, token: fields[1]}, true
	}
	return requestVerb{}, false
}

// subscriberOf returns who a command message speaks for: the From header
// when it parses, otherwise the envelope sender.
func subscriberOf(msg *rules.Message, envelopeFrom string) (email, displayName string) {
	if from := msg.Header("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			return addr.Address, addr.Name
		}
	}
	return envelopeFrom, ""
}
