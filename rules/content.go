package rules

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
)

// emailCommands maps request-address commands to their argument bounds.
var emailCommands = map[string][2]int{
	"confirm":     {1, 1},
	"echo":        {0, math.MaxInt},
	"end":         {0, 0},
	"help":        {0, 0},
	"join":        {0, 2},
	"leave":       {0, 0},
	"remove":      {0, 0},
	"stop":        {0, 0},
	"subscribe":   {0, 2},
	"unsubscribe": {0, 1},
	"who":         {0, 2},
}

// maxCommandLines is how many non-blank body lines are scanned for commands.
const maxCommandLines = 10

type administriviaRule struct{}

func (administriviaRule) Name() string { return "administrivia" }
func (administriviaRule) Description() string {
	return "Catch mis-addressed email commands."
}
func (administriviaRule) Record() bool { return true }

func (administriviaRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if !ml.Administrivia || meta.ModeratorApproved {
		return false, nil
	}
	if isCommand(helpers.StripSubjectPrefix(msg.Subject, ml.SubjectPrefix)) {
		meta.Annotate("administrivia_in", "subject")
		return true, nil
	}

	seen := 0
	for _, line := range msg.TextLines() {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seen++
		if seen > maxCommandLines {
			break
		}
		if isCommand(line) {
			meta.Annotate("administrivia_in", "body")
			return true, nil
		}
	}
	return false, nil
}

func isCommand(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false
	}
	bounds, ok := emailCommands[strings.ToLower(words[0])]
	if !ok {
		return false
	}
	args := len(words) - 1
	return args >= bounds[0] && args <= bounds[1]
}

type implicitDestRule struct{}

func (implicitDestRule) Name() string { return "implicit_dest" }
func (implicitDestRule) Description() string {
	return "Catch messages with implicit destination."
}
func (implicitDestRule) Record() bool { return true }

func (implicitDestRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if !ml.RequireExplicitDestination || meta.ModeratorApproved {
		return false, nil
	}
	posting := ml.PostingAddress()
	recipients := msg.Recipients()
	for _, rcpt := range recipients {
		if rcpt == posting {
			return false, nil
		}
	}
	for _, rcpt := range recipients {
		ok, err := matchesAddress(ml.AcceptableAliases, rcpt)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

type maxRecipientsRule struct{}

func (maxRecipientsRule) Name() string { return "max_recipients" }
func (maxRecipientsRule) Description() string {
	return "Catch messages with too many explicit recipients."
}
func (maxRecipientsRule) Record() bool { return true }

func (maxRecipientsRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if ml.MaxNumRecipients <= 0 || meta.ModeratorApproved {
		return false, nil
	}
	unique := make(map[string]struct{})
	for _, r := range msg.Recipients() {
		unique[r] = struct{}{}
	}
	if len(unique) >= ml.MaxNumRecipients {
		meta.Annotate("recipient_count", len(unique))
		return true, nil
	}
	return false, nil
}

type maxSizeRule struct{}

func (maxSizeRule) Name() string { return "max_size" }
func (maxSizeRule) Description() string {
	return "Catch messages that are bigger than a specified maximum."
}
func (maxSizeRule) Record() bool { return true }

func (maxSizeRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if ml.MaxMessageSizeKB <= 0 || meta.ModeratorApproved {
		return false, nil
	}
	return msg.Size > ml.MaxMessageSizeKB*1024, nil
}

type newsModerationRule struct{}

func (newsModerationRule) Name() string { return "news_moderation" }
func (newsModerationRule) Description() string {
	return "Match all messages posted to a mailing list that gateways to a moderated newsgroup."
}
func (newsModerationRule) Record() bool { return true }

func (newsModerationRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	return ml.NewsModeration == mailinglist.NewsModerationModerated && !meta.ModeratorApproved, nil
}

type noSubjectRule struct{}

func (noSubjectRule) Name() string { return "no_subject" }
func (noSubjectRule) Description() string {
	return "Catch messages with no, or empty, Subject headers."
}
func (noSubjectRule) Record() bool { return true }

func (noSubjectRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if meta.ModeratorApproved {
		return false, nil
	}
	return helpers.StripSubjectPrefix(msg.Subject, ml.SubjectPrefix) == "", nil
}

type noSendersRule struct{}

func (noSendersRule) Name() string        { return "no_senders" }
func (noSendersRule) Description() string { return "Match messages with no valid senders." }
func (noSendersRule) Record() bool        { return true }

func (noSendersRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if meta.ModeratorApproved {
		return false, nil
	}
	return len(msg.Senders()) == 0, nil
}

// suspiciousHeaderRule applies "header: regexp" lines from the list's
// bounce_matching_headers.
type suspiciousHeaderRule struct{}

func (suspiciousHeaderRule) Name() string        { return "suspicious_header" }
func (suspiciousHeaderRule) Description() string { return "Catch messages with suspicious headers." }
func (suspiciousHeaderRule) Record() bool        { return true }

func (suspiciousHeaderRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if meta.ModeratorApproved {
		return false, nil
	}
	for _, line := range ml.BounceMatchingHeaders {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		header, pattern, ok := strings.Cut(line, ":")
		if !ok {
			logger.Warn("Rules: bad bounce_matching_headers line", "list", ml.ListID, "line", line)
			continue
		}
		re, err := regexp.Compile("(?i)" + strings.TrimSpace(pattern))
		if err != nil {
			logger.Warn("Rules: bad bounce_matching_headers pattern", "list", ml.ListID, "line", line, "error", err)
			continue
		}
		for _, value := range msg.HeaderValues(strings.TrimSpace(header)) {
			if re.MatchString(value) {
				meta.Annotate("suspicious_header", strings.TrimSpace(header))
				return true, nil
			}
		}
	}
	return false, nil
}
