package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/migadu/listd/mailinglist"
)

type emergencyRule struct{}

func (emergencyRule) Name() string { return "emergency" }
func (emergencyRule) Description() string {
	return "The mailing list is in emergency hold and this message was not pre-approved by the list administrator."
}
func (emergencyRule) Record() bool { return true }

func (emergencyRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	return ml.Emergency && !meta.ModeratorApproved, nil
}

// loopRule catches posts that already went through this list.
type loopRule struct{}

func (loopRule) Name() string        { return "loop" }
func (loopRule) Description() string { return "Look for a posting loop." }
func (loopRule) Record() bool        { return true }

func (loopRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	address := ml.PostingAddress()
	for _, v := range msg.HeaderValues("X-BeenThere") {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(v), "<>"), address) {
			return true, nil
		}
	}
	for _, v := range msg.HeaderValues("List-Post") {
		if strings.Contains(strings.ToLower(v), "mailto:"+address) {
			return true, nil
		}
	}
	return false, nil
}

type bannedAddressRule struct{}

func (bannedAddressRule) Name() string        { return "banned_address" }
func (bannedAddressRule) Description() string { return "Match messages sent by banned addresses." }
func (bannedAddressRule) Record() bool        { return true }

func (bannedAddressRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if len(ml.BannedAddresses) == 0 {
		return false, nil
	}
	for _, sender := range msg.Senders() {
		banned, err := matchesAddress(ml.BannedAddresses, sender)
		if err != nil {
			return false, err
		}
		if banned {
			meta.Annotate("banned_sender", sender)
			return true, nil
		}
	}
	return false, nil
}

// matchesAddress compares address against entries that are either plain
// addresses or regular expressions starting with "^".
func matchesAddress(patterns []string, address string) (bool, error) {
	for _, p := range patterns {
		if strings.HasPrefix(p, "^") {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return false, err
			}
			if re.MatchString(address) {
				return true, nil
			}
			continue
		}
		if strings.EqualFold(p, address) {
			return true, nil
		}
	}
	return false, nil
}

// anyRule matches when an earlier rule in this evaluation hit.
type anyRule struct{}

func (anyRule) Name() string        { return "any" }
func (anyRule) Description() string { return "Look for any previous rule hit." }
func (anyRule) Record() bool        { return false }

func (anyRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	return len(meta.HitRules) > 0, nil
}

type truthRule struct{}

func (truthRule) Name() string        { return "truth" }
func (truthRule) Description() string { return "A rule which always matches." }
func (truthRule) Record() bool        { return false }

func (truthRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	return true, nil
}
