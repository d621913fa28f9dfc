package rules

import (
	"context"

	"github.com/migadu/listd/mailinglist"
)

// memberModerationRule hits for members whose effective action moderates.
type memberModerationRule struct{}

func (memberModerationRule) Name() string { return "member_moderation" }
func (memberModerationRule) Description() string {
	return "Match messages sent by moderated members."
}
func (memberModerationRule) Record() bool { return true }

func (memberModerationRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if meta.ModeratorApproved || meta.Sender.Role != SenderMember {
		return false, nil
	}
	action := EffectiveAction(meta.Sender, ml.DefaultMemberAction)
	if !action.Moderates() {
		return false, nil
	}
	meta.Annotate("moderation_action", action.String())
	meta.Annotate("moderation_sender", meta.Sender.Address)
	return true, nil
}

// nonmemberModerationRule hits for posters holding no membership on the list.
type nonmemberModerationRule struct{}

func (nonmemberModerationRule) Name() string { return "nonmember_moderation" }
func (nonmemberModerationRule) Description() string {
	return "Match messages sent by nonmembers."
}
func (nonmemberModerationRule) Record() bool { return true }

func (nonmemberModerationRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if meta.ModeratorApproved || meta.Sender.Role == SenderMember {
		return false, nil
	}
	if meta.Sender.Address == "" && len(msg.Senders()) == 0 {
		return false, nil
	}
	action := EffectiveAction(meta.Sender, ml.DefaultNonmemberAction)
	if !action.Moderates() {
		return false, nil
	}
	meta.Annotate("moderation_action", action.String())
	meta.Annotate("moderation_sender", meta.Sender.Address)
	return true, nil
}

// EffectiveAction is the sender's own moderation action, or fallback when
// they have none.
func EffectiveAction(sender Sender, fallback mailinglist.Action) mailinglist.Action {
	if sender.ModerationAction != nil {
		return *sender.ModerationAction
	}
	return fallback
}
