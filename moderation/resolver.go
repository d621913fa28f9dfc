package moderation

import (
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/rules"
)

// Resolver maps hit rules to a disposition using the list's policy and the
// sender's relationship to the list.
type Resolver struct {
	registry *rules.Registry
}

func NewResolver(registry *rules.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// ActionFor returns the action a hit on rule implies. An emergency hit
// always moderates, whatever the list maps it to.
func (r *Resolver) ActionFor(rule string, sender rules.Sender, ml *mailinglist.MailingList) mailinglist.Action {
	if action, ok := ml.ActionForRule(rule); ok {
		if rule == "emergency" && action.Severity() < mailinglist.ActionHold.Severity() {
			return mailinglist.ActionHold
		}
		return action
	}
	switch rule {
	case "member_moderation":
		return rules.EffectiveAction(sender, ml.DefaultMemberAction)
	case "nonmember_moderation":
		return rules.EffectiveAction(sender, ml.DefaultNonmemberAction)
	case "approved":
		return mailinglist.ActionAccept
	default:
		return mailinglist.ActionHold
	}
}

// Resolve returns the most severe disposition among the hits. With no hits
// the post is accepted. Adding a hit never lowers the result.
func (r *Resolver) Resolve(hitRules []string, sender rules.Sender, ml *mailinglist.MailingList) Decision {
	decision := Decision{
		Disposition: Accept,
		HitRules:    append([]string(nil), hitRules...),
	}
	for _, name := range hitRules {
		action := r.ActionFor(name, sender, ml)
		if d := FromAction(action); d > decision.Disposition {
			decision.Disposition = d
		}
		decision.Reasons = append(decision.Reasons, name+": "+r.describe(name))
	}
	return decision
}

func (r *Resolver) describe(name string) string {
	if r.registry != nil {
		if rule, err := r.registry.Lookup(name); err == nil {
			return rule.Description()
		}
	}
	return "rule matched"
}
