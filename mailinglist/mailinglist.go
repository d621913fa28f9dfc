// Package mailinglist holds the per-list configuration consumed by the
// moderation pipeline and the subscription registrar.
//
// A *MailingList obtained from a Catalog is an immutable snapshot: readers
// never lock, and writers go through Catalog.Update, which copies the list,
// applies the change and publishes the copy with a bumped Version. One
// pipeline evaluation therefore always sees exactly one configuration
// version, even when an administrator edits the list mid-flight.
package mailinglist

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/migadu/listd/helpers"
)

// Action is what a list does with a post that triggered a rule.
type Action int

const (
	// ActionDefer expresses no opinion and resolves like Accept.
	ActionDefer Action = iota
	ActionAccept
	ActionHold
	ActionReject
	ActionDiscard
)

var actionNames = map[Action]string{
	ActionDefer:   "defer",
	ActionAccept:  "accept",
	ActionHold:    "hold",
	ActionReject:  "reject",
	ActionDiscard: "discard",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Severity orders actions for most-severe-wins resolution.
// Defer and Accept share the lowest rank.
func (a Action) Severity() int {
	switch a {
	case ActionHold:
		return 1
	case ActionReject:
		return 2
	case ActionDiscard:
		return 3
	default:
		return 0
	}
}

// Moderates reports whether the action stops a post from going straight out.
func (a Action) Moderates() bool {
	return a.Severity() > 0
}

func (a Action) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for action, name := range actionNames {
		if name == s {
			return action, nil
		}
	}
	return ActionDefer, fmt.Errorf("unknown action %q", s)
}

// SubscriptionPolicy decides which steps a join or leave request goes through.
type SubscriptionPolicy int

const (
	PolicyOpen SubscriptionPolicy = iota
	PolicyConfirm
	PolicyModerate
	PolicyConfirmThenModerate
)

var policyNames = map[SubscriptionPolicy]string{
	PolicyOpen:                "open",
	PolicyConfirm:             "confirm",
	PolicyModerate:            "moderate",
	PolicyConfirmThenModerate: "confirm_then_moderate",
}

func (p SubscriptionPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// NeedsConfirmation reports whether the subscriber must confirm by token.
func (p SubscriptionPolicy) NeedsConfirmation() bool {
	return p == PolicyConfirm || p == PolicyConfirmThenModerate
}

// NeedsApproval reports whether a moderator must approve.
func (p SubscriptionPolicy) NeedsApproval() bool {
	return p == PolicyModerate || p == PolicyConfirmThenModerate
}

func (p SubscriptionPolicy) MarshalText() ([]byte, error) {
	if _, ok := policyNames[p]; !ok {
		return nil, fmt.Errorf("unknown subscription policy %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *SubscriptionPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseSubscriptionPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseSubscriptionPolicy accepts the policy names, with "-" or "_".
func ParseSubscriptionPolicy(s string) (SubscriptionPolicy, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for policy, name := range policyNames {
		if name == s {
			return policy, nil
		}
	}
	return PolicyOpen, fmt.Errorf("unknown subscription policy %q", s)
}

// NewsModeration mirrors the Usenet gateway moderation setting.
type NewsModeration int

const (
	NewsModerationNone NewsModeration = iota
	NewsModerationOpenModerated
	NewsModerationModerated
)

var newsNames = map[NewsModeration]string{
	NewsModerationNone:          "none",
	NewsModerationOpenModerated: "open_moderated",
	NewsModerationModerated:     "moderated",
}

func (n NewsModeration) String() string {
	if name, ok := newsNames[n]; ok {
		return name
	}
	return fmt.Sprintf("news(%d)", int(n))
}

func (n NewsModeration) MarshalText() ([]byte, error) {
	if _, ok := newsNames[n]; !ok {
		return nil, fmt.Errorf("unknown news moderation %d", int(n))
	}
	return []byte(n.String()), nil
}

func (n *NewsModeration) UnmarshalText(text []byte) error {
	parsed, err := ParseNewsModeration(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

func ParseNewsModeration(s string) (NewsModeration, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for value, name := range newsNames {
		if name == s {
			return value, nil
		}
	}
	return NewsModerationNone, fmt.Errorf("unknown news moderation %q", s)
}

// DefaultRules is the evaluation order given to new lists. approved must
// come before emergency so a moderator-approved post clears the emergency
// hold.
var DefaultRules = []string{
	"approved",
	"emergency",
	"loop",
	"banned_address",
	"member_moderation",
	"nonmember_moderation",
	"administrivia",
	"implicit_dest",
	"max_recipients",
	"max_size",
	"news_moderation",
	"no_subject",
	"no_senders",
	"suspicious_header",
	"header_filter",
}

// MailingList is one list's configuration.
type MailingList struct {
	ListID      string    `json:"list_id"`
	ListName    string    `json:"list_name"`
	MailHost    string    `json:"mail_host"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`

	// Emergency holds every post not approved by a moderator.
	Emergency bool `json:"emergency"`

	SubscriptionPolicy     SubscriptionPolicy `json:"subscription_policy"`
	UnsubscriptionPolicy   SubscriptionPolicy `json:"unsubscription_policy"`
	DefaultMemberAction    Action             `json:"default_member_action"`
	DefaultNonmemberAction Action             `json:"default_nonmember_action"`

	// Rules is the ordered list of rule names evaluated for each post.
	Rules []string `json:"rules"`
	// RuleActions overrides the action of individual hit rules.
	RuleActions map[string]Action `json:"rule_actions,omitempty"`
	// HoldFirstMatch stops evaluation at the first hit that would hold or worse.
	HoldFirstMatch bool `json:"hold_first_match"`
	// RuleFaultAction applies when a rule check fails. Defer ignores faults.
	RuleFaultAction Action `json:"rule_fault_action"`

	Administrivia              bool           `json:"administrivia"`
	RequireExplicitDestination bool           `json:"require_explicit_destination"`
	AcceptableAliases          []string       `json:"acceptable_aliases,omitempty"`
	BannedAddresses            []string       `json:"banned_addresses,omitempty"`
	BounceMatchingHeaders      []string       `json:"bounce_matching_headers,omitempty"`
	MaxMessageSizeKB           int            `json:"max_message_size"`
	MaxNumRecipients           int            `json:"max_num_recipients"`
	NewsModeration             NewsModeration `json:"news_moderation"`
	SubjectPrefix              string         `json:"subject_prefix"`
	SieveFilter                string         `json:"sieve_filter,omitempty"`
	ModeratorPasswordHash      string         `json:"moderator_password,omitempty"`
	PreferredLanguage          string         `json:"preferred_language"`
}

// ListIDFromAddress turns "dev@example.org" into "dev.example.org".
func ListIDFromAddress(address string) (string, error) {
	normalized, err := helpers.ValidateAddress(address)
	if err != nil {
		return "", err
	}
	local, domain := helpers.SplitEmailAddress(normalized)
	return local + "." + domain, nil
}

// New returns a list with default settings for the given posting address.
func New(postingAddress string) (*MailingList, error) {
	normalized, err := helpers.ValidateAddress(postingAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid list address: %w", err)
	}
	local, domain := helpers.SplitEmailAddress(normalized)
	if strings.ContainsAny(local, "+") {
		return nil, fmt.Errorf("invalid list address %q: list names cannot contain '+'", postingAddress)
	}

	return &MailingList{
		ListID:                     local + "." + domain,
		ListName:                   local,
		MailHost:                   domain,
		DisplayName:                strings.ToUpper(local[:1]) + local[1:],
		CreatedAt:                  time.Now().UTC(),
		Version:                    1,
		SubscriptionPolicy:         PolicyConfirm,
		UnsubscriptionPolicy:       PolicyConfirm,
		DefaultMemberAction:        ActionDefer,
		DefaultNonmemberAction:     ActionHold,
		Rules:                      append([]string(nil), DefaultRules...),
		RuleActions:                map[string]Action{},
		RuleFaultAction:            ActionDefer,
		Administrivia:              true,
		RequireExplicitDestination: true,
		MaxMessageSizeKB:           40,
		MaxNumRecipients:           10,
		SubjectPrefix:              "[" + local + "]",
		PreferredLanguage:          "en",
	}, nil
}

func (ml *MailingList) PostingAddress() string {
	return ml.ListName + "@" + ml.MailHost
}

func (ml *MailingList) RequestAddress() string {
	return ml.ListName + "-request@" + ml.MailHost
}

func (ml *MailingList) OwnerAddress() string {
	return ml.ListName + "-owner@" + ml.MailHost
}

func (ml *MailingList) JoinAddress() string {
	return ml.ListName + "-join@" + ml.MailHost
}

func (ml *MailingList) LeaveAddress() string {
	return ml.ListName + "-leave@" + ml.MailHost
}

// ConfirmAddress is the address a subscriber replies to in order to redeem token.
func (ml *MailingList) ConfirmAddress(token string) string {
	return ml.ListName + "-confirm+" + token + "@" + ml.MailHost
}

// ActionForRule returns the configured override for a rule, if any.
func (ml *MailingList) ActionForRule(rule string) (Action, bool) {
	action, ok := ml.RuleActions[rule]
	return action, ok
}

// Clone returns a deep copy that can be modified freely.
func (ml *MailingList) Clone() *MailingList {
	c := *ml
	c.Rules = append([]string(nil), ml.Rules...)
	c.AcceptableAliases = append([]string(nil), ml.AcceptableAliases...)
	c.BannedAddresses = append([]string(nil), ml.BannedAddresses...)
	c.BounceMatchingHeaders = append([]string(nil), ml.BounceMatchingHeaders...)
	c.RuleActions = make(map[string]Action, len(ml.RuleActions))
	for k, v := range ml.RuleActions {
		c.RuleActions[k] = v
	}
	return &c
}

// SortedRuleActions returns "rule=action" pairs in rule name order.
func (ml *MailingList) SortedRuleActions() []string {
	out := make([]string, 0, len(ml.RuleActions))
	for rule, action := range ml.RuleActions {
		out = append(out, rule+"="+action.String())
	}
	sort.Strings(out)
	return out
}
