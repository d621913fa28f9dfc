package mailinglist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/migadu/listd/helpers"
)

// AttributeOptions supplies validators that live outside this package.
type AttributeOptions struct {
	// RuleExists reports whether a rule name is registered.
	RuleExists func(name string) bool
	// ValidateSieve compiles a sieve script and returns its error.
	ValidateSieve func(script string) error
}

type attribute struct {
	get func(ml *MailingList) any
	set func(ml *MailingList, value string) error
}

// Attributes reads and writes list settings by name, the way the admin
// tooling exposes them.
type Attributes struct {
	table map[string]attribute
	opts  AttributeOptions
}

// NewAttributes builds the attribute table.
func NewAttributes(opts AttributeOptions) *Attributes {
	a := &Attributes{opts: opts}
	a.table = map[string]attribute{
		"list_id":         {get: func(ml *MailingList) any { return ml.ListID }},
		"list_name":       {get: func(ml *MailingList) any { return ml.ListName }},
		"mail_host":       {get: func(ml *MailingList) any { return ml.MailHost }},
		"posting_address": {get: func(ml *MailingList) any { return ml.PostingAddress() }},
		"version":         {get: func(ml *MailingList) any { return ml.Version }},
		"created_at":      {get: func(ml *MailingList) any { return ml.CreatedAt.Format(time.RFC3339) }},

		"display_name":   stringAttr(func(ml *MailingList) *string { return &ml.DisplayName }),
		"description":    stringAttr(func(ml *MailingList) *string { return &ml.Description }),
		"subject_prefix": stringAttr(func(ml *MailingList) *string { return &ml.SubjectPrefix }),
		"preferred_language": {
			get: func(ml *MailingList) any { return ml.PreferredLanguage },
			set: func(ml *MailingList, v string) error {
				v = strings.TrimSpace(v)
				if v == "" {
					return fmt.Errorf("language code cannot be empty")
				}
				ml.PreferredLanguage = v
				return nil
			},
		},

		"emergency":                    boolAttr(func(ml *MailingList) *bool { return &ml.Emergency }),
		"hold_first_match":             boolAttr(func(ml *MailingList) *bool { return &ml.HoldFirstMatch }),
		"administrivia":                boolAttr(func(ml *MailingList) *bool { return &ml.Administrivia }),
		"require_explicit_destination": boolAttr(func(ml *MailingList) *bool { return &ml.RequireExplicitDestination }),

		"max_message_size":   intAttr(func(ml *MailingList) *int { return &ml.MaxMessageSizeKB }),
		"max_num_recipients": intAttr(func(ml *MailingList) *int { return &ml.MaxNumRecipients }),

		"default_member_action":    actionAttr(func(ml *MailingList) *Action { return &ml.DefaultMemberAction }),
		"default_nonmember_action": actionAttr(func(ml *MailingList) *Action { return &ml.DefaultNonmemberAction }),
		"rule_fault_action":        actionAttr(func(ml *MailingList) *Action { return &ml.RuleFaultAction }),

		"subscription_policy":   policyAttr(func(ml *MailingList) *SubscriptionPolicy { return &ml.SubscriptionPolicy }),
		"unsubscription_policy": policyAttr(func(ml *MailingList) *SubscriptionPolicy { return &ml.UnsubscriptionPolicy }),

		"news_moderation": {
			get: func(ml *MailingList) any { return ml.NewsModeration.String() },
			set: func(ml *MailingList, v string) error {
				parsed, err := ParseNewsModeration(v)
				if err != nil {
					return err
				}
				ml.NewsModeration = parsed
				return nil
			},
		},

		"acceptable_aliases":      addressListAttr(func(ml *MailingList) *[]string { return &ml.AcceptableAliases }),
		"banned_addresses":        addressListAttr(func(ml *MailingList) *[]string { return &ml.BannedAddresses }),
		"bounce_matching_headers": listAttr(func(ml *MailingList) *[]string { return &ml.BounceMatchingHeaders }),

		"rules": {
			get: func(ml *MailingList) any { return append([]string(nil), ml.Rules...) },
			set: a.setRules,
		},
		"rule_actions": {
			get: func(ml *MailingList) any { return ml.SortedRuleActions() },
			set: a.setRuleActions,
		},
		"sieve_filter": {
			get: func(ml *MailingList) any { return ml.SieveFilter },
			set: func(ml *MailingList, v string) error {
				if strings.TrimSpace(v) != "" && a.opts.ValidateSieve != nil {
					if err := a.opts.ValidateSieve(v); err != nil {
						return err
					}
				}
				ml.SieveFilter = v
				return nil
			},
		},
		"moderator_password": {
			// The hash is never exposed.
			get: func(ml *MailingList) any { return ml.ModeratorPasswordHash != "" },
			set: func(ml *MailingList, v string) error {
				if v == "" {
					ml.ModeratorPasswordHash = ""
					return nil
				}
				hash, err := bcrypt.GenerateFromPassword([]byte(v), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				ml.ModeratorPasswordHash = string(hash)
				return nil
			},
		},
	}
	return a
}

// Names returns every attribute name in sorted order.
func (a *Attributes) Names() []string {
	names := make([]string, 0, len(a.table))
	for name := range a.table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writable returns the sorted names of attributes that can be set.
func (a *Attributes) Writable() []string {
	var names []string
	for name, attr := range a.table {
		if attr.set != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Get returns one attribute value.
func (a *Attributes) Get(ml *MailingList, name string) (any, error) {
	attr, ok := a.table[name]
	if !ok {
		return nil, &UnknownAttributeError{Name: name}
	}
	return attr.get(ml), nil
}

// All returns every attribute value keyed by name.
func (a *Attributes) All(ml *MailingList) map[string]any {
	out := make(map[string]any, len(a.table))
	for name, attr := range a.table {
		out[name] = attr.get(ml)
	}
	return out
}

// Patch sets the given subset of attributes on ml. ml should be a private
// copy, normally the one handed out by Catalog.Update. Nothing is applied
// unless every value is valid.
func (a *Attributes) Patch(ml *MailingList, values map[string]string) error {
	if err := a.check(values); err != nil {
		return err
	}
	return a.apply(ml, values)
}

// Put replaces all writable attributes. Every writable attribute must be present.
func (a *Attributes) Put(ml *MailingList, values map[string]string) error {
	if err := a.check(values); err != nil {
		return err
	}
	var missing []string
	for _, name := range a.Writable() {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingAttributesError{Names: missing}
	}
	return a.apply(ml, values)
}

func (a *Attributes) check(values map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attr, ok := a.table[name]
		if !ok {
			return &UnknownAttributeError{Name: name}
		}
		if attr.set == nil {
			return &ReadOnlyAttributeError{Name: name}
		}
	}
	return nil
}

func (a *Attributes) apply(ml *MailingList, values map[string]string) error {
	scratch := ml.Clone()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.table[name].set(scratch, values[name]); err != nil {
			return &AttributeValueError{Name: name, Value: values[name], Err: err}
		}
	}
	*ml = *scratch
	return nil
}

func (a *Attributes) setRules(ml *MailingList, v string) error {
	names := splitList(v)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return fmt.Errorf("rule %q listed twice", name)
		}
		seen[name] = true
		if a.opts.RuleExists != nil && !a.opts.RuleExists(name) {
			return fmt.Errorf("unknown rule %q", name)
		}
		// A moderator-approved post must pass even while the list is in
		// emergency moderation.
		if name == "approved" && seen["emergency"] {
			return fmt.Errorf("rule %q must come before %q", "approved", "emergency")
		}
	}
	ml.Rules = names
	return nil
}

func (a *Attributes) setRuleActions(ml *MailingList, v string) error {
	actions := make(map[string]Action)
	for _, pair := range splitList(v) {
		rule, actionName, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("expected rule=action, got %q", pair)
		}
		rule = strings.TrimSpace(rule)
		if a.opts.RuleExists != nil && !a.opts.RuleExists(rule) {
			return fmt.Errorf("unknown rule %q", rule)
		}
		action, err := ParseAction(actionName)
		if err != nil {
			return err
		}
		actions[rule] = action
	}
	ml.RuleActions = actions
	return nil
}

func stringAttr(field func(*MailingList) *string) attribute {
	return attribute{
		get: func(ml *MailingList) any { return *field(ml) },
		set: func(ml *MailingList, v string) error {
			*field(ml) = v
			return nil
		},
	}
}

func boolAttr(field func(*MailingList) *bool) attribute {
	return attribute{
		get: func(ml *MailingList) any { return *field(ml) },
		set: func(ml *MailingList, v string) error {
			b, err := ParseBool(v)
			if err != nil {
				return err
			}
			*field(ml) = b
			return nil
		},
	}
}

func intAttr(field func(*MailingList) *int) attribute {
	return attribute{
		get: func(ml *MailingList) any { return *field(ml) },
		set: func(ml *MailingList, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("not an integer")
			}
			if n < 0 {
				return fmt.Errorf("must not be negative")
			}
			*field(ml) = n
			return nil
		},
	}
}

func actionAttr(field func(*MailingList) *Action) attribute {
	return attribute{
		get: func(ml *MailingList) any { return field(ml).String() },
		set: func(ml *MailingList, v string) error {
			action, err := ParseAction(v)
			if err != nil {
				return err
			}
			*field(ml) = action
			return nil
		},
	}
}

func policyAttr(field func(*MailingList) *SubscriptionPolicy) attribute {
	return attribute{
		get: func(ml *MailingList) any { return field(ml).String() },
		set: func(ml *MailingList, v string) error {
			policy, err := ParseSubscriptionPolicy(v)
			if err != nil {
				return err
			}
			*field(ml) = policy
			return nil
		},
	}
}

func listAttr(field func(*MailingList) *[]string) attribute {
	return attribute{
		get: func(ml *MailingList) any { return append([]string(nil), *field(ml)...) },
		set: func(ml *MailingList, v string) error {
			*field(ml) = splitList(v)
			return nil
		},
	}
}

func addressListAttr(field func(*MailingList) *[]string) attribute {
	return attribute{
		get: func(ml *MailingList) any { return append([]string(nil), *field(ml)...) },
		set: func(ml *MailingList, v string) error {
			addrs, err := NormalizeAddresses(splitList(v))
			if err != nil {
				return err
			}
			*field(ml) = addrs
			return nil
		},
	}
}

// ParseBool accepts yes/no, true/false, on/off and 1/0.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

// splitList splits on commas and newlines, dropping empty entries.
func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeAddresses lowercases and validates a list of plain addresses.
// Entries starting with "^" are regular expressions and pass through.
func NormalizeAddresses(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.HasPrefix(v, "^") {
			out = append(out, v)
			continue
		}
		addr, err := helpers.ValidateAddress(v)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
