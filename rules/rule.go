// Package rules defines moderation rules: named predicates evaluated against
// an incoming post, a list configuration snapshot and per-evaluation metadata.
package rules

import (
	"context"
	"fmt"

	"github.com/migadu/listd/mailinglist"
)

// Rule is one moderation predicate.
//
// Check must not modify the list or the message. It may record findings in
// meta (set ModeratorApproved, add annotations). A rule whose Record is false
// still runs but never shows up in the hit list.
type Rule interface {
	Name() string
	Description() string
	Record() bool
	Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error)
}

// SenderRole is the poster's relationship to a list.
type SenderRole int

const (
	SenderUnknown SenderRole = iota
	SenderNonmember
	SenderMember
)

func (r SenderRole) String() string {
	switch r {
	case SenderNonmember:
		return "nonmember"
	case SenderMember:
		return "member"
	default:
		return "unknown"
	}
}

// Sender describes who posted, as looked up before evaluation.
type Sender struct {
	Address string
	Role    SenderRole
	// ModerationAction is the member's or nonmember's own override, nil to use
	// the list default.
	ModerationAction *mailinglist.Action
}

// Fault records a rule whose check failed.
type Fault struct {
	Rule  string
	Error string
}

// Code is the moderator-facing tag for a fault.
func (f Fault) Code() string {
	return "rule_fault:" + f.Rule
}

func (f Fault) String() string {
	return fmt.Sprintf("%s (%s)", f.Code(), f.Error)
}

// Metadata is the mutable context of one evaluation.
type Metadata struct {
	ModeratorApproved bool
	HitRules          []string
	MissRules         []string
	Faults            []Fault
	Sender            Sender
	Annotations       map[string]any
}

func NewMetadata(sender Sender) *Metadata {
	return &Metadata{
		Sender:      sender,
		Annotations: make(map[string]any),
	}
}

// Annotate stores a free-form finding.
func (m *Metadata) Annotate(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// Hit reports whether rule is in HitRules.
func (m *Metadata) Hit(rule string) bool {
	for _, r := range m.HitRules {
		if r == rule {
			return true
		}
	}
	return false
}

// FaultCodes returns the fault tags in the order they occurred.
func (m *Metadata) FaultCodes() []string {
	out := make([]string, 0, len(m.Faults))
	for _, f := range m.Faults {
		out = append(out, f.Code())
	}
	return out
}

// DuplicateNameError is returned when registering a name twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate rule name: %s", e.Name)
}

// UnknownRuleError is returned for a rule name that is not registered.
type UnknownRuleError struct {
	Name string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown rule: %s", e.Name)
}
