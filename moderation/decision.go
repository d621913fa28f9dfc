// Package moderation turns rule hits into a disposition for a post and keeps
// held posts until a moderator decides on them.
package moderation

import (
	"fmt"
	"strings"

	"github.com/migadu/listd/mailinglist"
)

// Disposition is the final outcome for a post.
type Disposition int

const (
	Accept Disposition = iota
	Hold
	Reject
	Discard
)

func (d Disposition) String() string {
	switch d {
	case Accept:
		return "accept"
	case Hold:
		return "hold"
	case Reject:
		return "reject"
	case Discard:
		return "discard"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// ParseDisposition parses a disposition name.
func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return Accept, nil
	case "hold":
		return Hold, nil
	case "reject":
		return Reject, nil
	case "discard":
		return Discard, nil
	}
	return Accept, fmt.Errorf("unknown disposition %q", s)
}

// FromAction maps a list action to its disposition. Defer resolves to Accept.
func FromAction(a mailinglist.Action) Disposition {
	switch a {
	case mailinglist.ActionHold:
		return Hold
	case mailinglist.ActionReject:
		return Reject
	case mailinglist.ActionDiscard:
		return Discard
	default:
		return Accept
	}
}

// Decision is the outcome of evaluating one post.
type Decision struct {
	Disposition Disposition
	HitRules    []string
	// Reasons has one "rule: description" entry per hit, then any fault tags.
	Reasons []string
	Faults  []string
}

// Moderated reports whether the post does not go straight to the list.
func (d Decision) Moderated() bool {
	return d.Disposition != Accept
}
