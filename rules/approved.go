package rules

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/migadu/listd/mailinglist"
)

var approvalHeaders = []string{"Approved", "Approve", "X-Approved", "X-Approve"}

// approvedRule checks a moderator password carried in a header or in the
// first non-blank body line.
type approvedRule struct{}

func (approvedRule) Name() string { return "approved" }
func (approvedRule) Description() string {
	return "The message has a matching Approve or Approved header."
}
func (approvedRule) Record() bool { return true }

func (approvedRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if ml.ModeratorPasswordHash == "" {
		return false, nil
	}

	password, source := "", ""
	for _, h := range approvalHeaders {
		if v := strings.TrimSpace(msg.Header(h)); v != "" {
			password, source = v, "header"
			break
		}
	}
	if password == "" {
		password = bodyApproval(msg.TextLines())
		source = "body"
	}
	if password == "" {
		return false, nil
	}

	err := bcrypt.CompareHashAndPassword([]byte(ml.ModeratorPasswordHash), []byte(password))
	if err == bcrypt.ErrMismatchedHashAndPassword {
		meta.Annotate("approval_failed", source)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	meta.ModeratorApproved = true
	meta.Annotate("approved_via", source)
	return true, nil
}

// bodyApproval returns the password from an "Approved: pw" pseudo-header on
// the first non-blank line.
func bodyApproval(lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return ""
		}
		for _, h := range approvalHeaders {
			if strings.EqualFold(strings.TrimSpace(name), h) {
				return strings.TrimSpace(value)
			}
		}
		return ""
	}
	return ""
}
