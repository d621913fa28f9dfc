package helpers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

const localPartPattern = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const domainPattern = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRegexp = regexp.MustCompile(localPartPattern)
	domainRegexp    = regexp.MustCompile(domainPattern)
)

// SplitEmailAddress returns the lowercased local part and domain. An address
// without "@" yields an empty domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// NormalizeAddress trims whitespace and angle brackets and lowercases the
// address. It does not validate.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateAddress checks that address is a bare addr-spec with a sane local
// part and a dotted domain. It returns the normalized form.
func ValidateAddress(address string) (string, error) {
	normalized := NormalizeAddress(address)
	if normalized == "" {
		return "", fmt.Errorf("empty address")
	}
	local, domain := SplitEmailAddress(normalized)
	if local == "" || domain == "" {
		return "", fmt.Errorf("address %q is missing local part or domain", address)
	}
	if !localPartRegexp.MatchString(local) {
		return "", fmt.Errorf("address %q has an invalid local part", address)
	}
	if !domainRegexp.MatchString(domain) {
		return "", fmt.Errorf("address %q has an invalid domain", address)
	}
	return normalized, nil
}

// ParseAddressList parses an RFC 5322 address list header value into
// normalized addr-specs. Unparseable entries are skipped.
func ParseAddressList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(value)
	if err != nil {
		// Fall back to a naive comma split so a single bad entry does not hide the rest.
		var out []string
		for _, part := range strings.Split(value, ",") {
			if addr, err := mail.ParseAddress(part); err == nil {
				out = append(out, NormalizeAddress(addr.Address))
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, NormalizeAddress(addr.Address))
	}
	return out
}
