package rules

import (
	"context"
	"fmt"

	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/server/sieveengine"
)

// headerFilterRule runs the list's sieve script and hits when the script
// holds or discards the post.
type headerFilterRule struct {
	cache *sieveengine.Cache
}

func (headerFilterRule) Name() string        { return "header_filter" }
func (headerFilterRule) Description() string { return "The list's sieve filter flagged the message." }
func (headerFilterRule) Record() bool        { return true }

func (r headerFilterRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *Message, meta *Metadata) (bool, error) {
	if ml.SieveFilter == "" || meta.ModeratorApproved {
		return false, nil
	}
	exec, err := r.cache.Get(ml.SieveFilter)
	if err != nil {
		return false, fmt.Errorf("compile sieve filter: %w", err)
	}
	result, err := exec.Evaluate(ctx, sieveengine.Context{
		EnvelopeFrom: msg.EnvelopeFrom,
		EnvelopeTo:   ml.PostingAddress(),
		Header:       msg.Headers,
		Size:         msg.Size,
	})
	if err != nil {
		return false, fmt.Errorf("run sieve filter: %w", err)
	}
	if result.Verdict == sieveengine.VerdictKeep {
		return false, nil
	}
	meta.Annotate("sieve_verdict", string(result.Verdict))
	if len(result.Flags) > 0 {
		meta.Annotate("sieve_flags", result.Flags)
	}
	return true, nil
}
