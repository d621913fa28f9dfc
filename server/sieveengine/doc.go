// Package sieveengine runs per-list SIEVE (RFC 5228) filter scripts against
// incoming posts.
//
// A list filter classifies; it never delivers. The outcome of a script is
// reduced to a Verdict:
//
//	require ["fileinto"];
//
//	# Send anything flagged by the upstream scanner to moderation
//	if header :contains "X-Spam-Flag" "YES" {
//	    fileinto "hold";
//	    stop;
//	}
//
//	# Drop autoresponders outright
//	if header :is "Auto-Submitted" "auto-replied" {
//	    discard;
//	}
//
// fileinto "hold" produces VerdictHold, discard (or any script that cancels the
// implicit keep without filing) produces VerdictDiscard, and everything else
// is VerdictKeep. redirect and vacation are refused by the runtime policy.
//
// Scripts are compiled once and cached by content hash:
//
//	cache := sieveengine.NewCache(128)
//	exec, err := cache.Get(list.SieveFilter)
//	result, err := exec.Evaluate(ctx, sieveengine.Context{
//	    EnvelopeFrom: sender,
//	    EnvelopeTo:   list.PostingAddress(),
//	    Header:       headers,
//	    Size:         size,
//	})
package sieveengine
