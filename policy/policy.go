// Package policy evaluates the configurable admission rules. Evaluate is a
// pure function: same event, limits and clock always produce the same
// verdict, and nothing here touches storage or the network.
package policy

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"

	"vidarelay/config"
)

// Evaluate runs every content, skew, proof-of-work and allow/deny rule in
// a fixed order and returns the first violation. The returned reason
// strings are part of the client-observable contract.
func Evaluate(evt *nostr.Event, limits config.EventLimits, now int64) (string, bool) {
	for _, limit := range limits.Content {
		if len(limit.Kinds) > 0 && !limit.Kinds.Matches(evt.Kind) {
			continue
		}
		if len(evt.Content) > limit.MaxLength {
			return fmt.Sprintf("rejected: content is longer than %d bytes", limit.MaxLength), false
		}
	}

	createdAt := int64(evt.CreatedAt)
	if delta := limits.CreatedAt.MaxPositiveDelta; delta > 0 && createdAt > now+delta {
		return fmt.Sprintf("rejected: created_at is more than %d seconds in the future", delta), false
	}
	if delta := limits.CreatedAt.MaxNegativeDelta; delta > 0 && createdAt < now-delta {
		return fmt.Sprintf("rejected: created_at is more than %d seconds in the past", delta), false
	}

	if want := limits.EventID.MinLeadingZeroBits; want > 0 {
		if got := nip13.Difficulty(evt.ID); got < want {
			return fmt.Sprintf("pow: difficulty %d<%d", got, want), false
		}
	}
	if want := limits.Pubkey.MinLeadingZeroBits; want > 0 {
		if got := nip13.Difficulty(evt.PubKey); got < want {
			return fmt.Sprintf("pow: pubkey difficulty %d<%d", got, want), false
		}
	}

	if len(limits.Pubkey.Whitelist) > 0 && !matchesPrefix(limits.Pubkey.Whitelist, evt.PubKey) {
		return "blocked: pubkey not allowed", false
	}
	if len(limits.Pubkey.Blacklist) > 0 && matchesPrefix(limits.Pubkey.Blacklist, evt.PubKey) {
		return "blocked: pubkey not allowed", false
	}

	if len(limits.Kind.Whitelist) > 0 && !limits.Kind.Whitelist.Matches(evt.Kind) {
		return fmt.Sprintf("blocked: event kind %d not allowed", evt.Kind), false
	}
	if len(limits.Kind.Blacklist) > 0 && limits.Kind.Blacklist.Matches(evt.Kind) {
		return fmt.Sprintf("blocked: event kind %d not allowed", evt.Kind), false
	}

	return "", true
}

func matchesPrefix(prefixes []string, pubkey string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(pubkey, prefix) {
			return true
		}
	}
	return false
}
