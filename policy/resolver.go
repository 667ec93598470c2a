package policy

import "time"

// Action is the outcome of resolving a domain against both lists.
type Action int

const (
	Undecided Action = iota // no rule covers the domain
	Allow                   // navigation proceeds, possibly until an expiry
	Block                   // navigation is redirected to the intervention page
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Block:
		return "block"
	default:
		return "undecided"
	}
}

// Decision carries the resolved action. ExpiresAt is set only for a
// time-bounded Allow. ExpiredAllow holds allow entries whose expiry
// passed during this resolution; the caller owns the store and removes
// them (Resolve itself never mutates a list).
type Decision struct {
	Action       Action
	ExpiresAt    *time.Time
	ExpiredAllow []Rule
}

// Resolve decides Allow/Block/Undecided for domain.
//
// The best match is found in each list independently, then specificity
// decides precedence: a more specific pattern wins regardless of which
// list it came from, so "sub.example.com" in the allowlist carves an
// exception out of an "example.com" block without rule ordering
// mattering. Equal specificity with both present resolves to Allow —
// ties favor the existing grant.
func Resolve(domain string, blockList, allowList []Rule, now time.Time) Decision {
	allowMatch, allowOK := FindRule(domain, allowList)
	blockMatch, blockOK := FindRule(domain, blockList)

	var dec Decision
	if allowOK && allowMatch.Expired(now) {
		dec.ExpiredAllow = append(dec.ExpiredAllow, allowMatch)
		allowOK = false
	}

	allowSpec, blockSpec := -1, -1
	if allowOK {
		allowSpec = Specificity(allowMatch.Domain)
	}
	if blockOK {
		blockSpec = Specificity(blockMatch.Domain)
	}

	switch {
	case allowSpec > blockSpec:
		dec.Action = Allow
		dec.ExpiresAt = allowMatch.ExpiresAt
	case blockSpec > allowSpec:
		dec.Action = Block
	case allowOK && blockOK:
		dec.Action = Allow
		dec.ExpiresAt = allowMatch.ExpiresAt
	default:
		dec.Action = Undecided
	}
	return dec
}
