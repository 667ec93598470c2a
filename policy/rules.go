package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rule is the canonical form of a single list entry. A nil ExpiresAt
// means the rule is permanent.
type Rule struct {
	Domain    string
	ExpiresAt *time.Time
}

// Expired reports whether the rule carries an expiry that has passed.
func (r Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// RawRule is a list entry as stored on disk. Legacy lists hold bare
// domain strings; newer entries are objects carrying an expiry in epoch
// milliseconds. Both decode into the same shape.
type RawRule struct {
	Domain      string `json:"domain"`
	ExpiresAtMs *int64 `json:"expiresAt"`
}

// UnmarshalJSON accepts either "example.com" or
// {"domain": "example.com", "expiresAt": 1700000000000}.
func (r *RawRule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Domain = s
		r.ExpiresAtMs = nil
		return nil
	}
	type raw RawRule
	var obj raw
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("rule entry is neither string nor object: %w", err)
	}
	*r = RawRule(obj)
	return nil
}

// MarshalJSON always writes the structured form so lists converge on the
// canonical shape as they are rewritten.
func (r RawRule) MarshalJSON() ([]byte, error) {
	type raw RawRule
	return json.Marshal(raw(r))
}

// Normalize converts a stored list into canonical rules without losing
// expiry data.
func Normalize(raws []RawRule) []Rule {
	rules := make([]Rule, 0, len(raws))
	for _, raw := range raws {
		rules = append(rules, Rule{
			Domain:    raw.Domain,
			ExpiresAt: msToTime(raw.ExpiresAtMs),
		})
	}
	return rules
}

// Denormalize converts canonical rules back to the stored form.
func Denormalize(rules []Rule) []RawRule {
	raws := make([]RawRule, 0, len(rules))
	for _, r := range rules {
		raws = append(raws, RawRule{Domain: r.Domain, ExpiresAtMs: timeToMs(r.ExpiresAt)})
	}
	return raws
}

// FindRule returns the full entry for the most specific pattern covering
// domain, so the caller sees its expiry as well.
func FindRule(domain string, rules []Rule) (Rule, bool) {
	patterns := make([]string, len(rules))
	for i, r := range rules {
		patterns[i] = r.Domain
	}
	pattern, ok := BestMatch(domain, patterns)
	if !ok {
		return Rule{}, false
	}
	for _, r := range rules {
		if r.Domain == pattern {
			return r, true
		}
	}
	return Rule{}, false
}

func msToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

func timeToMs(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
