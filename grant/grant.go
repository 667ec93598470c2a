// Package grant owns every mutation of allowlist entries: it is the
// only component that installs, extends, or removes grants.
package grant

import (
	"time"

	"focusgate/policy"
)

// RuleStore is the slice of the store the manager needs.
type RuleStore interface {
	AllowList() []policy.Rule
	UpsertAllow(policy.Rule) error
	RemoveAllow(domain string) (bool, error)
}

// Manager installs and removes time-bounded allow entries.
type Manager struct {
	store RuleStore
	now   func() time.Time
}

// NewManager wraps a rule store. The clock is injectable for tests via
// WithClock.
func NewManager(store RuleStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock overrides the manager's clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Grant upserts an allowlist entry for domain. A nil duration means the
// grant never expires. Re-granting overwrites the expiry rather than
// extending it.
func (m *Manager) Grant(domain string, duration *time.Duration) (policy.Rule, error) {
	rule := policy.Rule{Domain: domain}
	if duration != nil {
		exp := m.now().Add(*duration)
		rule.ExpiresAt = &exp
	}
	if err := m.store.UpsertAllow(rule); err != nil {
		return policy.Rule{}, err
	}
	return rule, nil
}

// Revoke removes the allowlist entry matching domain exactly. It
// reports whether an entry existed; when true the caller should
// re-resolve any open tab on that domain, which may immediately block
// it.
func (m *Manager) Revoke(domain string) (bool, error) {
	return m.store.RemoveAllow(domain)
}

// SweepExpired partitions rules into still-valid entries and those
// whose expiry has passed. Pure; resolution uses it lazily and a
// periodic sweep may reuse it.
func SweepExpired(rules []policy.Rule, now time.Time) (valid, removed []policy.Rule) {
	for _, r := range rules {
		if r.Expired(now) {
			removed = append(removed, r)
		} else {
			valid = append(valid, r)
		}
	}
	return valid, removed
}
