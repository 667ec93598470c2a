// Package store persists the rule lists and mutable settings as a JSON
// file. Components receive a *Store explicitly; there is no ambient
// global configuration.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"focusgate/policy"
)

const rulesFile = "rules.json"

// DefaultBlockList seeds a fresh store on first run.
var DefaultBlockList = []string{
	"facebook.com",
	"twitter.com",
	"instagram.com",
	"youtube.com",
	"tiktok.com",
	"reddit.com",
	"cnn.com",
	"foxnews.com",
	"nytimes.com",
}

// state is the on-disk shape. The rule lists tolerate legacy bare-string
// entries on read and are written back in the structured form.
type state struct {
	BlockList    []policy.RawRule `json:"blocklist"`
	AllowList    []policy.RawRule `json:"allowlist"`
	AdvancedMode bool             `json:"advancedMode"`
}

// Store owns the canonical rule lists. All writes are idempotent
// upserts/deletes keyed by domain string, so concurrent resolution
// passes race benignly under last-write-wins.
type Store struct {
	path string

	mu    sync.RWMutex
	block []policy.Rule
	allow []policy.Rule
	adv   bool
}

// Open loads the store from dataDir, creating it with the default
// blocklist when no file exists yet.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{path: filepath.Join(dataDir, rulesFile)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		for _, d := range DefaultBlockList {
			s.block = append(s.block, policy.Rule{Domain: d})
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	s.block = policy.Normalize(st.BlockList)
	s.allow = policy.Normalize(st.AllowList)
	s.adv = st.AdvancedMode
	return s, nil
}

// BlockList returns a copy of the canonical blocklist.
func (s *Store) BlockList() []policy.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]policy.Rule(nil), s.block...)
}

// AllowList returns a copy of the canonical allowlist.
func (s *Store) AllowList() []policy.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]policy.Rule(nil), s.allow...)
}

// AdvancedMode reports whether undecided domains go to the classifier.
func (s *Store) AdvancedMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adv
}

// SetAdvancedMode toggles adaptive classification.
func (s *Store) SetAdvancedMode(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adv = on
	return s.save()
}

// UpsertAllow inserts or replaces the allowlist entry for rule.Domain.
// An existing entry's expiry is overwritten, never duplicated.
func (s *Store) UpsertAllow(rule policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allow = upsert(s.allow, rule)
	return s.save()
}

// UpsertBlock inserts or replaces the blocklist entry for rule.Domain.
func (s *Store) UpsertBlock(rule policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = upsert(s.block, rule)
	return s.save()
}

// RemoveAllow deletes the allowlist entry whose domain equals domain
// exactly. It reports whether anything was removed so the caller can
// re-resolve open tabs.
func (s *Store) RemoveAllow(domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.allow, removed = remove(s.allow, domain)
	if !removed {
		return false, nil
	}
	return true, s.save()
}

// RemoveBlock deletes the blocklist entry for domain.
func (s *Store) RemoveBlock(domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.block, removed = remove(s.block, domain)
	if !removed {
		return false, nil
	}
	return true, s.save()
}

func upsert(rules []policy.Rule, rule policy.Rule) []policy.Rule {
	for i := range rules {
		if rules[i].Domain == rule.Domain {
			rules[i] = rule
			return rules
		}
	}
	return append(rules, rule)
}

func remove(rules []policy.Rule, domain string) ([]policy.Rule, bool) {
	for i := range rules {
		if rules[i].Domain == domain {
			return append(rules[:i], rules[i+1:]...), true
		}
	}
	return rules, false
}

// save writes the current state atomically. Callers hold s.mu.
func (s *Store) save() error {
	st := state{
		BlockList:    policy.Denormalize(s.block),
		AllowList:    policy.Denormalize(s.allow),
		AdvancedMode: s.adv,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return os.Rename(tmp, s.path)
}
