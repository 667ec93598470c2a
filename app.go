package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"focusgate/config"
	"focusgate/grant"
	"focusgate/ledger"
	"focusgate/negotiate"
	"focusgate/oracle"
	"focusgate/policy"
	"focusgate/store"
)

// App wires the engine together: rule store, resolver, oracle, grant
// manager, proof ledger, and the live negotiation sessions. The HTTP
// and MCP surfaces are thin adapters over it.
type App struct {
	store  *store.Store
	oracle *oracle.Client
	grants *grant.Manager
	ledger *ledger.Ledger

	policyMu       sync.RWMutex
	promptOverride string
	maxImageDim    int

	sessionMu sync.RWMutex
	sessions  map[string]*SessionState
}

// SessionState pairs a negotiation session with its event channel. The
// channel is consumed by the SSE bridge for the blocked page.
type SessionState struct {
	Session   *negotiate.Session
	EventChan chan negotiate.Event
	CreatedAt time.Time
}

// NewApp opens the store and ledger under cfg.DataDir and builds the
// engine.
func NewApp(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	lg, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"), cfg.Policy.LedgerCap)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a := &App{
		store:  st,
		ledger: lg,
		grants: grant.NewManager(st),
		oracle: oracle.NewClient(oracle.ClientConfig{
			APIKey:         cfg.Oracle.APIKey,
			BaseURL:        cfg.Oracle.BaseURL,
			TextModel:      cfg.Oracle.TextModel,
			VisionModel:    cfg.Oracle.VisionModel,
			MaxTokens:      cfg.Oracle.MaxTokens,
			ThinkingBudget: cfg.Oracle.ThinkingBudget,
			Timeout:        cfg.OracleTimeout(),
			Usage:          lg,
		}),
		sessions: make(map[string]*SessionState),
	}
	a.ApplyPolicy(cfg)
	return a, nil
}

// ApplyPolicy picks up the mutable policy settings from a config
// snapshot. Safe to call from the hot-reload watcher.
func (a *App) ApplyPolicy(cfg *config.Config) {
	a.policyMu.Lock()
	defer a.policyMu.Unlock()
	a.promptOverride = cfg.Policy.ClassificationPrompt
	a.maxImageDim = cfg.Policy.MaxImageDim
}

func (a *App) classificationPrompt() string {
	a.policyMu.RLock()
	defer a.policyMu.RUnlock()
	return a.promptOverride
}

func (a *App) imageDim() int {
	a.policyMu.RLock()
	defer a.policyMu.RUnlock()
	return a.maxImageDim
}

// NavigationDecision is the answer to a reported navigation event.
type NavigationDecision struct {
	Proceed   bool       `json:"proceed"`
	Domain    string     `json:"domain,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// Classified is set when the oracle decided this navigation and the
	// verdict was persisted as a permanent rule.
	Classified bool `json:"classified,omitempty"`
}

// CheckNavigation resolves one navigation event. Non-web schemes and
// unparsable URLs proceed untouched. Expired allow entries found during
// resolution are deleted here; the resolver itself never mutates.
func (a *App) CheckNavigation(ctx context.Context, rawURL string) NavigationDecision {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return NavigationDecision{Proceed: true}
	}
	// hostnames are case-insensitive but url.Parse preserves case, so a
	// mixed-case URL must not slip past a lower-case rule
	domain := strings.ToLower(u.Hostname())

	dec := policy.Resolve(domain, a.store.BlockList(), a.store.AllowList(), time.Now())
	for _, r := range dec.ExpiredAllow {
		if _, err := a.store.RemoveAllow(r.Domain); err != nil {
			slog.Error("failed to drop expired grant", "domain", r.Domain, "error", err)
		} else {
			slog.Info("grant expired", "domain", r.Domain)
		}
	}

	switch dec.Action {
	case policy.Allow:
		return NavigationDecision{Proceed: true, Domain: domain, ExpiresAt: dec.ExpiresAt}
	case policy.Block:
		return NavigationDecision{Proceed: false, Domain: domain}
	}

	// undecided: the classifier only runs in advanced mode
	if !a.store.AdvancedMode() {
		return NavigationDecision{Proceed: true, Domain: domain}
	}
	return a.classify(ctx, domain)
}

// classify asks the oracle for a verdict and persists it as a permanent
// rule so the domain is decided from now on. Verdict persistence lives
// here, not in the oracle client.
func (a *App) classify(ctx context.Context, domain string) NavigationDecision {
	verdict := a.oracle.Classify(ctx, domain, a.classificationPrompt())
	slog.Info("classified domain", "domain", domain, "verdict", verdict.String())

	rule := policy.Rule{Domain: domain}
	if verdict == oracle.VerdictBlock {
		if err := a.store.UpsertBlock(rule); err != nil {
			slog.Error("failed to persist block verdict", "domain", domain, "error", err)
		}
		return NavigationDecision{Proceed: false, Domain: domain, Classified: true}
	}
	if err := a.store.UpsertAllow(rule); err != nil {
		slog.Error("failed to persist allow verdict", "domain", domain, "error", err)
	}
	return NavigationDecision{Proceed: true, Domain: domain, Classified: true}
}

// ResolveDomain answers the current decision for a domain without side
// effects: no classification and no expired-entry cleanup. Read-only
// surfaces use this instead of CheckNavigation.
func (a *App) ResolveDomain(domain string) policy.Decision {
	return policy.Resolve(strings.ToLower(domain), a.store.BlockList(), a.store.AllowList(), time.Now())
}

// OpenNegotiation starts a session for a blocked domain and returns its
// ID. The caller streams events from SessionState.EventChan.
func (a *App) OpenNegotiation(domain, originalURL string) *SessionState {
	eventChan := make(chan negotiate.Event, 100)
	sess := negotiate.NewSession(negotiate.SessionConfig{
		Domain:      domain,
		OriginalURL: originalURL,
		Granter:     a.grants,
		Proofs:      a.ledger,
		Chat:        a.oracle,
		EventChan:   eventChan,
		MaxImageDim: a.imageDim(),
	})
	state := &SessionState{Session: sess, EventChan: eventChan, CreatedAt: time.Now()}

	a.sessionMu.Lock()
	a.sessions[sess.ID()] = state
	a.sessionMu.Unlock()

	slog.Info("negotiation opened", "session", sess.ID(), "domain", domain)
	return state
}

// GetSession looks up a live session by ID.
func (a *App) GetSession(id string) (*SessionState, bool) {
	a.sessionMu.RLock()
	defer a.sessionMu.RUnlock()
	state, ok := a.sessions[id]
	return state, ok
}

// Sessions returns the live sessions.
func (a *App) Sessions() []*SessionState {
	a.sessionMu.RLock()
	defer a.sessionMu.RUnlock()
	out := make([]*SessionState, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// CloseSession ends a session and forgets it. A granted session's grant
// survives; an in-flight oracle reply is discarded.
func (a *App) CloseSession(id string) error {
	a.sessionMu.Lock()
	state := a.sessions[id]
	delete(a.sessions, id)
	a.sessionMu.Unlock()

	if state == nil {
		return fmt.Errorf("session not found: %s", id)
	}
	// the channel is never closed: a late in-flight reply may still emit.
	// Subscribers end on the terminal state_changed event instead.
	state.Session.Close()
	slog.Info("negotiation closed", "session", id, "state", state.Session.State().String())
	return nil
}

// Revoke removes a grant. When a rule was removed the caller should
// re-resolve open tabs on that domain.
func (a *App) Revoke(domain string) (bool, error) {
	removed, err := a.grants.Revoke(domain)
	if err != nil {
		return false, err
	}
	if removed {
		slog.Info("grant revoked", "domain", domain)
	}
	return removed, nil
}

// Grant installs an allow entry directly, bypassing negotiation. Used
// by the MCP tools and the rules API.
func (a *App) Grant(domain string, duration *time.Duration) (policy.Rule, error) {
	rule, err := a.grants.Grant(domain, duration)
	if err != nil {
		return policy.Rule{}, err
	}
	slog.Info("grant installed", "domain", domain, "permanent", rule.ExpiresAt == nil)
	return rule, nil
}

// Shutdown closes all sessions and the ledger.
func (a *App) Shutdown() {
	a.sessionMu.Lock()
	for id, s := range a.sessions {
		s.Session.Close()
		delete(a.sessions, id)
	}
	a.sessionMu.Unlock()

	if err := a.ledger.Close(); err != nil {
		slog.Error("failed to close ledger", "error", err)
	}
}
