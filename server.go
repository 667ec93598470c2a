package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"focusgate/negotiate"
	"focusgate/oracle"
	"focusgate/policy"
)

// Server is the localhost HTTP API consumed by the browser-side front
// end: navigation checks, rules CRUD, negotiation sessions, ledger and
// usage reads.
type Server struct {
	app *App
	mux *http.ServeMux
}

// NewServer builds the API around an App.
func NewServer(app *App) *Server {
	s := &Server{app: app, mux: http.NewServeMux()}

	s.mux.HandleFunc("/v1/navigation", s.handleNavigation)
	s.mux.HandleFunc("/v1/rules", s.handleRules)
	s.mux.HandleFunc("/v1/rules/block", s.handleBlockRules)
	s.mux.HandleFunc("/v1/rules/block/", s.handleBlockRuleByDomain)
	s.mux.HandleFunc("/v1/rules/allow", s.handleAllowRules)
	s.mux.HandleFunc("/v1/rules/allow/", s.handleAllowRuleByDomain)
	s.mux.HandleFunc("/v1/settings", s.handleSettings)
	s.mux.HandleFunc("/v1/negotiations", s.handleNegotiations)
	s.mux.HandleFunc("/v1/negotiations/", s.handleNegotiationByID)
	s.mux.HandleFunc("/v1/proofs", s.handleProofs)
	s.mux.HandleFunc("/v1/usage", s.handleUsage)

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// NavigationRequest is one reported navigation event.
type NavigationRequest struct {
	TabID int64  `json:"tabId"`
	URL   string `json:"url"`
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req NavigationRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	writeJSON(w, http.StatusOK, s.app.CheckNavigation(r.Context(), req.URL))
}

// RulesResponse is the full rule state.
type RulesResponse struct {
	BlockList    []policy.RawRule `json:"blocklist"`
	AllowList    []policy.RawRule `json:"allowlist"`
	AdvancedMode bool             `json:"advancedMode"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, RulesResponse{
		BlockList:    policy.Denormalize(s.app.store.BlockList()),
		AllowList:    policy.Denormalize(s.app.store.AllowList()),
		AdvancedMode: s.app.store.AdvancedMode(),
	})
}

// RuleRequest creates or updates one rule.
type RuleRequest struct {
	Domain string `json:"domain"`
	// DurationMs bounds an allow entry; nil means permanent. Ignored for
	// block rules.
	DurationMs *int64 `json:"durationMs"`
}

func (s *Server) handleBlockRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req RuleRequest
	if err := parseJSON(r, &req); err != nil || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if err := s.app.store.UpsertBlock(policy.Rule{Domain: req.Domain}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"domain": req.Domain})
}

func (s *Server) handleBlockRuleByDomain(w http.ResponseWriter, r *http.Request) {
	domain := extractID(r.URL.Path, "/v1/rules/block")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "missing domain")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	removed, err := s.app.store.RemoveBlock(domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleAllowRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req RuleRequest
	if err := parseJSON(r, &req); err != nil || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	var duration *time.Duration
	if req.DurationMs != nil {
		d := time.Duration(*req.DurationMs) * time.Millisecond
		duration = &d
	}
	rule, err := s.app.Grant(req.Domain, duration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}
	writeJSON(w, http.StatusCreated, policy.Denormalize([]policy.Rule{rule})[0])
}

func (s *Server) handleAllowRuleByDomain(w http.ResponseWriter, r *http.Request) {
	domain := extractID(r.URL.Path, "/v1/rules/allow")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "missing domain")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	removed, err := s.app.Revoke(domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such rule")
		return
	}
	// the front end re-resolves open tabs on this domain after a revoke
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// SettingsRequest toggles mutable settings.
type SettingsRequest struct {
	AdvancedMode *bool `json:"advancedMode"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"advancedMode": s.app.store.AdvancedMode()})
	case http.MethodPut:
		var req SettingsRequest
		if err := parseJSON(r, &req); err != nil || req.AdvancedMode == nil {
			writeError(w, http.StatusBadRequest, "advancedMode is required")
			return
		}
		if err := s.app.store.SetAdvancedMode(*req.AdvancedMode); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"advancedMode": *req.AdvancedMode})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// NegotiationRequest opens a session for a blocked navigation.
type NegotiationRequest struct {
	Domain string `json:"domain"`
	URL    string `json:"url"`
}

// NegotiationResponse describes a session.
type NegotiationResponse struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	State  string `json:"state"`
}

func (s *Server) handleNegotiations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req NegotiationRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	domain := req.Domain
	if domain == "" {
		u, err := url.Parse(req.URL)
		if err != nil || u.Hostname() == "" {
			writeError(w, http.StatusBadRequest, "domain or a parsable url is required")
			return
		}
		domain = u.Hostname()
	}
	// a session's grant is keyed by this domain, so it must carry the
	// same lower-case form the resolver sees
	state := s.app.OpenNegotiation(strings.ToLower(domain), req.URL)
	writeJSON(w, http.StatusCreated, NegotiationResponse{
		ID:     state.Session.ID(),
		Domain: state.Session.Domain(),
		State:  state.Session.State().String(),
	})
}

func (s *Server) handleNegotiationByID(w http.ResponseWriter, r *http.Request) {
	id := extractID(r.URL.Path, "/v1/negotiations")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	state, ok := s.app.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}

	switch action := extractAction(r.URL.Path, "/v1/negotiations"); {
	case action == "turns" && r.Method == http.MethodPost:
		s.handleTurn(w, r, state)
	case action == "events" && r.Method == http.MethodGet:
		s.streamEvents(w, r, state)
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, NegotiationResponse{
			ID:     state.Session.ID(),
			Domain: state.Session.Domain(),
			State:  state.Session.State().String(),
		})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.app.CloseSession(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// TurnRequest is one user turn. Image is standard base64 of the raw
// upload; ImageTakenAt is its acquisition time.
type TurnRequest struct {
	Text         string     `json:"text"`
	Image        string     `json:"image,omitempty"`
	ImageTakenAt *time.Time `json:"imageTakenAt,omitempty"`
}

// TurnResponse is the processed outcome.
type TurnResponse struct {
	Reply     string     `json:"reply"`
	State     string     `json:"state"`
	Granted   bool       `json:"granted"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, state *SessionState) {
	var req TurnRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	turn := negotiate.Turn{Text: req.Text}
	if req.Image != "" {
		img, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			writeError(w, http.StatusBadRequest, "image is not valid base64")
			return
		}
		turn.Image = img
	}
	if req.ImageTakenAt != nil {
		turn.ImageTakenAt = *req.ImageTakenAt
	}

	outcome, err := state.Session.Submit(r.Context(), turn)
	switch {
	case errors.Is(err, negotiate.ErrEmptyTurn):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, negotiate.ErrTurnInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, negotiate.ErrSessionOver):
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, oracle.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TurnResponse{
		Reply:     outcome.Reply,
		State:     outcome.State.String(),
		Granted:   outcome.Granted,
		ExpiresAt: outcome.ExpiresAt,
	})
}

// streamEvents bridges a session's event channel to the blocked page as
// SSE. The stream ends when the session is closed or the client leaves.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, state *SessionState) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-state.EventChan:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				slog.Error("failed to encode session event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()

			// terminal events end the stream; the channel itself stays
			// open for any late in-flight emit
			if ev.Type == negotiate.EventGranted {
				return
			}
			if st, ok := ev.Data.(string); ev.Type == negotiate.EventState && ok && st == "closed" {
				return
			}
		}
	}
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	proofs, err := s.app.ledger.Proofs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, proofs)
}

// UsageResponse aggregates per-model totals with the recent history.
type UsageResponse struct {
	Totals  any `json:"totals"`
	History any `json:"history"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		totals, err := s.app.ledger.UsageTotals()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read usage")
			return
		}
		history, err := s.app.ledger.UsageHistory(0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read usage")
			return
		}
		writeJSON(w, http.StatusOK, UsageResponse{Totals: totals, History: history})
	case http.MethodDelete:
		if err := s.app.ledger.ResetUsage(); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to reset usage")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// writeJSON sends a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseJSON decodes the request body.
func parseJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// extractID extracts the ID segment from a path like /v1/rules/block/{id}.
func extractID(path, prefix string) string {
	path = strings.TrimPrefix(path, prefix)
	path = strings.TrimPrefix(path, "/")
	if idx := strings.Index(path, "/"); idx != -1 {
		path = path[:idx]
	}
	return path
}

// extractAction extracts the action from a path like /v1/negotiations/{id}/turns.
func extractAction(path, prefix string) string {
	path = strings.TrimPrefix(path, prefix)
	path = strings.TrimPrefix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
