// Package negotiate drives the multi-turn exchange that can convert a
// blocked domain into a time-bounded grant. All free-text decision
// parsing lives in approval.go so the grammar can be swapped for a
// structured contract without touching session state logic.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"focusgate/ledger"
	"focusgate/oracle"
	"focusgate/policy"
)

// State of a negotiation session. Granted and Closed are terminal.
type State int

const (
	Open           State = iota // awaiting the user's next turn
	AwaitingOracle              // a turn is in flight
	Granted
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case AwaitingOracle:
		return "awaiting_oracle"
	case Granted:
		return "granted"
	default:
		return "closed"
	}
}

var (
	// ErrTurnInFlight is returned when a turn is submitted before the
	// previous one's reply has been processed. Callers serialize turns
	// to keep conversation ordering deterministic.
	ErrTurnInFlight = errors.New("negotiate: a turn is already awaiting the oracle")

	// ErrSessionOver is returned for submissions to a terminal session.
	ErrSessionOver = errors.New("negotiate: session is over")

	// ErrEmptyTurn is returned when a turn carries neither text nor image.
	ErrEmptyTurn = errors.New("negotiate: turn has no content")
)

// EventType on a session's event channel.
type EventType string

const (
	EventChunk   EventType = "message_chunk" // streaming fragment of the oracle reply
	EventTurn    EventType = "assistant_turn"
	EventError   EventType = "error_turn"
	EventState   EventType = "state_changed"
	EventGranted EventType = "granted"
)

// Event from a session.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// GrantNotice is the payload of EventGranted; it signals the caller to
// resume the original navigation.
type GrantNotice struct {
	Domain    string     `json:"domain"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Granter installs allow entries; satisfied by *grant.Manager.
type Granter interface {
	Grant(domain string, duration *time.Duration) (policy.Rule, error)
}

// ProofLog appends negotiation outcomes; satisfied by *ledger.Ledger.
type ProofLog interface {
	AppendProof(ledger.ProofEntry) error
	Proofs() ([]ledger.ProofEntry, error)
}

// Chatter is the oracle boundary; satisfied by *oracle.Client.
type Chatter interface {
	Chat(ctx context.Context, system string, messages []oracle.Message, onChunk func(string)) (string, string, error)
}

// systemPrompt is the adjudication policy: productivity categories,
// proof requirements, and the output-format contract the approval
// grammar depends on.
const systemPrompt = `You are a strict but fair productivity assistant guarding access to distracting websites. The user was blocked and is negotiating temporary access. Engage conversationally.

Rules for your decision:
- Grant access only for a legitimate, concrete, time-bounded task. Vague reasons ("I'm bored", "just five minutes") are denied.
- You may require photographic proof of a completed productive task before approving. Recent photos count more; check any acquisition timestamp against the current conversation.
- Past approvals listed below are context, never a reason to approve again.

Output format contract, followed exactly when you reach a decision:
- To approve, include the word APPROVED together with a duration phrase such as "for 10 minutes", "for 2 hours", or "unlimited" for permanent access.
- To refuse, include the word DENIED.
- Until you decide, keep negotiating and include neither word.`

// proofMeta correlates an uploaded artifact with the oracle's eventual
// description of it.
type proofMeta struct {
	takenAt     time.Time
	pendingDesc string
}

// SessionConfig wires a session's collaborators.
type SessionConfig struct {
	Domain      string
	OriginalURL string
	Granter     Granter
	Proofs      ProofLog
	Chat        Chatter
	EventChan   chan<- Event
	MaxImageDim int
	Clock       func() time.Time
}

// Session is the per-tab negotiation state machine. Created when a
// blocked page is opened, discarded when the tab navigates away or
// access is granted.
type Session struct {
	id          string
	domain      string
	originalURL string
	granter     Granter
	proofs      ProofLog
	chat        Chatter
	events      chan<- Event
	maxImageDim int
	now         func() time.Time

	mu        sync.Mutex
	state     State
	history   []oracle.Message
	hadImage  bool
	lastProof *proofMeta
}

// NewSession opens a session for a blocked domain. The conversation is
// seeded with the target domain and any retained proof history as
// context for the oracle.
func NewSession(cfg SessionConfig) *Session {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	maxDim := cfg.MaxImageDim
	if maxDim <= 0 {
		maxDim = DefaultMaxImageDim
	}
	s := &Session{
		id:          uuid.New().String(),
		domain:      cfg.Domain,
		originalURL: cfg.OriginalURL,
		granter:     cfg.Granter,
		proofs:      cfg.Proofs,
		chat:        cfg.Chat,
		events:      cfg.EventChan,
		maxImageDim: maxDim,
		now:         now,
		state:       Open,
	}
	s.history = append(s.history, oracle.TextMessage(oracle.RoleUser, s.seedText()))
	return s
}

func (s *Session) seedText() string {
	seed := fmt.Sprintf("I was blocked from visiting %q and I am requesting temporary access.", s.domain)
	if s.proofs == nil {
		return seed
	}
	entries, err := s.proofs.Proofs()
	if err != nil || len(entries) == 0 {
		return seed
	}
	seed += "\n\nPast approvals on record:"
	for _, e := range entries {
		seed += fmt.Sprintf("\n- %s %s: %s", e.Timestamp.Format(time.RFC3339), e.Domain, e.Desc)
	}
	return seed
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Domain returns the negotiated domain.
func (s *Session) Domain() string { return s.domain }

// OriginalURL returns the navigation the block interrupted.
func (s *Session) OriginalURL() string { return s.originalURL }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turn is one submitted exchange. Image is the raw uploaded artifact;
// ImageTakenAt is its acquisition timestamp so the oracle can reason
// about recency.
type Turn struct {
	Text         string
	Image        []byte
	ImageTakenAt time.Time
}

// Outcome of a processed turn.
type Outcome struct {
	Reply     string
	State     State
	Granted   bool
	ExpiresAt *time.Time
}

// Submit sends one user turn and blocks until the oracle reply is
// processed. A transport failure surfaces as an error turn and leaves
// the session Open with no grant or denial implied. A reply arriving
// after Close is discarded; a session never retroactively grants.
func (s *Session) Submit(ctx context.Context, turn Turn) (Outcome, error) {
	if err := s.beginTurn(turn); err != nil {
		return Outcome{}, err
	}

	reply, model, chatErr := s.chat.Chat(ctx, systemPrompt, s.snapshotHistory(), func(chunk string) {
		s.emit(Event{Type: EventChunk, Data: chunk})
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		// abandoned while in flight; discard the result
		return Outcome{State: Closed}, ErrSessionOver
	}

	if chatErr != nil {
		s.state = Open
		s.emit(Event{Type: EventError, Data: chatErr.Error()})
		s.emit(Event{Type: EventState, Data: s.state.String()})
		return Outcome{State: Open}, fmt.Errorf("oracle turn: %w", chatErr)
	}

	s.history = append(s.history, oracle.TextMessage(oracle.RoleAssistant, reply))
	s.emit(Event{Type: EventTurn, Data: reply})

	approval := ParseApproval(reply)
	if !approval.Approved {
		s.state = Open
		s.emit(Event{Type: EventState, Data: s.state.String()})
		return Outcome{Reply: reply, State: Open}, nil
	}

	rule, err := s.granter.Grant(s.domain, approval.GrantDuration())
	if err != nil {
		s.state = Open
		s.emit(Event{Type: EventError, Data: err.Error()})
		s.emit(Event{Type: EventState, Data: s.state.String()})
		return Outcome{State: Open}, fmt.Errorf("install grant: %w", err)
	}

	s.appendProofLocked(approval, rule, model, reply)

	s.state = Granted
	s.emit(Event{Type: EventState, Data: s.state.String()})
	s.emit(Event{Type: EventGranted, Data: GrantNotice{Domain: s.domain, ExpiresAt: rule.ExpiresAt}})
	return Outcome{Reply: reply, State: Granted, Granted: true, ExpiresAt: rule.ExpiresAt}, nil
}

// beginTurn validates, appends the user message, and transitions
// Open -> AwaitingOracle.
func (s *Session) beginTurn(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case AwaitingOracle:
		return ErrTurnInFlight
	case Granted, Closed:
		return ErrSessionOver
	}
	if turn.Text == "" && len(turn.Image) == 0 {
		return ErrEmptyTurn
	}

	var blocks []oracle.ContentBlock
	if turn.Text != "" {
		blocks = append(blocks, oracle.ContentBlock{Type: oracle.BlockTypeText, Text: turn.Text})
	}
	if len(turn.Image) > 0 {
		src, err := EncodeProofImage(turn.Image, s.maxImageDim)
		if err != nil {
			return err
		}
		takenAt := turn.ImageTakenAt
		if takenAt.IsZero() {
			takenAt = s.now()
		}
		blocks = append(blocks,
			oracle.ContentBlock{Type: oracle.BlockTypeText, Text: fmt.Sprintf("Proof photo attached, acquired %s.", takenAt.Format(time.RFC3339))},
			oracle.ContentBlock{Type: oracle.BlockTypeImage, Source: src},
		)
		s.hadImage = true
		s.lastProof = &proofMeta{takenAt: takenAt, pendingDesc: turn.Text}
	}

	s.history = append(s.history, oracle.Message{Role: oracle.RoleUser, Content: blocks})
	s.state = AwaitingOracle
	s.emit(Event{Type: EventState, Data: s.state.String()})
	return nil
}

// appendProofLocked records the outcome in the ledger. A proof entry is
// written on every grant, image or not.
func (s *Session) appendProofLocked(approval Approval, rule policy.Rule, model, reply string) {
	desc := Summary(reply)
	if desc == "" && s.lastProof != nil {
		// the oracle's reply was all approval clause; fall back to the
		// user's pending description of the artifact
		desc = s.lastProof.pendingDesc
	}
	entry := ledger.ProofEntry{
		Timestamp: s.now(),
		Domain:    s.domain,
		HadImage:  s.hadImage,
		Desc:      desc,
		Model:     model,
	}
	if !approval.Unlimited {
		ms := approval.Duration.Milliseconds()
		entry.ApprovedMs = &ms
	}
	entry.ApprovedUntil = rule.ExpiresAt
	if s.proofs != nil {
		if err := s.proofs.AppendProof(entry); err != nil {
			s.emit(Event{Type: EventError, Data: fmt.Sprintf("record proof: %v", err)})
		}
	}
	s.lastProof = nil
}

// snapshotHistory copies the conversation for a request.
func (s *Session) snapshotHistory() []oracle.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.Message(nil), s.history...)
}

// Close ends an unresolved session. Navigating away or closing the tab
// lands here; an in-flight oracle reply is discarded on arrival. A
// granted session stays granted.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Granted || s.state == Closed {
		return
	}
	s.state = Closed
	s.emit(Event{Type: EventState, Data: s.state.String()})
}

// History returns a copy of the conversation so far.
func (s *Session) History() []oracle.Message {
	return s.snapshotHistory()
}

// emit sends an event without blocking session progress; a full channel
// drops the event.
func (s *Session) emit(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
