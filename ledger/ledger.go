// Package ledger records past negotiation outcomes and API usage in a
// local SQLite database. Proof entries are contextual input to future
// negotiations only, never an authorization record.
package ledger

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

// MaxDescLen caps the stored description of a proof entry, in
// characters.
const MaxDescLen = 140

// DefaultProofCap bounds the proof ledger; older entries are evicted
// first. Deployments have run with caps as low as 5.
const DefaultProofCap = 20

const schema = `
CREATE TABLE IF NOT EXISTS proofs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	ts             INTEGER NOT NULL,
	domain         TEXT,
	approved_ms    INTEGER,
	approved_until INTEGER,
	had_image      INTEGER NOT NULL,
	descr          TEXT NOT NULL,
	model          TEXT
);
CREATE TABLE IF NOT EXISTS usage_totals (
	model                TEXT PRIMARY KEY,
	total_calls          INTEGER NOT NULL DEFAULT 0,
	total_tokens         INTEGER NOT NULL DEFAULT 0,
	chat_calls           INTEGER NOT NULL DEFAULT 0,
	classification_calls INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS usage_history (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	ts     INTEGER NOT NULL,
	kind   TEXT NOT NULL,
	model  TEXT NOT NULL,
	tokens INTEGER NOT NULL
);
`

// ProofEntry is one recorded negotiation outcome. ApprovedMs/
// ApprovedUntil are nil for an unlimited grant.
type ProofEntry struct {
	Timestamp     time.Time  `json:"timestamp"`
	Domain        string     `json:"domain,omitempty"`
	ApprovedMs    *int64     `json:"approvedMs"`
	ApprovedUntil *time.Time `json:"approvedUntil"`
	HadImage      bool       `json:"hadImage"`
	Desc          string     `json:"desc"`
	Model         string     `json:"model,omitempty"`
}

// UsageTotals aggregates API calls per model.
type UsageTotals struct {
	Model               string `json:"model"`
	TotalCalls          int    `json:"totalCalls"`
	TotalTokens         int    `json:"totalTokens"`
	ChatCalls           int    `json:"chatCalls"`
	ClassificationCalls int    `json:"classificationCalls"`
}

// UsageEvent is one entry of the recent-activity history.
type UsageEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"type"`
	Model     string    `json:"model"`
	Tokens    int       `json:"tokens"`
}

// usageHistoryCap bounds the recent-activity table.
const usageHistoryCap = 100

// Ledger wraps the database. Safe for concurrent use.
type Ledger struct {
	db       *sql.DB
	proofCap int
	now      func() time.Time
}

// Open creates or opens the ledger database at path. proofCap <= 0
// falls back to DefaultProofCap.
func Open(path string, proofCap int) (*Ledger, error) {
	if proofCap <= 0 {
		proofCap = DefaultProofCap
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db, proofCap: proofCap, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// AppendProof stores a proof entry, truncating the description to
// MaxDescLen and evicting the oldest entries beyond the cap.
func (l *Ledger) AppendProof(e ProofEntry) error {
	// cap on a rune boundary so a multi-byte description stays valid UTF-8
	desc := e.Desc
	if utf8.RuneCountInString(desc) > MaxDescLen {
		desc = string([]rune(desc)[:MaxDescLen])
	}
	var until *int64
	if e.ApprovedUntil != nil {
		ms := e.ApprovedUntil.UnixMilli()
		until = &ms
	}
	_, err := l.db.Exec(
		`INSERT INTO proofs (ts, domain, approved_ms, approved_until, had_image, descr, model)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixMilli(), e.Domain, e.ApprovedMs, until, e.HadImage, desc, e.Model,
	)
	if err != nil {
		return fmt.Errorf("append proof: %w", err)
	}
	_, err = l.db.Exec(
		`DELETE FROM proofs WHERE id NOT IN (SELECT id FROM proofs ORDER BY id DESC LIMIT ?)`,
		l.proofCap,
	)
	if err != nil {
		return fmt.Errorf("evict proofs: %w", err)
	}
	return nil
}

// Proofs returns the retained entries, oldest first.
func (l *Ledger) Proofs() ([]ProofEntry, error) {
	rows, err := l.db.Query(
		`SELECT ts, domain, approved_ms, approved_until, had_image, descr, model
		 FROM proofs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query proofs: %w", err)
	}
	defer rows.Close()

	var out []ProofEntry
	for rows.Next() {
		var (
			ts       int64
			e        ProofEntry
			until    sql.NullInt64
			approved sql.NullInt64
		)
		if err := rows.Scan(&ts, &e.Domain, &approved, &until, &e.HadImage, &e.Desc, &e.Model); err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		if approved.Valid {
			e.ApprovedMs = &approved.Int64
		}
		if until.Valid {
			t := time.UnixMilli(until.Int64)
			e.ApprovedUntil = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordUsage implements oracle.UsageRecorder. Accounting is
// best-effort; a failed write is dropped rather than failing the API
// call it describes.
func (l *Ledger) RecordUsage(kind, model string, tokens int) {
	chat, classification := 0, 0
	if kind == "chat" {
		chat = 1
	} else {
		classification = 1
	}
	l.db.Exec(
		`INSERT INTO usage_totals (model, total_calls, total_tokens, chat_calls, classification_calls)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
			total_calls = total_calls + 1,
			total_tokens = total_tokens + excluded.total_tokens,
			chat_calls = chat_calls + excluded.chat_calls,
			classification_calls = classification_calls + excluded.classification_calls`,
		model, tokens, chat, classification,
	)
	l.db.Exec(
		`INSERT INTO usage_history (ts, kind, model, tokens) VALUES (?, ?, ?, ?)`,
		l.now().UnixMilli(), kind, model, tokens,
	)
	l.db.Exec(
		`DELETE FROM usage_history WHERE id NOT IN (SELECT id FROM usage_history ORDER BY id DESC LIMIT ?)`,
		usageHistoryCap,
	)
}

// UsageTotals returns per-model aggregates, heaviest first.
func (l *Ledger) UsageTotals() ([]UsageTotals, error) {
	rows, err := l.db.Query(
		`SELECT model, total_calls, total_tokens, chat_calls, classification_calls
		 FROM usage_totals ORDER BY total_calls DESC`)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var out []UsageTotals
	for rows.Next() {
		var u UsageTotals
		if err := rows.Scan(&u.Model, &u.TotalCalls, &u.TotalTokens, &u.ChatCalls, &u.ClassificationCalls); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageHistory returns the most recent usage events, newest first.
func (l *Ledger) UsageHistory(limit int) ([]UsageEvent, error) {
	if limit <= 0 || limit > usageHistoryCap {
		limit = usageHistoryCap
	}
	rows, err := l.db.Query(
		`SELECT ts, kind, model, tokens FROM usage_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage history: %w", err)
	}
	defer rows.Close()

	var out []UsageEvent
	for rows.Next() {
		var ts int64
		var e UsageEvent
		if err := rows.Scan(&ts, &e.Kind, &e.Model, &e.Tokens); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResetUsage clears all usage accounting. Proofs are untouched.
func (l *Ledger) ResetUsage() error {
	if _, err := l.db.Exec(`DELETE FROM usage_totals`); err != nil {
		return fmt.Errorf("reset usage totals: %w", err)
	}
	if _, err := l.db.Exec(`DELETE FROM usage_history`); err != nil {
		return fmt.Errorf("reset usage history: %w", err)
	}
	return nil
}
