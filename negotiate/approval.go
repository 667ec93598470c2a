package negotiate

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultGrantDuration applies when the oracle approves without any
// recognizable duration phrase.
const DefaultGrantDuration = time.Hour

// Approval is the decision scraped from an oracle reply.
type Approval struct {
	Approved  bool
	Unlimited bool          // grant never expires
	Duration  time.Duration // valid when Approved && !Unlimited
}

// approvedRe matches the approval token anywhere in the reply,
// case-insensitively.
var approvedRe = regexp.MustCompile(`(?i)\bapproved\b`)

// unlimitedRe matches an explicit never-expires token.
var unlimitedRe = regexp.MustCompile(`(?i)\b(?:unlimited|indefinite(?:ly)?|permanent(?:ly)?|forever)\b`)

// durationPatterns are scanned in priority order; the first unit whose
// pattern matches wins, regardless of position in the text.
var durationPatterns = []struct {
	re   *regexp.Regexp
	unit time.Duration
}{
	{regexp.MustCompile(`(?i)(\d+)\s*(?:seconds?|secs?)\b`), time.Second},
	{regexp.MustCompile(`(?i)(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)(\d+)\s*days?\b`), 24 * time.Hour},
	{regexp.MustCompile(`(?i)(\d+)\s*weeks?\b`), 7 * 24 * time.Hour},
}

// ParseApproval scans a free-text oracle reply for the approval token
// and a grant duration.
func ParseApproval(reply string) Approval {
	if !approvedRe.MatchString(reply) {
		return Approval{}
	}
	if unlimitedRe.MatchString(reply) {
		return Approval{Approved: true, Unlimited: true}
	}
	for _, p := range durationPatterns {
		m := p.re.FindStringSubmatch(reply)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return Approval{Approved: true, Duration: time.Duration(n) * p.unit}
	}
	return Approval{Approved: true, Duration: DefaultGrantDuration}
}

// GrantDuration returns the duration to pass to the grant manager: nil
// for an unlimited grant.
func (a Approval) GrantDuration() *time.Duration {
	if a.Unlimited {
		return nil
	}
	d := a.Duration
	return &d
}

// approvedPrefixRe strips a leading approval clause ("APPROVED for 10
// minutes. ...") so the stored description starts with the substance.
var approvedPrefixRe = regexp.MustCompile(`(?i)^approved\b[^.!?\n]*[.!?]?\s*`)

// Summary extracts the first sentence of an oracle reply for the proof
// ledger, stripped of a literal APPROVED prefix and capped at
// MaxSummaryLen.
func Summary(reply string) string {
	s := strings.TrimSpace(reply)
	s = approvedPrefixRe.ReplaceAllString(s, "")
	s = firstSentence(s)
	return truncateRunes(s, MaxSummaryLen)
}

// MaxSummaryLen matches the ledger's description cap, in characters.
const MaxSummaryLen = 140

// truncateRunes caps s at n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func firstSentence(s string) string {
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			return s[:i+1]
		case '\n':
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}
