package oracle

import (
	"context"
	"fmt"
	"strings"
)

// Verdict is the binary outcome of ambient classification.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictBlock
)

func (v Verdict) String() string {
	if v == VerdictBlock {
		return "BLOCK"
	}
	return "ALLOW"
}

// classifyMaxTokens leaves room for the single answer word under either
// tokenizer.
const classifyMaxTokens = 8

// classifyPrompt is the baseline adjudication policy for undecided
// domains.
const classifyPrompt = `You are an automated website-focus reviewer. Your goal is to help users stay productive. You must answer with exactly ONE word: BLOCK or ALLOW (uppercase). BLOCK if the site is likely to distract from focused work, including but not limited to:
• Social media (Facebook, Twitter/X, Instagram, TikTok, Reddit, LinkedIn)
• Video streaming or endless-scroll entertainment (YouTube, Netflix, Twitch)
• News, finance-news, tabloids, or opinion (CNN, NYTimes, WSJ, FoxNews, CNBC, Bloomberg, etc.)
• Meme or humour sites
• Gaming or sports highlights
• Gaming sites, MMO forums, or game launchers

Additional rules:
• Block social media, scrolling, and news sites by default.
• Allow search engines, scientific portals, and reference databases by default.
• Block blogs by default.
• For other domains, decide which category they are closest to and apply the corresponding rule.`

// Classify asks the model whether domain should be blocked, issuing
// exactly one request. promptOverride, when non-empty, extends the
// baseline policy with user directives.
//
// The contract is fail-open: a missing credential, transport failure,
// or unparseable answer returns VerdictAllow. An oracle outage must
// never itself deny the user's own browsing. Classify never mutates any
// rule list; persisting the verdict is the caller's job.
func (c *Client) Classify(ctx context.Context, domain, promptOverride string) Verdict {
	if !c.Configured() {
		return VerdictAllow
	}

	system := classifyPrompt
	if promptOverride != "" {
		system += "\n\nUser override directives:\n" + promptOverride
	}
	question := fmt.Sprintf("Should access to %q be blocked? Respond with BLOCK or ALLOW.", domain)

	resp, err := c.complete(ctx, system, []Message{TextMessage(RoleUser, question)}, classifyMaxTokens)
	if err != nil {
		return VerdictAllow
	}
	c.record(UsageClassification, resp.Model, resp.Usage.Total())

	if strings.ToUpper(strings.TrimSpace(resp.Text())) == "BLOCK" {
		return VerdictBlock
	}
	return VerdictAllow
}
