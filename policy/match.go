package policy

import "strings"

// Matches reports whether domain is covered by pattern. A pattern covers
// its exact domain and every subdomain: "example.com" matches
// "example.com" and "sub.example.com" but not "notexample.com".
// Matching is case-sensitive; hostnames are expected lower-case as
// produced by URL parsing. Scheme, port, and path are never considered.
func Matches(domain, pattern string) bool {
	if domain == pattern {
		return true
	}
	return strings.HasSuffix(domain, "."+pattern)
}

// Specificity is the number of dot-separated labels in a pattern.
// A more specific pattern outranks a less specific one when both match.
func Specificity(pattern string) int {
	return strings.Count(pattern, ".") + 1
}

// BestMatch returns the highest-specificity pattern covering domain.
// Equal-specificity ties within one list keep the first pattern found;
// the order is not significant and callers must not rely on it.
func BestMatch(domain string, patterns []string) (string, bool) {
	best := ""
	bestSpec := -1
	for _, p := range patterns {
		if !Matches(domain, p) {
			continue
		}
		if s := Specificity(p); s > bestSpec {
			best = p
			bestSpec = s
		}
	}
	return best, bestSpec >= 0
}
