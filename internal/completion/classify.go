package completion

import "strings"

// rateLimitSignatures are the provider error descriptions treated as rate
// limiting. Matching is deliberately textual: providers disagree on error
// types but agree on vocabulary.
var rateLimitSignatures = []string{
	"429",
	"rate limit",
	"too many requests",
	"quota exceed",
	"resource_exhausted",
}

// IsRateLimited reports whether the error describes upstream rate limiting
// and is therefore worth retrying with backoff.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), rateLimitSignatures...)
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
