package gateway

import "strings"

// DefaultRejectionPhrases are matched case-insensitively against webhook
// responses. The webhook answers 200 for refused orders, so any hit counts
// as a rejection.
var DefaultRejectionPhrases = []string{
	"error",
	"permission",
	"not allowed",
	"denied",
	"reject",
	"invalid",
	"insufficient",
	"failed",
	"price out",
	"account not",
	"account is",
	"expired",
}

// RejectionMatcher scans webhook response text for refusal phrases.
type RejectionMatcher struct {
	phrases []string
}

// NewRejectionMatcher uses DefaultRejectionPhrases when phrases is empty.
func NewRejectionMatcher(phrases []string) *RejectionMatcher {
	if len(phrases) == 0 {
		phrases = DefaultRejectionPhrases
	}
	m := &RejectionMatcher{}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	return m
}

// Match returns the first phrase found in text.
func (m *RejectionMatcher) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
