package processor

import (
	"regexp"
	"strings"
)

// Balance-intent classification. A message is answered from the ledger
// instead of the model when it fuzzily names a balance term in a question
// context, unless it is really asking about the user's identity or profile.

var balanceTerms = []string{"balance", "credit", "wallet", "sats"}

var contextHints = []string{
	"my", "check", "show", "what", "how much", "how many",
}

var identityExclusions = []string{
	"identity", "nip05", "profile", "name", "who am i", "about me",
	"information about me",
}

var bareBalanceRe = regexp.MustCompile(
	`^\s*(balance|credits?|wallet|sats)\s*[?!.]*\s*$`,
)

var wordSplitRe = regexp.MustCompile(`[^a-z0-9]+`)

// IsBalanceQuery reports whether text is asking about the sat balance.
func IsBalanceQuery(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	if bareBalanceRe.MatchString(lower) {
		return true
	}
	for _, ex := range identityExclusions {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	question := strings.Contains(lower, "?")
	if !question {
		for _, hint := range contextHints {
			if strings.Contains(lower, hint) {
				question = true
				break
			}
		}
	}
	if !question {
		return false
	}
	for _, w := range wordSplitRe.Split(lower, -1) {
		if w == "" {
			continue
		}
		for _, term := range balanceTerms {
			// tolerate typos up to 30% of the term length; short terms
			// must match exactly or near-words like "stats" slip in
			limit := len(term) * 3 / 10
			if len(term) < 5 {
				limit = 0
			}
			if levenshtein(w, term) <= limit {
				return true
			}
		}
	}
	return false
}

// levenshtein is the classic two-row edit distance.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
