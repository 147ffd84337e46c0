package normalize

import (
	"sort"
	"strings"
)

// Token-set similarity for free-text GPU titles.
//
// Titles from marketplace scrapes reorder and mangle tokens freely
// ("48GB NVIDIA RTX A6000 GPU!!" vs "nvidia rtx a6000 48gb") and split or
// merge unit suffixes ("48 gb" vs "48gb"). We therefore take the better of
// two Levenshtein ratios: one over the order-preserving squashed strings
// and one over the sorted-token concatenations. Squashing absorbs token
// merges; sorting absorbs reorderings; single-character typos inside a
// token degrade gracefully under both.

// squashKey lowercases and drops every non-alphanumeric rune.
func squashKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sortedTokenKey lowercases, splits on non-alphanumerics, sorts the unique
// tokens, and concatenates them.
func sortedTokenKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	fields := strings.Fields(b.String())
	seen := make(map[string]bool, len(fields))
	uniq := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			uniq = append(uniq, f)
		}
	}
	sort.Strings(uniq)
	return strings.Join(uniq, "")
}

// levenshtein computes edit distance with the standard two-row DP.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			ins := curr[j-1] + 1
			del := prev[j] + 1
			sub := prev[j-1] + cost
			m := ins
			if del < m {
				m = del
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func levRatio(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(longest)
}

// TokenSetRatio returns the normalized similarity of two strings in [0,1].
func TokenSetRatio(a, b string) float64 {
	sa, sb := squashKey(a), squashKey(b)
	if sa == "" && sb == "" {
		return 1.0
	}
	r := levRatio(sa, sb)
	if tr := levRatio(sortedTokenKey(a), sortedTokenKey(b)); tr > r {
		r = tr
	}
	return r
}
