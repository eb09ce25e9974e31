// Package match resolves recognition results against the configured
// watch-list, exact candidate matches first, then fuzzy matching on the
// top plate reading.
package match

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"plate-watcher/internal/domain/plate"
)

// Matcher holds the watch-list in declaration order. Comparison is
// case-insensitive; a zero fuzzyThreshold disables fuzzy matching.
type Matcher struct {
	entries        []string
	upper          []string
	fuzzyThreshold float64
}

func New(watchList []string, fuzzyThreshold float64) *Matcher {
	m := &Matcher{fuzzyThreshold: fuzzyThreshold}
	seen := make(map[string]bool, len(watchList))
	for _, entry := range watchList {
		u := strings.ToUpper(strings.TrimSpace(entry))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		m.entries = append(m.entries, strings.TrimSpace(entry))
		m.upper = append(m.upper, u)
	}
	return m
}

// Enabled reports whether a watch-list is configured at all.
func (m *Matcher) Enabled() bool {
	return len(m.entries) > 0
}

// Resolve finds the best watch-list match for a result. Candidates are
// scanned in their response order (already descending by score); the
// first exact hit wins. Without an exact hit, the top plate is fuzzy
// matched against every entry, highest similarity wins, watch-list
// declaration order breaking ties.
func (m *Matcher) Resolve(res plate.RecognitionResult) plate.MatchOutcome {
	out := plate.MatchOutcome{OriginalPlate: res.Plate, Method: plate.MatchNone}
	if !m.Enabled() || res.Empty() {
		return out
	}

	for _, cand := range res.Candidates {
		for i, entry := range m.upper {
			if strings.ToUpper(cand.Plate) == entry {
				out.Method = plate.MatchCandidateExact
				out.MatchedPlate = m.entries[i]
				out.MatchedScore = cand.Score
				return out
			}
		}
	}

	if m.fuzzyThreshold <= 0 || res.Plate == "" {
		return out
	}

	bestScore := 0.0
	bestIdx := -1
	upperPlate := strings.ToUpper(res.Plate)
	for i, entry := range m.upper {
		score := Similarity(upperPlate, entry)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx >= 0 && bestScore >= m.fuzzyThreshold {
		out.Method = plate.MatchFuzzy
		out.MatchedPlate = m.entries[bestIdx]
		out.FuzzyScore = bestScore
	}
	return out
}

// Similarity is a normalized Levenshtein ratio in [0,1]:
// 1 - distance/max(len(a), len(b)). Deterministic for a given pair.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
