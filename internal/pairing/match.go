package pairing

import (
	"regexp"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var separatorRuns = regexp.MustCompile(`[\s\-_.]+`)

type Tier int

const (
	NoMatch Tier = iota
	ExactTier
	ContainmentTier
	FuzzyTier
)

func (t Tier) String() string {
	return []string{"none", "exact", "containment", "fuzzy"}[t]
}

// Normalize lower-cases the name, collapses runs of separators in to a
// single hyphen, and trims leading and trailing separators.
func Normalize(name string) string {
	n := separatorRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(n, "-")
}

// Matcher associates a name (e.g. a lookup-table file) with one of a list
// of candidate unit names. Tiers are tried in order: exact normalized
// equality, then containment in either direction, then (only when
// FuzzyThreshold is positive) string similarity. Within a tier the first
// candidate in the order provided wins.
type Matcher struct {
	FuzzyThreshold float64
}

// Match returns the index of the winning candidate and the tier it
// matched on. ok is false when nothing matched.
func (m Matcher) Match(name string, candidates []string) (index int, tier Tier, ok bool) {
	target := Normalize(name)
	if target == "" {
		return -1, NoMatch, false
	}

	normalized := make([]string, len(candidates))
	for i, c := range candidates {
		normalized[i] = Normalize(c)
	}

	for i, c := range normalized {
		if c == target {
			return i, ExactTier, true
		}
	}

	for i, c := range normalized {
		if c != "" && (strings.Contains(c, target) || strings.Contains(target, c)) {
			return i, ContainmentTier, true
		}
	}

	if m.FuzzyThreshold > 0 {
		metric := metrics.NewLevenshtein()
		best, bestScore := -1, 0.0
		for i, c := range normalized {
			if c == "" {
				continue
			}
			if score := strutil.Similarity(target, c, metric); score >= m.FuzzyThreshold && score > bestScore {
				best, bestScore = i, score
			}
		}
		if best >= 0 {
			return best, FuzzyTier, true
		}
	}

	return -1, NoMatch, false
}
