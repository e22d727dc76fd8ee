// Package pairing groups before/after preview clips in to units and
// matches lookup-table files to those units by name. Everything in
// this package is pure; persistence is left to the caller.
package pairing

import (
	"fmt"
	"path"
	"strings"
)

type Side int

const (
	NoSide Side = iota
	Before
	After
)

func (s Side) String() string {
	switch s {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "none"
	}
}

type (
	// Candidate is a pairable artifact: Path is the entry path within the
	// archive, Dest is where the artifact was written.
	Candidate struct {
		Path string
		Dest string
	}

	Pair struct {
		Unit       string
		BeforePath string
		AfterPath  string
		// Entry paths the pair was built from
		BeforeSource string
		AfterSource  string
	}

	SkippedUnit struct {
		Unit      string `json:"unit"`
		HasBefore bool   `json:"hasBefore"`
		HasAfter  bool   `json:"hasAfter"`
		Reason    string `json:"reason"`
	}

	suffixRule struct {
		suffix string
		side   Side
	}
)

// Suffix rules, grouped by priority. Within a tier the first
// matching rule wins.
var suffixTiers = [][]suffixRule{
	{{"-before", Before}, {"-after", After}},
	{{"_before", Before}, {"_after", After}},
	{{"before", Before}, {"after", After}},
}

// StripSideSuffix removes a trailing before/after marker from the stem
// provided, returning the remainder and the side it indicated. When no
// marker is present, the stem is returned untouched with NoSide.
func StripSideSuffix(stem string) (string, Side) {
	lower := strings.ToLower(stem)
	for _, tier := range suffixTiers {
		for _, rule := range tier {
			if strings.HasSuffix(lower, rule.suffix) {
				remainder := stem[:len(stem)-len(rule.suffix)]
				return strings.TrimRight(remainder, " .-_"), rule.side
			}
		}
	}

	return stem, NoSide
}

// WrapperDir returns the single top-level folder shared by every path
// provided, or the empty string if there is no such folder.
func WrapperDir(paths []string) string {
	wrapper := ""
	for i, p := range paths {
		first, rest, found := strings.Cut(p, "/")
		if !found || rest == "" {
			return ""
		}
		if i == 0 {
			wrapper = first
		} else if first != wrapper {
			return ""
		}
	}

	return wrapper
}

// InferUnit determines the unit and side of a preview clip from its
// entry path. A clip inside a sub-folder (other than the archive's
// wrapper folder) belongs to a unit named after that folder. A clip
// placed directly in the pack is named by its file name with the side
// marker stripped, and a bare "before"/"after" clip belongs to a unit
// named after the pack itself.
func InferUnit(entryPath, wrapper, packTitle string) (string, Side, bool) {
	name := path.Base(entryPath)
	stem := strings.TrimSuffix(name, path.Ext(name))
	remainder, side := StripSideSuffix(stem)
	if side == NoSide {
		return "", NoSide, false
	}

	dir := path.Dir(entryPath)
	if dir != "." && dir != wrapper {
		return path.Base(dir), side, true
	}
	if remainder != "" {
		return remainder, side, true
	}

	return packTitle, side, true
}

// GroupPairs groups the candidates provided in to before/after pairs.
// Units are keyed by their normalized name and reported in the order
// they were first seen. Units missing either side are returned as skipped,
// as is every clip that repeats a side its unit already has.
func GroupPairs(candidates []Candidate, wrapper, packTitle string) ([]Pair, []SkippedUnit) {
	type unitState struct {
		pair      Pair
		hasBefore bool
		hasAfter  bool
	}

	order := make([]string, 0)
	units := make(map[string]*unitState)
	duplicates := make([]SkippedUnit, 0)
	for _, c := range candidates {
		unit, side, ok := InferUnit(c.Path, wrapper, packTitle)
		if !ok {
			continue
		}

		key := Normalize(unit)
		state, exists := units[key]
		if !exists {
			state = &unitState{pair: Pair{Unit: unit}}
			units[key] = state
			order = append(order, key)
		}

		switch {
		case side == Before && !state.hasBefore:
			state.hasBefore = true
			state.pair.BeforePath, state.pair.BeforeSource = c.Dest, c.Path
		case side == After && !state.hasAfter:
			state.hasAfter = true
			state.pair.AfterPath, state.pair.AfterSource = c.Dest, c.Path
		default:
			duplicates = append(duplicates, SkippedUnit{
				Unit:      state.pair.Unit,
				HasBefore: side == Before,
				HasAfter:  side == After,
				Reason:    fmt.Sprintf("duplicate %s clip %s", side, c.Path),
			})
		}
	}

	pairs := make([]Pair, 0)
	skipped := make([]SkippedUnit, 0)
	for _, key := range order {
		state := units[key]
		if state.hasBefore && state.hasAfter {
			pairs = append(pairs, state.pair)
			continue
		}

		reason := "missing before clip"
		if state.hasBefore {
			reason = "missing after clip"
		}
		skipped = append(skipped, SkippedUnit{Unit: state.pair.Unit, HasBefore: state.hasBefore, HasAfter: state.hasAfter, Reason: reason})
	}

	return pairs, append(skipped, duplicates...)
}
