// Package matcher finds the persisted entity an imported row refers to.
//
// Strategies run in a fixed order and the first one that yields anything
// decides: legacy key, natural key, prefix pattern, then (optionally) fuzzy
// name distance. A strategy that yields several equally good candidates
// produces an ambiguous result instead of a guess.
package matcher

import (
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/mmdatafocus/ops_backend/keynorm"
	"github.com/mmdatafocus/ops_backend/models"
)

// Strategy names the rule that produced a match.
type Strategy string

const (
	StrategyNone          Strategy = ""
	StrategyLegacyKey     Strategy = "legacy_key"
	StrategyNaturalKey    Strategy = "natural_key"
	StrategyPrefixPattern Strategy = "prefix_pattern"
	StrategyFuzzy         Strategy = "fuzzy"
)

// Query is what the matcher needs from a row.
type Query struct {
	NaturalKey string
	LegacyKey  string
	ParentID   int
}

// Result is the outcome of one Match: a single entity, a set of tied
// candidates, or neither.
type Result struct {
	Entity    *models.Snapshot
	MatchedBy Strategy
	// Ambiguous holds the tied candidates when no single entity could be chosen.
	Ambiguous []*models.Snapshot
}

// Found reports whether exactly one entity matched.
func (r Result) Found() bool {
	return r.Entity != nil
}

// IsAmbiguous reports whether several candidates tied.
func (r Result) IsAmbiguous() bool {
	return len(r.Ambiguous) > 0
}

type Options struct {
	// MaxFuzzyDistance enables the fuzzy strategy for name-keyed collections
	// when > 0.
	MaxFuzzyDistance int
}

// Index is built once per batch and is safe for concurrent Match calls.
type Index struct {
	collection models.Collection
	opts       Options
	scopes     map[int]*scope
}

// scope holds the candidates sharing one parent (0 for top-level collections).
type scope struct {
	all       []*models.Snapshot
	byLegacy  map[string][]*models.Snapshot
	byNatural map[string][]*models.Snapshot
	byCode    map[string][]*models.Snapshot
	norm      map[*models.Snapshot]string
}

func NewIndex(c models.Collection, candidates []*models.Snapshot, opts Options) *Index {
	idx := &Index{
		collection: c,
		opts:       opts,
		scopes:     make(map[int]*scope),
	}
	for _, cand := range candidates {
		if cand == nil {
			continue
		}
		s := idx.scopes[cand.ParentID]
		if s == nil {
			s = &scope{
				byLegacy:  make(map[string][]*models.Snapshot),
				byNatural: make(map[string][]*models.Snapshot),
				byCode:    make(map[string][]*models.Snapshot),
				norm:      make(map[*models.Snapshot]string),
			}
			idx.scopes[cand.ParentID] = s
		}
		s.all = append(s.all, cand)
		if legacy := keynorm.NormalizeLegacy(cand.LegacyKey); legacy != "" {
			s.byLegacy[legacy] = append(s.byLegacy[legacy], cand)
		}
		natural := c.NormalizeNaturalKey(cand.NaturalKey)
		if natural == "" {
			continue
		}
		s.norm[cand] = natural
		s.byNatural[natural] = append(s.byNatural[natural], cand)
		if code := keynorm.CodeOf(cand.NaturalKey); code != "" {
			s.byCode[code] = append(s.byCode[code], cand)
		}
	}
	return idx
}

func (idx *Index) Collection() models.Collection {
	return idx.collection
}

// Candidates returns every indexed snapshot under parentID.
func (idx *Index) Candidates(parentID int) []*models.Snapshot {
	if s := idx.scopes[parentID]; s != nil {
		return s.all
	}
	return nil
}

// Match applies the ordered strategies to q.
func (idx *Index) Match(q Query) Result {
	s := idx.scopes[q.ParentID]
	if s == nil {
		return Result{}
	}

	legacy := keynorm.NormalizeLegacy(q.LegacyKey)
	if legacy != "" {
		switch hits := s.byLegacy[legacy]; len(hits) {
		case 0:
		case 1:
			return Result{Entity: hits[0], MatchedBy: StrategyLegacyKey}
		default:
			return Result{MatchedBy: StrategyLegacyKey, Ambiguous: sortedByID(hits)}
		}
	}

	key := keynorm.Normalize(q.NaturalKey)
	if key.Empty() {
		return Result{}
	}
	// A candidate carrying a different legacy id is a different entity even
	// when the names agree.
	compatible := func(cand *models.Snapshot) bool {
		if legacy == "" {
			return true
		}
		other := keynorm.NormalizeLegacy(cand.LegacyKey)
		return other == "" || other == legacy
	}

	natural := idx.collection.NormalizeNaturalKey(q.NaturalKey)
	if hits := filter(s.byNatural[natural], compatible); len(hits) == 1 {
		return Result{Entity: hits[0], MatchedBy: StrategyNaturalKey}
	} else if len(hits) > 1 {
		return Result{MatchedBy: StrategyNaturalKey, Ambiguous: sortedByID(hits)}
	}

	if !idx.collection.NameKeyed() {
		if r := matchPrefix(s, key, compatible); r.Found() || r.IsAmbiguous() {
			return r
		}
	}

	if idx.collection.NameKeyed() && idx.opts.MaxFuzzyDistance > 0 {
		if r := matchFuzzy(s, natural, idx.opts.MaxFuzzyDistance, compatible); r.Found() || r.IsAmbiguous() {
			return r
		}
	}

	return Result{}
}

// matchPrefix accepts candidates matched by the key's structured pattern. Several
// hits are narrowed to the one sharing the longest textual prefix with the
// row's raw key; a tie stays ambiguous.
func matchPrefix(s *scope, key keynorm.Key, compatible func(*models.Snapshot) bool) Result {
	var hits []*models.Snapshot
	for _, cand := range s.byCode[key.Code] {
		if compatible(cand) && key.MatchString(cand.NaturalKey) {
			hits = append(hits, cand)
		}
	}
	switch len(hits) {
	case 0:
		return Result{}
	case 1:
		return Result{Entity: hits[0], MatchedBy: StrategyPrefixPattern}
	}

	best := -1
	var tied []*models.Snapshot
	for _, cand := range hits {
		n := keynorm.CommonPrefixLen(cand.NaturalKey, key.Raw)
		switch {
		case n > best:
			best = n
			tied = []*models.Snapshot{cand}
		case n == best:
			tied = append(tied, cand)
		}
	}
	if len(tied) == 1 {
		return Result{Entity: tied[0], MatchedBy: StrategyPrefixPattern}
	}
	return Result{MatchedBy: StrategyPrefixPattern, Ambiguous: sortedByID(tied)}
}

func matchFuzzy(s *scope, natural string, maxDistance int, compatible func(*models.Snapshot) bool) Result {
	best := maxDistance + 1
	var tied []*models.Snapshot
	for _, cand := range s.all {
		candNorm, ok := s.norm[cand]
		if !ok || !compatible(cand) {
			continue
		}
		d := levenshtein.ComputeDistance(natural, candNorm)
		switch {
		case d < best:
			best = d
			tied = []*models.Snapshot{cand}
		case d == best:
			tied = append(tied, cand)
		}
	}
	switch len(tied) {
	case 0:
		return Result{}
	case 1:
		return Result{Entity: tied[0], MatchedBy: StrategyFuzzy}
	default:
		return Result{MatchedBy: StrategyFuzzy, Ambiguous: sortedByID(tied)}
	}
}

// Match is the single-shot form: it indexes candidates and matches q once.
func Match(c models.Collection, q Query, candidates []*models.Snapshot, opts Options) Result {
	return NewIndex(c, candidates, opts).Match(q)
}

func filter(in []*models.Snapshot, keep func(*models.Snapshot) bool) []*models.Snapshot {
	var out []*models.Snapshot
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func sortedByID(in []*models.Snapshot) []*models.Snapshot {
	out := append([]*models.Snapshot(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
