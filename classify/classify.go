// Package classify assigns purchase order types from the categories their
// line items suggest.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Category string

const (
	CategorySeed      Category = "Seed"
	CategoryGreengood Category = "Greengood"
	CategoryHardgood  Category = "Hardgood"
	CategorySupplies  Category = "Supplies"
)

// Categories converts configured names, dropping blanks.
func Categories(names []string) []Category {
	out := make([]Category, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, Category(n))
		}
	}
	return out
}

// Hinter derives at most one category from free text.
type Hinter interface {
	Hint(text string) (Category, bool)
}

type Rule struct {
	Category Category
	Keywords []string
}

type compiledRule struct {
	category Category
	re       *regexp.Regexp
}

// KeywordHinter applies rules in order; the first rule with a whole-word,
// case-insensitive keyword hit wins.
type KeywordHinter struct {
	rules []compiledRule
}

var ErrEmptyRule = errors.New("rule needs a category and at least one keyword")

func NewKeywordHinter(rules []Rule) (*KeywordHinter, error) {
	h := &KeywordHinter{}
	for i, r := range rules {
		words := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				words = append(words, regexp.QuoteMeta(k))
			}
		}
		if r.Category == "" || len(words) == 0 {
			return nil, fmt.Errorf("rule %d: %w", i, ErrEmptyRule)
		}
		re, err := regexp.Compile(`(?i)(?:^|[^\pL\pN_])(?:` + strings.Join(words, "|") + `)(?:$|[^\pL\pN_])`)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		h.rules = append(h.rules, compiledRule{category: r.Category, re: re})
	}
	return h, nil
}

func (h *KeywordHinter) Hint(text string) (Category, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	for _, r := range h.rules {
		if r.re.MatchString(text) {
			return r.category, true
		}
	}
	return "", false
}

// DefaultRules covers the nursery catalogue. Seed comes first so "seed
// tray" counts as seed stock rather than a hard good.
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategorySeed, Keywords: []string{"seed", "seeds", "bulb", "bulbs", "tuber", "tubers", "corm", "corms"}},
		{Category: CategoryGreengood, Keywords: []string{"plant", "plants", "plug", "plugs", "liner", "liners", "cutting", "cuttings",
			"perennial", "perennials", "annual", "annuals", "shrub", "shrubs", "tree", "trees", "flat", "flats", "bareroot"}},
		{Category: CategoryHardgood, Keywords: []string{"pot", "pots", "tray", "trays", "container", "containers", "planter", "planters",
			"hose", "tool", "tools", "stake", "stakes", "trellis", "basket", "baskets"}},
		{Category: CategorySupplies, Keywords: []string{"soil", "mix", "fertilizer", "mulch", "compost", "label", "labels", "tag", "tags",
			"tape", "glove", "gloves", "twine"}},
	}
}

var defaultHinter *KeywordHinter

func init() {
	h, err := NewKeywordHinter(DefaultRules())
	if err != nil {
		panic(err)
	}
	defaultHinter = h
}

func DefaultHinter() *KeywordHinter {
	return defaultHinter
}

// Classifier picks the plurality category. Ties go to the category listed
// first in Priority; unlisted categories rank after listed ones, then by name.
type Classifier struct {
	Priority []Category
}

func (c Classifier) rank(cat Category) int {
	for i, p := range c.Priority {
		if p == cat {
			return i
		}
	}
	return len(c.Priority)
}

func (c Classifier) less(a, b Category) bool {
	ra, rb := c.rank(a), c.rank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}

// Tally counts non-empty hints.
func Tally(hints []Category) map[Category]int {
	votes := make(map[Category]int)
	for _, h := range hints {
		if h != "" {
			votes[h]++
		}
	}
	return votes
}

func (c Classifier) Classify(hints []Category) (Category, bool) {
	votes := Tally(hints)
	if len(votes) == 0 {
		return "", false
	}
	cats := make([]Category, 0, len(votes))
	for cat := range votes {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		if votes[cats[i]] != votes[cats[j]] {
			return votes[cats[i]] > votes[cats[j]]
		}
		return c.less(cats[i], cats[j])
	})
	return cats[0], true
}
