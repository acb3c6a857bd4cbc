package risk

import (
	"fmt"
	"regexp"
	"sort"
)

// Per-match severity increment and category cutoffs for the heuristic stage.
const (
	matchSeverityIncrement = 30.0
	heuristicHighCutoff    = 70.0
	heuristicMediumCutoff  = 40.0

	// A clean pass is a stronger signal than a keyword hit: pattern matches
	// are noisy, absence of matches rarely is.
	confidenceNoMatch   = 80.0
	confidenceWithMatch = 60.0
)

// Rule is one category's pattern list.
type Rule struct {
	Category Category
	Patterns []*regexp.Regexp
}

// RuleSet is an ordered set of category pattern rules applied by the
// heuristic scorer. Construction compiles all patterns up front so scoring
// is allocation-light and cannot fail.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet compiles the given category -> pattern-list table. Patterns are
// matched case-insensitively. Categories are applied in lexical order so
// indicator ordering is stable across runs.
func NewRuleSet(table map[Category][]string) (*RuleSet, error) {
	cats := make([]Category, 0, len(table))
	for c := range table {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	rs := &RuleSet{}
	for _, cat := range cats {
		rule := Rule{Category: cat}
		for _, p := range table[cat] {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("rule %s: compile %q: %w", cat, p, err)
			}
			rule.Patterns = append(rule.Patterns, re)
		}
		rs.rules = append(rs.rules, rule)
	}
	return rs, nil
}

// MustRuleSet is NewRuleSet that panics on a bad pattern. For package-level
// defaults and tests.
func MustRuleSet(table map[Category][]string) *RuleSet {
	rs, err := NewRuleSet(table)
	if err != nil {
		panic(err)
	}
	return rs
}

// DefaultRules returns the built-in pattern table. The list itself is a
// configuration concern; deployments are expected to replace it via
// config rather than rely on these samples.
func DefaultRules() *RuleSet {
	return MustRuleSet(map[Category][]string{
		CategoryHateSpeech: {
			`\bdehumaniz(e|ing)\b`,
			`\bsubhuman\b`,
		},
		CategoryViolentRhetoric: {
			`\b(kill|murder|massacre)\s+(all|every)\b`,
			`\bviolent\s+revolution\b`,
			`\bblood\s+and\s+soil\b`,
		},
		CategoryExtremism: {
			`\b(white|black|any)\s+supremac(y|ist)\b`,
			`\bracial\s+war\b`,
			`\bday\s+of\s+the\s+rope\b`,
		},
	})
}

// Score runs the pattern rules over text. Pure and synchronous: every match
// adds a fixed increment to the total, capped at 100.
func (rs *RuleSet) Score(text string) *Analysis {
	var indicators []Indicator
	total := 0.0

	for _, rule := range rs.rules {
		for _, re := range rule.Patterns {
			if re.MatchString(text) {
				indicators = append(indicators, Indicator{
					Type:        string(rule.Category),
					Description: re.String(),
					Severity:    string(SeverityMedium),
				})
				total += matchSeverityIncrement
			}
		}
	}

	if total > 100 {
		total = 100
	}

	category := CategoryNormal
	switch {
	case total >= heuristicHighCutoff:
		category = CategoryHighRisk
	case total >= heuristicMediumCutoff:
		category = CategoryConcerning
	}

	confidence := confidenceNoMatch
	if len(indicators) > 0 {
		confidence = confidenceWithMatch
	}

	return &Analysis{
		RiskScore:   total,
		Category:    category,
		Indicators:  indicators,
		Explanation: fmt.Sprintf("Keyword analysis: %d patterns matched", len(indicators)),
		Confidence:  confidence,
		Method:      "heuristic",
	}
}
