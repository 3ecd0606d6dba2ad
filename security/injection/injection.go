// Package injection scores text for prompt-injection attempts using a fixed
// table of weighted patterns. Scoring is cumulative: each distinct pattern
// that matches contributes its weight exactly once, the total is capped at
// 1.0, and the request is blocked when the capped total reaches the
// configured threshold. Binary matching was rejected because benign prompts
// containing words like "ignore" trip single patterns; stacking requires an
// attacker to combine techniques.
package injection

import (
	"math"
	"regexp"
	"strings"
)

// Pattern categories. Weights per pattern stay inside the band documented
// for the category.
const (
	CategoryInstructionOverride = "instruction_override"
	CategoryRoleManipulation    = "role_manipulation"
	CategoryDelimiterInjection  = "delimiter_injection"
	CategoryContextManipulation = "context_manipulation"
)

// DefaultThreshold is the score at which a request-side scan denies.
const DefaultThreshold = 0.7

type pattern struct {
	id       string
	category string
	weight   float64
	re       *regexp.Regexp
}

// The pattern table is the contract: 20 patterns across four categories.
// Tests pin both the ids and the weights.
var patterns = []pattern{
	// Instruction override (0.3–0.5)
	{"ignore_previous", CategoryInstructionOverride, 0.5,
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`)},
	{"disregard_previous", CategoryInstructionOverride, 0.5,
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|prompts|rules|programming)`)},
	{"forget_previous", CategoryInstructionOverride, 0.5,
		regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions|rules|context|programming)`)},
	{"do_not_follow", CategoryInstructionOverride, 0.5,
		regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|any|the)\s+(previous|prior|original)\s+(instructions|rules)`)},
	{"override_rules", CategoryInstructionOverride, 0.4,
		regexp.MustCompile(`(?i)override\s+(your|all|the)\s+(instructions|rules|guidelines|programming)`)},
	{"new_instructions", CategoryInstructionOverride, 0.3,
		regexp.MustCompile(`(?i)new\s+instructions?\s*:`)},

	// Role manipulation (0.4–0.7)
	{"you_are_now", CategoryRoleManipulation, 0.4,
		regexp.MustCompile(`(?i)you\s+are\s+now\s+`)},
	{"act_as_unrestricted", CategoryRoleManipulation, 0.5,
		regexp.MustCompile(`(?i)act\s+as\s+(an?\s+)?(unrestricted|unfiltered|uncensored|evil)`)},
	{"pretend_unrestricted", CategoryRoleManipulation, 0.5,
		regexp.MustCompile(`(?i)pretend\s+(you'?re?|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered|different\s+ai)`)},
	{"dan_persona", CategoryRoleManipulation, 0.6,
		regexp.MustCompile(`(?i)\bDAN\s*(mode)?\b`)},
	{"jailbreak", CategoryRoleManipulation, 0.7,
		regexp.MustCompile(`(?i)jailbreak`)},
	{"developer_mode", CategoryRoleManipulation, 0.5,
		regexp.MustCompile(`(?i)developer\s+mode\s+(enabled|on|activated)`)},

	// Delimiter injection (0.3–0.6)
	{"chat_template_token", CategoryDelimiterInjection, 0.6,
		regexp.MustCompile(`(?i)<\|?(system|im_start|im_end|endoftext)\|?>`)},
	{"system_tag", CategoryDelimiterInjection, 0.4,
		regexp.MustCompile(`(?i)\[SYSTEM\]`)},
	{"heading_system", CategoryDelimiterInjection, 0.3,
		regexp.MustCompile(`(?i)#{3,}\s*(system|instruction|prompt)`)},
	{"fenced_system", CategoryDelimiterInjection, 0.3,
		regexp.MustCompile("(?i)```\\s*(system|instruction)")},

	// Context manipulation (0.5–0.6)
	{"respond_unrestricted", CategoryContextManipulation, 0.5,
		regexp.MustCompile(`(?i)(respond|answer|reply)\s+(without|with\s+no)\s+(restrictions|limits|filters|guidelines)`)},
	{"no_ethical_guidelines", CategoryContextManipulation, 0.5,
		regexp.MustCompile(`(?i)no\s+(ethical|moral|safety)\s+(guidelines|restrictions|filters|limits)`)},
	{"bypass_restrictions", CategoryContextManipulation, 0.6,
		regexp.MustCompile(`(?i)bypass\s+(your|all|the|any)\s+(restrictions|filters|safety|guidelines)`)},
	{"unrestricted_mode", CategoryContextManipulation, 0.5,
		regexp.MustCompile(`(?i)enable\s+(unrestricted|unfiltered|uncensored)\s+mode`)},
}

type (
	// Scorer evaluates text against the pattern table. The zero value is not
	// usable; construct with NewScorer.
	Scorer struct {
		threshold float64
	}

	// Result reports the outcome of one scan.
	Result struct {
		// Score is the cumulative weight of distinct matched patterns, capped
		// at 1.0. Always in [0, 1].
		Score float64
		// Blocked reports whether Score reached the threshold.
		Blocked bool
		// Patterns lists the ids of matched patterns in table order.
		Patterns []string
		// Categories lists the distinct categories of matched patterns in
		// table order.
		Categories []string
	}
)

// NewScorer builds a Scorer. A non-positive threshold falls back to
// DefaultThreshold.
func NewScorer(threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{threshold: threshold}
}

// Scan scores the given text. Empty or whitespace-only input scores zero.
// Each pattern contributes its weight at most once regardless of how many
// times it matches.
func (s *Scorer) Scan(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	var (
		total   float64
		matched []string
		cats    []string
		seen    = make(map[string]bool)
	)
	for _, p := range patterns {
		if !p.re.MatchString(text) {
			continue
		}
		total += p.weight
		matched = append(matched, p.id)
		if !seen[p.category] {
			seen[p.category] = true
			cats = append(cats, p.category)
		}
	}
	score := math.Round(math.Min(total, 1.0)*100) / 100
	return Result{
		Score:      score,
		Blocked:    score >= s.threshold,
		Patterns:   matched,
		Categories: cats,
	}
}

// PatternCount returns the size of the pattern table. Exposed for tests that
// pin the table contract.
func PatternCount() int { return len(patterns) }
