// Package pii detects and redacts personally identifiable information in
// text using an ordered pattern table. Credit card candidates are only
// reported when they pass the Luhn checksum, which filters out arbitrary
// digit runs. Redaction substitutes fixed placeholders of the form
// [REDACTED_<TYPE>]; placeholders contain nothing any pattern matches, so
// redaction is idempotent and later patterns never re-scan earlier
// replacements.
package pii

import (
	"regexp"
	"strings"
)

// Detected PII type labels.
const (
	TypeSSN        = "SSN"
	TypeCreditCard = "CREDIT_CARD"
	TypeEmail      = "EMAIL"
	TypePhone      = "PHONE"
	TypeIPAddress  = "IP_ADDRESS"
)

// Action selects what a scan does with its findings.
type Action string

const (
	// ActionRedact replaces findings with placeholders and allows the text.
	ActionRedact Action = "redact"
	// ActionBlock rejects the text outright when anything is found.
	ActionBlock Action = "block"
	// ActionLogOnly records findings without touching the text.
	ActionLogOnly Action = "log_only"
)

type pattern struct {
	re          *regexp.Regexp
	piiType     string
	replacement string
	// validate filters candidate matches; nil accepts everything.
	validate func(string) bool
}

// Order matters: SSNs are consumed before the credit card pattern can absorb
// their digits, and placeholders inserted by earlier patterns are inert for
// later ones.
var patterns = []pattern{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), TypeSSN, "[REDACTED_SSN]", nil},
	{regexp.MustCompile(`\b(?:\d[-\s]?){12,18}\d\b`), TypeCreditCard, "[REDACTED_CC]", luhnValid},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), TypeEmail, "[REDACTED_EMAIL]", nil},
	{regexp.MustCompile(`(?:\+1[-.\s])?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), TypePhone, "[REDACTED_PHONE]", nil},
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`), TypeIPAddress, "[REDACTED_IP]", nil},
}

type (
	// Scanner applies the pattern table with a configured action.
	Scanner struct {
		action Action
	}

	// Result reports one scan.
	Result struct {
		// Clean is true when nothing was found or the action lets the text
		// pass unmodified (log_only).
		Clean bool
		// Types lists the distinct PII types found, in table order.
		Types []string
		// Count is the total number of findings.
		Count int
		// Redacted is the substituted text; set only for ActionRedact when
		// something was found.
		Redacted string
	}
)

// NewScanner builds a Scanner for the given action. An unrecognized action
// behaves as log_only.
func NewScanner(action Action) *Scanner {
	switch action {
	case ActionRedact, ActionBlock, ActionLogOnly:
	default:
		action = ActionLogOnly
	}
	return &Scanner{action: action}
}

// Action returns the configured action.
func (s *Scanner) Action() Action { return s.action }

// Scan inspects text for PII. The result depends on the configured action:
// redact sets Redacted, block clears Clean, log_only reports findings while
// leaving Clean set.
func (s *Scanner) Scan(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Clean: true}
	}
	redacted, types, count := redact(text)
	if count == 0 {
		return Result{Clean: true}
	}
	switch s.action {
	case ActionBlock:
		return Result{Clean: false, Types: types, Count: count}
	case ActionRedact:
		return Result{Clean: false, Types: types, Count: count, Redacted: redacted}
	default:
		return Result{Clean: true, Types: types, Count: count}
	}
}

// RedactText substitutes placeholders for every finding regardless of the
// configured action. Applying it twice yields the same string as once.
func RedactText(text string) string {
	out, _, _ := redact(text)
	return out
}

func redact(text string) (string, []string, int) {
	var (
		types []string
		seen  = make(map[string]bool)
		count int
	)
	out := text
	for _, p := range patterns {
		matches := p.re.FindAllStringIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		var (
			b    strings.Builder
			prev int
			hit  bool
		)
		for _, loc := range matches {
			candidate := out[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(candidate) {
				continue
			}
			b.WriteString(out[prev:loc[0]])
			b.WriteString(p.replacement)
			prev = loc[1]
			count++
			hit = true
			if !seen[p.piiType] {
				seen[p.piiType] = true
				types = append(types, p.piiType)
			}
		}
		if !hit {
			continue
		}
		b.WriteString(out[prev:])
		out = b.String()
	}
	return out, types, count
}

// luhnValid reports whether the digits in s form a valid Luhn checksum:
// right-to-left, double every second digit, subtract 9 when the double
// exceeds 9, and accept iff the sum is divisible by 10. Requires 13–19
// digits per card network lengths.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := 0; i < len(digits); i++ {
		d := digits[len(digits)-1-i]
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
