// Package defense guards the conversational endpoint: rate limiting, input
// sanitization, history truncation and output filtering.
package defense

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Verdict is the sanitizer's decision on one message.
type Verdict int

const (
	Accepted Verdict = iota
	TooLong
	TooShort
	InjectionDetected
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case TooLong:
		return "too_long"
	case TooShort:
		return "too_short"
	case InjectionDetected:
		return "injection"
	default:
		return "unknown"
	}
}

// Check is the outcome of Sanitizer.Check.
type Check struct {
	// Clean is the message with control characters removed and whitespace
	// trimmed. It is what gets forwarded to the model.
	Clean string
	// Stripped is Clean with markup removed; patterns are matched on it.
	Stripped string
	Verdict  Verdict
	// Pattern is the expression that matched. Never shown to users.
	Pattern string
}

type SanitizerConfig struct {
	MaxChars      int      // default 500
	MinChars      int      // default 2
	ExtraPatterns []string // case-insensitive regular expressions
}

// Sanitizer applies the length bounds and the injection pattern list.
type Sanitizer struct {
	maxChars int
	minChars int
	patterns []*regexp.Regexp
}

// injectionPatterns are matched case-insensitively against the raw, the
// entity-decoded and the stripped text.
var injectionPatterns = []string{
	// Instruction override.
	`ignore\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|prompts?|rules?|messages?|directions?)`,
	`disregard\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|your)\s+`,
	`forget\s+(all\s+|everything\s+)?(previous|prior|above|your)\s+(instructions?|context|rules?)`,
	`override\s+(your|the|all)\s+(instructions?|rules?|guidelines?|settings?)`,
	`new\s+(instructions?|rules?)\s*:`,
	// Role manipulation.
	`you\s+are\s+now\s+(a|an|the|my)\s+`,
	`act\s+as\s+(a|an|the)\s+(system|admin|root|developer|unrestricted|jailbroken)`,
	`pretend\s+(you\s+are|to\s+be)\s+(a|an|the)\s+`,
	`\b(jailbreak|jailbroken|dan\s+mode|developer\s+mode|god\s+mode)\b`,
	`\bdo\s+anything\s+now\b`,
	// Prompt extraction.
	`(show|reveal|print|output|display|repeat|tell\s+me)\s+(me\s+)?(your|the)\s+(system|hidden|initial|original)\s+(prompt|instructions)`,
	`(show|reveal|print|output|display|repeat|tell\s+me)\s+(me\s+)?your\s+(instructions|rules|prompt)`,
	`what\s+(are|is|were)\s+your\s+(system\s+prompt|instructions|rules|initial\s+prompt)`,
	// Delimiter injection.
	`</?system>`,
	`\[/?INST\]`,
	`<</?SYS>>`,
	`<\|im_(start|end)\|>`,
	`(^|\n)\s*(system|assistant)\s*:`,
}

// NewSanitizer compiles the built-in and extra patterns.
func NewSanitizer(cfg SanitizerConfig) (*Sanitizer, error) {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 500
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 2
	}

	s := &Sanitizer{maxChars: cfg.MaxChars, minChars: cfg.MinChars}
	for _, p := range append(append([]string{}, injectionPatterns...), cfg.ExtraPatterns...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile injection pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// MaxChars returns the configured upper bound.
func (s *Sanitizer) MaxChars() int { return s.maxChars }

// Check runs the length check, strips structure and matches patterns, in
// that order. It has no side effects.
func (s *Sanitizer) Check(input string) Check {
	clean := strings.TrimSpace(stripControlChars(strings.ToValidUTF8(input, "")))
	c := Check{Clean: clean}

	n := utf8.RuneCountInString(clean)
	switch {
	case n > s.maxChars:
		c.Verdict = TooLong
		return c
	case meaningfulLen(clean) < s.minChars:
		c.Verdict = TooShort
		return c
	}

	return s.match(c)
}

// CheckTurn matches patterns against a prior conversation turn. Length
// bounds do not apply; history turns are capped separately.
func (s *Sanitizer) CheckTurn(input string) Check {
	return s.match(Check{Clean: strings.TrimSpace(stripControlChars(strings.ToValidUTF8(input, "")))})
}

func (s *Sanitizer) match(c Check) Check {
	c.Stripped = StripStructure(c.Clean)
	// Delimiters like <system> only survive in the unstripped forms.
	forms := []string{c.Stripped, c.Clean, html.UnescapeString(zeroWidth.Replace(c.Clean))}
	for _, re := range s.patterns {
		if matchAny(re, forms) {
			c.Verdict = InjectionDetected
			c.Pattern = re.String()
			return c
		}
	}
	c.Verdict = Accepted
	return c
}

func matchAny(re *regexp.Regexp, forms []string) bool {
	for _, f := range forms {
		if re.MatchString(f) {
			return true
		}
	}
	return false
}

// meaningfulLen counts letters and digits.
func meaningfulLen(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

var (
	fenceRe    = regexp.MustCompile("```[a-zA-Z0-9_+-]*")
	imageRe    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRe     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	refLinkRe  = regexp.MustCompile(`(?m)^\s*\[[^\]]+\]:\s*\S+.*$`)
	tagRe      = regexp.MustCompile(`<[^<>]{0,200}>`)
	emphasisRe = regexp.MustCompile("[*_~`]+")
	headingRe  = regexp.MustCompile(`(?m)^\s{0,3}(#{1,6}|>+)\s*`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// zeroWidth are invisible runes that can split a phrase without changing
// how it reads.
var zeroWidth = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "", "\ufeff", "", "\u00ad", "",
)

// StripStructure removes markup syntax (code fences, HTML tags, markdown
// links, images, emphasis and headings) but keeps the text inside it, then
// collapses whitespace.
func StripStructure(s string) string {
	s = zeroWidth.Replace(s)
	s = html.UnescapeString(s)
	s = fenceRe.ReplaceAllString(s, " ")
	s = imageRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = refLinkRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = headingRe.ReplaceAllString(s, "")
	s = emphasisRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// stripControlChars removes control characters except \n, \r and \t.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
