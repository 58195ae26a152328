package defense

import (
	"fmt"
	"regexp"
)

// DefaultRedirect is the reply used whenever input or output is filtered.
// It never says that a filter fired.
const DefaultRedirect = "Let's keep our focus on your CSEC studies. " +
	"Which subject or topic would you like to work on next?"

var disclosurePatterns = []string{
	`\bas\s+an?\s+(ai|artificial\s+intelligence)(\s+language)?\s+model\b`,
	`\bas\s+a\s+(large\s+)?language\s+model\b`,
	`\bi\s*(am|'m)\s+(just\s+)?an?\s+(ai|language\s+model|chatbot|llm)\b`,
	`\bmy\s+(system\s+)?(instructions|prompt|guidelines|programming)\b`,
	`\b(system|hidden|initial)\s+prompt\b`,
	`\bi\s+(was|have\s+been|am)\s+(instructed|programmed|told|configured)\s+to\b`,
	`\bmy\s+training\s+(data|cut-?off)\b`,
	`\b(openai|anthropic|gpt-?\d)\b`,
}

// OutputFilter replaces a model reply that discloses its own nature or
// instructions.
type OutputFilter struct {
	patterns []*regexp.Regexp
	redirect string
}

func NewOutputFilter(redirect string, extra []string) (*OutputFilter, error) {
	if redirect == "" {
		redirect = DefaultRedirect
	}
	f := &OutputFilter{redirect: redirect}
	for _, p := range append(append([]string{}, disclosurePatterns...), extra...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile disclosure pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Filter returns the reply unchanged, or the redirect with true when any
// pattern matches. A partial leak replaces the whole reply.
func (f *OutputFilter) Filter(reply string) (string, bool) {
	stripped := StripStructure(reply)
	for _, re := range f.patterns {
		if re.MatchString(stripped) || re.MatchString(reply) {
			return f.redirect, true
		}
	}
	return reply, false
}

// Redirect returns the configured redirect text.
func (f *OutputFilter) Redirect() string { return f.redirect }
