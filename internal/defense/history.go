package defense

import (
	"strings"
	"unicode/utf8"

	"csec-tutor-engine/internal/llm"
)

// TruncateHistory keeps the last k user/assistant turns, each cut to maxChars
// runes. Turns with other roles or no content are dropped before counting.
func TruncateHistory(history []llm.ChatMessage, k, maxChars int) []llm.ChatMessage {
	if k <= 0 {
		return nil
	}

	kept := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(stripControlChars(m.Content))
		if content == "" {
			continue
		}
		kept = append(kept, llm.ChatMessage{Role: m.Role, Content: capRunes(content, maxChars)})
	}

	if len(kept) > k {
		kept = kept[len(kept)-k:]
	}
	return kept
}

func capRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
