package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

// normalizeStructured checks that raw is a JSON object carrying a non-empty
// "questions" array. A surrounding markdown code fence is removed first.
// It returns the compact JSON and true on success.
func normalizeStructured(raw string) (string, bool) {
	body := stripFence(raw)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "", false
	}
	var questions []json.RawMessage
	if err := json.Unmarshal(doc["questions"], &questions); err != nil || len(questions) == 0 {
		return "", false
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the info string ("json") up to the first newline.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

type placeholderQuestion struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}

type placeholderDoc struct {
	Subject   string                `json:"subject"`
	Topic     string                `json:"topic"`
	Kind      Kind                  `json:"kind"`
	Degraded  bool                  `json:"degraded"`
	Message   string                `json:"message"`
	Questions []placeholderQuestion `json:"questions"`
}

// placeholder is the degraded question set served when a model returns
// malformed structured output. It is valid for the same consumers.
func placeholder(req Request) string {
	doc := placeholderDoc{
		Subject:  req.SubjectID,
		Topic:    req.TopicID,
		Kind:     req.Kind,
		Degraded: true,
		Message:  "We could not prepare this set right now. Try again in a moment.",
		Questions: []placeholderQuestion{{
			Prompt:  fmt.Sprintf("Summarise the key idea of %s in %s in two sentences.", req.TopicID, req.SubjectID),
			Options: []string{},
			Answer:  "",
		}},
	}
	out, _ := json.Marshal(doc)
	return string(out)
}
