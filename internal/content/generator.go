package content

import (
	"fmt"
	"strings"

	"csec-tutor-engine/internal/llm"
	"csec-tutor-engine/internal/tier"
)

var systemPrompts = map[Kind]string{
	KindLesson: "You are a CSEC tutor. Write a clear, well structured lesson for a " +
		"secondary school student.",
	KindPractice: "You are a CSEC tutor. Reply with a single JSON object of the form " +
		`{"questions":[{"prompt":"","options":[],"answer":""}]} and nothing else.`,
	KindExam: "You are a CSEC examiner. Reply with a single JSON object of the form " +
		`{"questions":[{"prompt":"","options":[],"answer":"","marks":0}]} and nothing else.`,
}

// LLMGenerator renders the generation prompt from the request and sends it
// to an llm.Client.
type LLMGenerator struct {
	Client llm.Client
	Params llm.Params
}

func (g LLMGenerator) Operation(req Request) tier.Operation {
	return llm.Operation(g.Client, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: systemPrompts[req.Kind]},
		{Role: llm.RoleUser, Content: UserPrompt(req)},
	}, g.Params)
}

// UserPrompt is the user turn for req. The learner profile is only
// rendered for personalized requests.
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\nTopic: %s\n", req.SubjectID, req.TopicID)
	if p := req.Profile; p != nil && req.Scope == ScopePersonalized {
		if g := strings.TrimSpace(p.TargetGrade); g != "" {
			fmt.Fprintf(&b, "Target grade: %s\n", g)
		}
		var weak []string
		for _, w := range p.Weaknesses {
			if w = strings.TrimSpace(w); w != "" {
				weak = append(weak, w)
			}
		}
		if len(weak) > 0 {
			fmt.Fprintf(&b, "Focus on weaknesses: %s\n", strings.Join(weak, ", "))
		}
		if d := strings.TrimSpace(p.Difficulty); d != "" {
			fmt.Fprintf(&b, "Difficulty: %s\n", d)
		}
	}
	fmt.Fprintf(&b, "Produce the %s.", req.Kind)
	return b.String()
}
