package content

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"csec-tutor-engine/internal/cache"
	"csec-tutor-engine/internal/store"
)

var (
	// ErrNotAvailable is the cache-only outcome when no valid entry exists.
	ErrNotAvailable = errors.New("content not available")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid content request")
)

type Kind string

const (
	KindLesson   Kind = "lesson"
	KindPractice Kind = "practice"
	KindExam     Kind = "exam"
)

// Structured kinds must come back as a JSON question set.
func (k Kind) Structured() bool {
	return k == KindPractice || k == KindExam
}

type Scope string

const (
	ScopeCommon       Scope = "common"
	ScopePersonalized Scope = "personalized"
)

// Request asks for one piece of generated study material.
type Request struct {
	SubjectID        string   `json:"subject_id" validate:"required,max=120"`
	TopicID          string   `json:"topic_id" validate:"required,max=200"`
	Kind             Kind     `json:"kind" validate:"required,oneof=lesson practice exam"`
	Scope            Scope    `json:"scope" validate:"omitempty,oneof=common personalized"`
	OwnerID          string   `json:"-" validate:"max=128"`
	Profile          *Profile `json:"profile,omitempty"`
	ContextSignature string   `json:"context_signature" validate:"max=128"`
	ForceRegenerate  bool     `json:"force_regenerate"`
	CacheOnly        bool     `json:"cache_only"`
}

var validate = validator.New()

// normalize validates r and applies the scope rules: no owner means common
// scope, and common entries never carry an owner or a learner profile.
func (r Request) normalize() (Request, error) {
	r.SubjectID = NormalizeSubject(r.SubjectID)
	r.TopicID = strings.TrimSpace(r.TopicID)
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	r.Kind = Kind(strings.ToLower(strings.TrimSpace(string(r.Kind))))
	r.Scope = Scope(strings.ToLower(strings.TrimSpace(string(r.Scope))))

	if err := validate.Struct(r); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	switch {
	case r.OwnerID == "":
		r.Scope = ScopeCommon
	case r.Scope == "":
		r.Scope = ScopePersonalized
	case r.Scope == ScopeCommon:
		r.OwnerID = ""
	}
	if r.Scope == ScopeCommon {
		r.Profile = nil
	}

	if r.ContextSignature == "" && r.Profile != nil {
		r.ContextSignature = Signature(*r.Profile)
	}
	return r, nil
}

func (r Request) key() cache.EntryKey {
	return cache.EntryKey{
		Kind:      string(r.Kind),
		SubjectID: r.SubjectID,
		TopicID:   r.TopicID,
		Scope:     string(r.Scope),
		OwnerID:   r.OwnerID,
	}
}

// Entry is the live cached content for one key.
type Entry struct {
	SubjectID        string    `json:"subject_id"`
	TopicID          string    `json:"topic_id"`
	Kind             Kind      `json:"kind"`
	Scope            Scope     `json:"scope"`
	OwnerID          string    `json:"owner_id,omitempty"`
	Content          string    `json:"content"`
	ModelUsed        string    `json:"model_used"`
	IsFallback       bool      `json:"is_fallback"`
	PromptVersion    string    `json:"prompt_version"`
	ContextSignature string    `json:"context_signature"`
	CreatedAt        time.Time `json:"created_at"`
}

// Result is what Resolve hands back to callers.
type Result struct {
	Content         string       `json:"content"`
	Model           string       `json:"model"`
	IsFallback      bool         `json:"is_fallback"`
	Cached          bool         `json:"cached"`
	Persisted       bool         `json:"persisted"`
	Degraded        bool         `json:"degraded,omitempty"`
	BackendOfRecord store.Origin `json:"backend_of_record,omitempty"`
}
