// Package study keeps learners' study plans and progress records on the
// dual-backend store.
package study

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"csec-tutor-engine/internal/content"
	"csec-tutor-engine/internal/store"
)

// ErrInvalid wraps payload validation failures.
var ErrInvalid = errors.New("invalid study record")

type Plan struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Subject     string    `json:"subject" validate:"required,max=120"`
	Topics      []string  `json:"topics" validate:"max=100,dive,required,max=200"`
	TargetGrade string    `json:"target_grade,omitempty" validate:"omitempty,oneof=I II III IV V VI"`
	ExamDate    string    `json:"exam_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Progress struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Subject          string    `json:"subject" validate:"required,max=120"`
	Topic            string    `json:"topic" validate:"required,max=200"`
	LessonsCompleted int       `json:"lessons_completed" validate:"gte=0"`
	PracticeScore    *float64  `json:"practice_score,omitempty" validate:"omitempty,gte=0,lte=100"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Saved pairs a record with the backend that accepted it.
type Saved[T any] struct {
	Value           T            `json:"value"`
	BackendOfRecord store.Origin `json:"backend_of_record"`
}

// Store is the part of store.Dual the service uses.
type Store interface {
	SaveJSON(ctx context.Context, collection, ownerID, id string, payload any) (store.Entity, error)
	Fetch(ctx context.Context, collection, ownerID, id string) (store.Entity, error)
	List(ctx context.Context, collection, ownerID string) ([]store.Entity, error)
}

type Service struct {
	store    Store
	validate *validator.Validate
	now      func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, validate: validator.New(), now: time.Now}
}

// SavePlan creates or replaces a plan. An empty ID creates a new plan.
func (s *Service) SavePlan(ctx context.Context, ownerID string, p Plan) (Saved[Plan], error) {
	p.Subject = content.NormalizeSubject(p.Subject)
	topics := make([]string, 0, len(p.Topics))
	for _, t := range p.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	p.Topics = topics
	p.TargetGrade = strings.ToUpper(strings.TrimSpace(p.TargetGrade))

	if err := s.validate.Struct(p); err != nil {
		return Saved[Plan]{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	now := s.now().UTC()
	p.OwnerID = ownerID
	p.CreatedAt = now
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if prev, err := s.GetPlan(ctx, ownerID, p.ID); err == nil {
		p.CreatedAt = prev.Value.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return Saved[Plan]{}, err
	}
	p.UpdatedAt = now

	ent, err := s.store.SaveJSON(ctx, store.CollectionPlans, ownerID, p.ID, p)
	if err != nil {
		return Saved[Plan]{}, err
	}
	return Saved[Plan]{Value: p, BackendOfRecord: ent.BackendOfRecord}, nil
}

func (s *Service) GetPlan(ctx context.Context, ownerID, id string) (Saved[Plan], error) {
	ent, err := s.store.Fetch(ctx, store.CollectionPlans, ownerID, id)
	if err != nil {
		return Saved[Plan]{}, err
	}
	var p Plan
	if err := ent.Decode(&p); err != nil {
		return Saved[Plan]{}, err
	}
	return Saved[Plan]{Value: p, BackendOfRecord: ent.BackendOfRecord}, nil
}

// ListPlans returns the owner's plans from both backends, newest first.
func (s *Service) ListPlans(ctx context.Context, ownerID string) ([]Saved[Plan], error) {
	return list[Plan](ctx, s.store, store.CollectionPlans, ownerID)
}

// RecordProgress upserts the progress record for (subject, topic). The
// record id is derived from the pair so repeated updates replace it.
func (s *Service) RecordProgress(ctx context.Context, ownerID string, p Progress) (Saved[Progress], error) {
	p.Subject = content.NormalizeSubject(p.Subject)
	p.Topic = strings.TrimSpace(p.Topic)
	if err := s.validate.Struct(p); err != nil {
		return Saved[Progress]{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	p.OwnerID = ownerID
	p.ID = progressID(p.Subject, p.Topic)
	p.UpdatedAt = s.now().UTC()

	ent, err := s.store.SaveJSON(ctx, store.CollectionProgress, ownerID, p.ID, p)
	if err != nil {
		return Saved[Progress]{}, err
	}
	return Saved[Progress]{Value: p, BackendOfRecord: ent.BackendOfRecord}, nil
}

func (s *Service) ListProgress(ctx context.Context, ownerID string) ([]Saved[Progress], error) {
	return list[Progress](ctx, s.store, store.CollectionProgress, ownerID)
}

// progressID is a stable name-based UUID for (subject, topic).
func progressID(subject, topic string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("progress:"+strings.ToLower(subject)+"\x00"+strings.ToLower(topic))).String()
}

func list[T any](ctx context.Context, st Store, collection, ownerID string) ([]Saved[T], error) {
	ents, err := st.List(ctx, collection, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]Saved[T], 0, len(ents))
	for _, e := range ents {
		var v T
		if err := e.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, e.ID, err)
		}
		out = append(out, Saved[T]{Value: v, BackendOfRecord: e.BackendOfRecord})
	}
	return out, nil
}
