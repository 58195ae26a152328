// Package store persists owner-scoped records on a primary backend with a
// structurally different fallback backend behind the same narrow port.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by a backend that has no record for the key.
	ErrNotFound = errors.New("record not found")

	// ErrStorageFailure is returned when neither backend accepted a write.
	ErrStorageFailure = errors.New("storage failure: primary and fallback rejected write")
)

// Collections used by the engine.
const (
	CollectionPlans    = "plans"
	CollectionProgress = "progress"
)

// ContentCollection namespaces cached content per kind (lesson, practice, exam).
func ContentCollection(kind string) string {
	return "content/" + kind
}

// Record is the unit stored by every backend. (Collection, OwnerID, ID)
// identifies a record; a Put for an existing key replaces the whole record.
type Record struct {
	Collection string          `json:"collection"`
	OwnerID    string          `json:"owner_id"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate checks the key fields every backend relies on.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Collection) == "" {
		return errors.New("collection is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("id is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// Backend is the port shared by primary and fallback stores. OwnerID may be
// empty for shared records.
type Backend interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, collection, ownerID, id string) (Record, error)
	List(ctx context.Context, collection, ownerID string) ([]Record, error)
	Delete(ctx context.Context, collection, ownerID, id string) error
}

// Origin names the backend that holds the returned copy of a record.
type Origin string

const (
	OriginPrimary  Origin = "primary"
	OriginFallback Origin = "fallback"
)

// Entity is a record together with its backend of record.
type Entity struct {
	Record
	BackendOfRecord Origin `json:"backend_of_record"`
}

// Decode unmarshals the payload into v.
func (e Entity) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", e.Collection, e.ID, err)
	}
	return nil
}

// recordKey is the flat key used by key-value backends.
func recordKey(collection, ownerID, id string) string {
	return collection + "\x00" + ownerID + "\x00" + id
}

func ownerPrefix(collection, ownerID string) string {
	return collection + "\x00" + ownerID + "\x00"
}
