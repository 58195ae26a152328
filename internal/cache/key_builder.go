package cache

import (
	"fmt"
	"net/url"
	"strings"
)

// EntryKey identifies one live content entry.
type EntryKey struct {
	Kind      string
	SubjectID string
	TopicID   string
	Scope     string
	OwnerID   string // empty for common scope
}

// String converts the structured key into the final string used in Redis/map.
func (k EntryKey) String() string {
	// entry:<KIND>:<SUBJECT>:<TOPIC>:<SCOPE>:<OWNER>
	return fmt.Sprintf("entry:%s:%s:%s:%s:%s",
		escape(k.Kind), escape(k.SubjectID), escape(k.TopicID), escape(k.Scope), escape(k.OwnerID))
}

// ID is the record id of the entry inside its owner's content collection.
func (k EntryKey) ID() string {
	return escape(k.SubjectID) + ":" + escape(k.TopicID) + ":" + escape(k.Scope)
}

// ParseEntryKey reverses EntryKey.String.
func ParseEntryKey(s string) (EntryKey, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 || parts[0] != "entry" {
		return EntryKey{}, false
	}
	vals := make([]string, 5)
	for i, p := range parts[1:] {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return EntryKey{}, false
		}
		vals[i] = v
	}
	return EntryKey{
		Kind:      vals[0],
		SubjectID: vals[1],
		TopicID:   vals[2],
		Scope:     vals[3],
		OwnerID:   vals[4],
	}, true
}

// escape keeps ':' out of key segments so subject or topic names with colons
// cannot collide with another key.
func escape(s string) string {
	return url.QueryEscape(strings.TrimSpace(s))
}
