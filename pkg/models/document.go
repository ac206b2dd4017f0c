package models

import (
	"strings"

	"github.com/couchlike/couchlike.go/pkg/constants"
)

// Document is a schemaless document as exchanged with every engine.
// The reserved fields are `_id`, `_rev`, `_deleted` and `_conflicts`.
type Document map[string]any

// ID returns the document id or "" when absent or not a string.
func (d Document) ID() string {
	id, _ := d[constants.FieldID].(string)
	return id
}

// Rev returns the document revision or "".
func (d Document) Rev() string {
	rev, _ := d[constants.FieldRev].(string)
	return rev
}

func (d Document) SetRev(rev string) {
	d[constants.FieldRev] = rev
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	deleted, _ := d[constants.FieldDeleted].(bool)
	return deleted
}

// Conflicts returns the losing leaf revisions reported with the document.
func (d Document) Conflicts() []string {
	raw, ok := d[constants.FieldConflicts]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		revs := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				revs = append(revs, s)
			}
		}
		return revs
	}
	return nil
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Tombstone returns the minimal deletion write for the document's revision.
func (d Document) Tombstone() Document {
	return Document{
		constants.FieldID:      d.ID(),
		constants.FieldRev:     d.Rev(),
		constants.FieldDeleted: true,
	}
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, constants.LocalPrefix)
}

func IsDesignID(id string) bool {
	return strings.HasPrefix(id, constants.DesignPrefix)
}

func IsUserID(id string) bool {
	return strings.HasPrefix(id, constants.UserPrefix)
}

func IsRoleID(id string) bool {
	return strings.HasPrefix(id, constants.RolePrefix)
}

// IsSpecialID reports whether id names a non-ordinary document that bypasses
// the normal read paths.
func IsSpecialID(id string) bool {
	return IsLocalID(id) || IsDesignID(id) || IsUserID(id) || IsRoleID(id)
}

// RevGeneration returns the numeric prefix of a "N-hash" revision, or 0.
func RevGeneration(rev string) int {
	n := 0
	for i := 0; i < len(rev); i++ {
		c := rev[i]
		if c == '-' {
			return n
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return 0
}
