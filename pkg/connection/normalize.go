package connection

import (
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// NormalizeDocument stamps a missing `_id` with id and folds `_sync.rev`
// into `_rev`. It modifies doc in place and returns it.
func NormalizeDocument(doc models.Document, id string) models.Document {
	if doc == nil {
		return nil
	}
	if doc.ID() == "" {
		doc[constants.FieldID] = id
	}
	if sync, ok := doc[constants.FieldSync].(map[string]any); ok {
		if rev, ok := sync["rev"].(string); ok {
			doc[constants.FieldRev] = rev
		}
		delete(doc, constants.FieldSync)
	}
	return doc
}

// NormalizeGetResponse turns a decoded point-read response into documents.
//
// A `{value: ...}` envelope is unwrapped. An array is read as an open_revs
// listing of `{ok: doc}` entries, whose deleted leaves are dropped. A single
// tombstone yields no document.
func NormalizeGetResponse(raw any, id string) []models.Document {
	if m, ok := raw.(map[string]any); ok {
		if v, ok := m["value"]; ok && len(m) <= 2 {
			if _, hasCas := m["cas"]; hasCas || len(m) == 1 {
				raw = v
			}
		}
	}
	switch v := raw.(type) {
	case []any:
		docs := make([]models.Document, 0, len(v))
		for _, entry := range v {
			row, _ := entry.(map[string]any)
			leaf, ok := row["ok"].(map[string]any)
			if !ok {
				continue
			}
			doc := models.Document(leaf)
			if doc.Deleted() {
				continue
			}
			docs = append(docs, NormalizeDocument(doc, id))
		}
		return docs
	case map[string]any:
		doc := models.Document(v)
		if doc.Deleted() {
			return nil
		}
		return []models.Document{NormalizeDocument(doc, id)}
	case models.Document:
		return NormalizeGetResponse(map[string]any(v), id)
	}
	return nil
}
