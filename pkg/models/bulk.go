package models

// Row is one entry of a bulk get.
type Row struct {
	ID    string   `json:"id,omitempty"`
	Key   string   `json:"key,omitempty"`
	Doc   Document `json:"doc,omitempty"`
	Error string   `json:"error,omitempty"`
}

// BulkGetResult is the uniform envelope of every bulk get.
type BulkGetResult struct {
	Rows      []Row `json:"rows"`
	TotalRows int   `json:"total_rows"`
}

// Docs returns the non-nil documents of the result in row order.
func (r *BulkGetResult) Docs() []Document {
	if r == nil {
		return nil
	}
	docs := make([]Document, 0, len(r.Rows))
	for _, row := range r.Rows {
		if row.Doc != nil {
			docs = append(docs, row.Doc)
		}
	}
	return docs
}

// BulkResult is the per-document outcome of a bulk write, passed through from
// the engine. Callers inspect Error themselves.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Resolution describes a conflict to settle: every loser revision is retired
// and the winner, when present, is written unchanged.
type Resolution struct {
	Winner Document
	Losers []Document
}

// ResolvePolicy selects what happens to loser revisions.
type ResolvePolicy string

const (
	// ResolveTombstone replaces each loser with a bare `{_id, _rev, _deleted}` write.
	ResolveTombstone ResolvePolicy = "tombstone"
	// ResolveRetain keeps the loser body and marks it deleted.
	ResolveRetain ResolvePolicy = "retain"
)
