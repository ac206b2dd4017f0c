package models

// ViewParams are the query options forwarded to a view.
type ViewParams struct {
	Key        any
	StartKey   any
	EndKey     any
	Limit      int
	Skip       int
	Descending bool
	// IncludeDocs is decided by the engine capability; callers need not set it.
	IncludeDocs bool
}

// ViewRow is one emitted row of a view query.
type ViewRow struct {
	ID    string   `json:"id"`
	Key   any      `json:"key"`
	Value any      `json:"value"`
	Doc   Document `json:"doc,omitempty"`
}

type ViewResult struct {
	TotalRows int       `json:"total_rows"`
	Offset    int       `json:"offset"`
	Rows      []ViewRow `json:"rows"`
}
