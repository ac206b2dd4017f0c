package models

// Sequence is an opaque change-feed position. "0" starts from the beginning.
type Sequence string

const SequenceStart Sequence = "0"

// ChangeEvent is one entry of a change feed.
type ChangeEvent struct {
	Seq     Sequence `json:"seq"`
	ID      string   `json:"id"`
	Deleted bool     `json:"deleted,omitempty"`
	// Doc is nil when the engine did not include the body.
	Doc Document `json:"doc,omitempty"`
	// Revisions lists the leaf revisions reported for the change. More than one
	// entry means the document is in conflict.
	Revisions []string `json:"revisions,omitempty"`
}

// IsConflict reports whether the change carries more than one leaf revision.
func (c ChangeEvent) IsConflict() bool {
	return len(c.Revisions) > 1
}
