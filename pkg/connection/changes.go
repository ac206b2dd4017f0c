package connection

import (
	"strconv"

	"github.com/couchlike/couchlike.go/pkg/models"
)

// ChangeRow is one entry of a CouchDB style `_changes` response, as sent by
// continuous and websocket feeds.
type ChangeRow struct {
	Seq     any             `json:"seq"`
	ID      string          `json:"id"`
	Changes []ChangeRev     `json:"changes"`
	Deleted bool            `json:"deleted"`
	Doc     models.Document `json:"doc"`
	// LastSeq is only set on the final line of a closing feed.
	LastSeq any `json:"last_seq"`
}

// ChangeRev names one leaf revision of a change row.
type ChangeRev struct {
	Rev string `json:"rev"`
}

// IsLast reports whether the row is the closing last_seq marker.
func (r ChangeRow) IsLast() bool {
	return r.LastSeq != nil && r.ID == ""
}

// Event converts the row. With revsFromDoc the leaf revisions are read from
// the included document's `_rev` and `_conflicts` instead of the changes
// list, which on CouchDB also names deleted leaves.
func (r ChangeRow) Event(revsFromDoc bool) models.ChangeEvent {
	ev := models.ChangeEvent{
		Seq:     SequenceOf(r.Seq),
		ID:      r.ID,
		Deleted: r.Deleted,
	}
	if r.Doc != nil {
		ev.Doc = NormalizeDocument(r.Doc, r.ID)
	}
	if revsFromDoc && ev.Doc != nil && ev.Doc.Rev() != "" {
		ev.Revisions = append([]string{ev.Doc.Rev()}, ev.Doc.Conflicts()...)
		return ev
	}
	for _, c := range r.Changes {
		ev.Revisions = append(ev.Revisions, c.Rev)
	}
	return ev
}

// SequenceOf renders a decoded sequence, numeric or opaque string.
func SequenceOf(raw any) models.Sequence {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return models.Sequence(v)
	case float64:
		return models.Sequence(strconv.FormatFloat(v, 'f', -1, 64))
	case int64:
		return models.Sequence(strconv.FormatInt(v, 10))
	case int:
		return models.Sequence(strconv.Itoa(v))
	}
	return ""
}
