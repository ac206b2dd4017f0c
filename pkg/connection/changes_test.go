package connection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchlike/couchlike.go/internal/codec"
	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/models"
)

func decodeRow(t *testing.T, line string) connection.ChangeRow {
	t.Helper()
	var row connection.ChangeRow
	assert.NoError(t, codec.JSON{}.Unmarshal([]byte(line), &row))
	return row
}

func TestChangeRowEvent(t *testing.T) {
	row := decodeRow(t, `{"seq":12,"id":"doc1","changes":[{"rev":"2-a"},{"rev":"2-b"}],"doc":{"_id":"doc1","_rev":"2-a","_conflicts":["2-c"]}}`)
	assert.False(t, row.IsLast())

	ev := row.Event(false)
	assert.Equal(t, models.Sequence("12"), ev.Seq)
	assert.Equal(t, []string{"2-a", "2-b"}, ev.Revisions)
	assert.True(t, ev.IsConflict())

	ev = row.Event(true)
	assert.Equal(t, []string{"2-a", "2-c"}, ev.Revisions)
}

func TestChangeRowSyncMetadata(t *testing.T) {
	row := decodeRow(t, `{"seq":"7-g1AAAA","id":"doc2","deleted":true,"changes":[{"rev":"3-x"}],"doc":{"_sync":{"rev":"3-x"}}}`)
	ev := row.Event(true)
	assert.Equal(t, models.Sequence("7-g1AAAA"), ev.Seq)
	assert.True(t, ev.Deleted)
	assert.Equal(t, "doc2", ev.Doc.ID())
	assert.Equal(t, []string{"3-x"}, ev.Revisions)
	assert.False(t, ev.IsConflict())
}

func TestChangeRowLast(t *testing.T) {
	row := decodeRow(t, `{"last_seq":"42","pending":0}`)
	assert.True(t, row.IsLast())
}
