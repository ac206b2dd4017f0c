package direct_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/connection/direct"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/models"
)

func TestNormalize(t *testing.T) {
	doc := direct.Normalize(map[string]any{
		"name":  "x",
		"_sync": map[string]any{"rev": "3-abc", "sequence": float64(9)},
	}, "doc1")
	require.NotNil(t, doc)
	assert.Equal(t, "doc1", doc.ID())
	assert.Equal(t, "3-abc", doc.Rev())
	assert.NotContains(t, doc, "_sync")

	assert.Nil(t, direct.Normalize(map[string]any{"_sync": map[string]any{"rev": "2-a", "flags": float64(1)}}, "gone"))
	assert.Nil(t, direct.Normalize(map[string]any{"_sync": map[string]any{"rev": "2-a", "deleted": true}}, "gone"))
	assert.Nil(t, direct.Normalize(nil, "none"))
}

func TestKVErrorIsNotFound(t *testing.T) {
	err := &direct.KVError{ID: "x", Code: connection.KVKeyNotFound, Err: constants.ErrNotFound}
	assert.True(t, connection.IsNotFound(err))
	assert.True(t, connection.IsNotFound(errors.Join(errors.New("outer"), err)))
	assert.False(t, connection.IsNotFound(&direct.KVError{ID: "x", Code: 2, Err: errors.New("busy")}))
}

func TestIsMetadataID(t *testing.T) {
	assert.True(t, direct.IsMetadataID("_sync:seq"))
	assert.False(t, direct.IsMetadataID("doc1"))
}

func TestStoreBucket(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open("", "bucket")
	require.NoError(t, err)
	defer store.Close()

	rev, err := store.Put(ctx, models.Document{"_id": "a", "n": 1}, true)
	require.NoError(t, err)
	_, err = store.Delete(ctx, "a", rev)
	require.NoError(t, err)
	_, err = store.Put(ctx, models.Document{"_id": "b", "n": 2}, true)
	require.NoError(t, err)

	b := direct.NewStoreBucket(store)
	_, err = b.Get(ctx, "a")
	assert.True(t, connection.IsNotFound(err))

	doc, err := b.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", doc.ID())

	res, err := b.GetMulti(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "not_found", res.Rows[0].Error)
	assert.Equal(t, "b", res.Rows[1].Doc.ID())
	assert.Equal(t, "not_found", res.Rows[2].Error)
	assert.NoError(t, b.Close())
}

func TestNormalizeEnvelope(t *testing.T) {
	doc := direct.Normalize(map[string]any{
		"json": map[string]any{"n": float64(1)},
		"meta": map[string]any{"id": "doc9"},
	}, "")
	require.NotNil(t, doc)
	assert.Equal(t, "doc9", doc.ID())
	assert.Equal(t, float64(1), doc["n"])
}
