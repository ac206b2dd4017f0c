package couchlike

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchlike/couchlike.go/internal/fakecouch"
	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/connection/couchdb"
	"github.com/couchlike/couchlike.go/pkg/connection/direct"
	"github.com/couchlike/couchlike.go/pkg/connection/gateway"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/logger"
	"github.com/couchlike/couchlike.go/pkg/models"
)

func openGateway(t *testing.T, threshold int) (*DB, *fakecouch.Server) {
	t.Helper()
	server := startServer(t, fakecouch.FlavorSyncGateway)
	u, err := url.Parse(server.DatabaseURL() + "?type=couchbaseSyncGateway")
	require.NoError(t, err)
	c, err := connection.NewConfig(u)
	require.NoError(t, err)
	c.BulkThreshold = threshold

	db, err := New(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db, server
}

func seed(t *testing.T, db *DB, ids ...string) {
	t.Helper()
	docs := make([]models.Document, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, models.Document{"_id": id, "name": id})
	}
	_, err := db.BulkSet(context.Background(), docs)
	require.NoError(t, err)
}

func TestBulkGetFansOutUpToThreshold(t *testing.T) {
	db, server := openGateway(t, 3)
	seed(t, db, "a", "b", "c", "d")
	ctx := context.Background()

	res, err := db.BulkGet(ctx, []string{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, server.Count("get"))
	assert.Zero(t, server.Count("all_docs"))
	require.Len(t, res.Rows, 3)
	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, "c", res.Rows[0].ID)
	assert.Equal(t, "a", res.Rows[1].Doc.ID())
	assert.Equal(t, "b", res.Rows[2].Key)

	server.ResetCounts()
	res, err = db.BulkGet(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Zero(t, server.Count("get"))
	assert.Equal(t, 1, server.Count("all_docs"))
	assert.Len(t, res.Docs(), 4)
}

func TestBulkGetFanOutStripsMissingAndDeleted(t *testing.T) {
	db, server := openGateway(t, 3)
	seed(t, db, "a", "b")
	ctx := context.Background()
	require.NoError(t, db.Remove(ctx, "b"))

	server.ResetCounts()
	res, err := db.BulkGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 3, server.Count("get"))
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.TotalRows)
	assert.Equal(t, "a", res.Rows[0].ID)
}

func TestBulkGetDefaultThresholdIsOne(t *testing.T) {
	db, server := openGateway(t, 0)
	seed(t, db, "a", "b")
	ctx := context.Background()

	_, err := db.BulkGet(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, server.Count("get"))

	_, err = db.BulkGet(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, server.Count("all_docs"))
}

func TestBulkGetRejectsEmptyIDs(t *testing.T) {
	db, server := openGateway(t, 1)
	_, err := db.BulkGet(context.Background(), []string{"a", ""})
	assert.ErrorIs(t, err, constants.ErrValidation)
	assert.Zero(t, server.Count("get"))
	assert.Zero(t, server.Count("all_docs"))
}

func TestBulkGetUsesDirectMultiGet(t *testing.T) {
	server := startServer(t, fakecouch.FlavorSyncGateway)
	u, err := url.Parse(server.DatabaseURL() + "?type=couchbaseSyncGateway")
	require.NoError(t, err)
	c, err := connection.NewConfig(u)
	require.NoError(t, err)
	base, err := couchdb.New(c)
	require.NoError(t, err)

	db := &DB{config: c, log: logger.Nop()}
	db.resolver = newStaticResolver(gateway.Wrap(base, direct.NewStoreBucket(server.Store()), 1), db.log)
	db.init()
	defer db.Close(context.Background())

	seed(t, db, "a", "b", "c")
	server.ResetCounts()
	ctx := context.Background()

	res, err := db.BulkGet(ctx, []string{"a", "b", "missing", "c"})
	require.NoError(t, err)
	assert.Len(t, res.Docs(), 3)

	doc, err := db.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", doc["name"])

	assert.Zero(t, server.Count("get"))
	assert.Zero(t, server.Count("all_docs"))
}
