package direct

import (
	"context"
	"errors"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// StoreBucket serves direct reads from a localstore.Store, standing in for a
// cluster bucket in tests and single-process deployments.
type StoreBucket struct {
	store *localstore.Store
}

var _ Bucket = (*StoreBucket)(nil)

func NewStoreBucket(store *localstore.Store) *StoreBucket {
	return &StoreBucket{store: store}
}

func (b *StoreBucket) Get(ctx context.Context, id string) (models.Document, error) {
	doc, err := b.store.Get(ctx, id, localstore.GetOptions{})
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, &KVError{ID: id, Code: connection.KVKeyNotFound, Err: err}
	}
	return doc, err
}

func (b *StoreBucket) GetMulti(ctx context.Context, ids []string) (*models.BulkGetResult, error) {
	rows, err := b.store.AllDocs(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	res := &models.BulkGetResult{Rows: make([]models.Row, 0, len(rows)), TotalRows: len(rows)}
	for _, r := range rows {
		row := models.Row{ID: r.Key, Key: r.Key, Doc: r.Doc, Error: r.Error}
		if r.Deleted {
			row.Error = "not_found"
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func (b *StoreBucket) ViewQuery(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error) {
	params.IncludeDocs = false
	return b.store.Query(ctx, ddoc, view, params)
}

// Close leaves the store open; its owner closes it.
func (b *StoreBucket) Close() error {
	return nil
}
