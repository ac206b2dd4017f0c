package couchlike

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// BulkGet reads ids in one call. No ids yields an empty result without
// contacting the engine.
//
// Engines without an efficient multi-get for small batches (the gateway
// without a direct bucket) serve up to their fan-out threshold with
// concurrent single gets; missing and deleted documents are left out of
// those results.
func (db *DB) BulkGet(ctx context.Context, ids []string) (*models.BulkGetResult, error) {
	if len(ids) == 0 {
		return &models.BulkGetResult{Rows: []models.Row{}}, nil
	}
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: ids[%d] is empty", constants.ErrValidation, i)
		}
	}
	engine, release, err := db.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *models.BulkGetResult
	if f, ok := engine.(connection.FanOuter); ok && len(ids) <= f.FanOutThreshold() {
		res, err = fanOut(ctx, engine, ids, f.FanOutThreshold())
	} else {
		res, err = engine.AllDocs(ctx, ids)
	}
	db.observe(engine, "bulkGet", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// fanOut gets ids with at most limit requests in flight and keeps their
// order.
func fanOut(ctx context.Context, engine connection.Engine, ids []string, limit int) (*models.BulkGetResult, error) {
	docs := make([]models.Document, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := engine.Get(gctx, id)
			if connection.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([]models.Row, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.Deleted() {
			continue
		}
		rows = append(rows, models.Row{ID: doc.ID(), Key: doc.ID(), Doc: doc})
	}
	return &models.BulkGetResult{Rows: rows, TotalRows: len(rows)}, nil
}

// BulkSet writes docs in one call and returns the engine's per-document
// outcome. Failed entries carry Error; nothing is retried.
func (db *DB) BulkSet(ctx context.Context, docs []models.Document) ([]models.BulkResult, error) {
	for i, doc := range docs {
		if err := validateDocument(doc); err != nil {
			return nil, fmt.Errorf("docs[%d]: %w", i, err)
		}
	}
	if len(docs) == 0 {
		return []models.BulkResult{}, nil
	}
	engine, release, err := db.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	results, err := engine.BulkDocs(ctx, docs)
	db.observe(engine, "bulkSet", err)
	if err != nil {
		return nil, err
	}
	return results, nil
}
