package couchlike

import (
	"context"
	"fmt"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", constants.ErrValidation)
	}
	return nil
}

func validateDocument(doc models.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", constants.ErrValidation)
	}
	if doc.ID() == "" {
		return fmt.Errorf("%w: document must contain an _id", constants.ErrValidation)
	}
	return nil
}

// Get returns the winning revision of id. A missing or deleted document is
// a nil document and a nil error.
func (db *DB) Get(ctx context.Context, id string) (models.Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	engine, release, err := db.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	doc, err := engine.Get(ctx, id)
	db.observe(engine, "get", err)
	if connection.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetRevisions returns every live leaf revision of id, the winner included.
// A missing document has none.
func (db *DB) GetRevisions(ctx context.Context, id string) ([]models.Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	engine, release, err := db.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	docs, err := engine.Revisions(ctx, id)
	db.observe(engine, "getRevisions", err)
	if connection.IsNotFound(err) {
		return []models.Document{}, nil
	}
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Set writes doc and stamps the new revision into it. A stale or missing
// `_rev` on an existing document fails with an error matching
// constants.ErrConcurrencyConflict.
func (db *DB) Set(ctx context.Context, doc models.Document) (models.Document, error) {
	return db.put(ctx, "set", doc, false)
}

// Force writes doc without the revision check, storing its `_rev` as a new
// leaf. Two forced writes with different revisions leave the document in
// conflict.
func (db *DB) Force(ctx context.Context, doc models.Document) (models.Document, error) {
	if doc != nil && doc.Rev() == "" {
		return nil, fmt.Errorf("%w: a forced write must carry a _rev", constants.ErrValidation)
	}
	return db.put(ctx, "force", doc, true)
}

func (db *DB) put(ctx context.Context, op string, doc models.Document, force bool) (models.Document, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	engine, release, err := db.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	rev, err := engine.Put(ctx, doc, force)
	db.observe(engine, op, err)
	if err != nil {
		return nil, err
	}
	if rev != "" {
		doc.SetRev(rev)
	}
	return doc, nil
}

// Remove deletes the current revision of id. Removing a document that does
// not exist is a no-op: a missing document is not an error and Remove
// returns nil without sending a delete.
func (db *DB) Remove(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	engine, release, err := db.engine(ctx)
	if err != nil {
		return err
	}
	defer release()
	current, err := engine.Get(ctx, id)
	if err != nil {
		db.observe(engine, "remove", err)
		if connection.IsNotFound(err) {
			return nil
		}
		return err
	}
	err = engine.Delete(ctx, current.ID(), current.Rev())
	db.observe(engine, "remove", err)
	return err
}
