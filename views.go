package couchlike

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/connection/direct"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/metrics"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// Views keeps design documents in sync with view map functions and runs
// view queries.
//
// Design documents are named without their `_design/` prefix; names that
// carry it are accepted too.
type Views struct {
	db *DB
}

// GetDesignDoc returns the design document, or nil when it does not exist.
func (v *Views) GetDesignDoc(ctx context.Context, name string) (*models.DesignDocument, error) {
	if err := validateID(name); err != nil {
		return nil, err
	}
	doc, err := v.db.Get(ctx, models.DesignDocID(name))
	if err != nil || doc == nil {
		return nil, err
	}
	return models.DesignDocumentFrom(doc), nil
}

// SetDesignDoc writes dd as is and records the new revision in it.
func (v *Views) SetDesignDoc(ctx context.Context, dd *models.DesignDocument) (*models.DesignDocument, error) {
	if dd == nil || dd.ID == "" {
		return nil, fmt.Errorf("%w: design document must have an id", constants.ErrValidation)
	}
	dd.ID = models.DesignDocID(dd.ID)
	doc, err := v.db.Set(ctx, dd.Document())
	if err != nil {
		return nil, err
	}
	dd.Rev = doc.Rev()
	metrics.CounterDesignDocWrites.Inc()
	v.db.log.Debug("design document written", "id", dd.ID, "rev", dd.Rev)
	return dd, nil
}

// Get returns a view definition as it was written, or nil.
func (v *Views) Get(ctx context.Context, ddoc, view string) (*models.ViewDefinition, error) {
	dd, err := v.GetDesignDoc(ctx, ddoc)
	if err != nil || dd == nil {
		return nil, err
	}
	def, ok := dd.Views[view]
	if !ok {
		return nil, nil
	}
	def.Map = models.UnwrapSyncGatewayMap(def.Map)
	return &def, nil
}

// Set stores mapFn as view of ddoc. Nothing is written when the stored map
// already matches, whitespace aside.
func (v *Views) Set(ctx context.Context, ddoc, view, mapFn string) error {
	return v.SetBulk(ctx, ddoc, map[string]string{view: mapFn})
}

// SetBulk stores several map functions of ddoc at once, creating the design
// document when needed. It writes once if any of them changed and not at
// all otherwise.
func (v *Views) SetBulk(ctx context.Context, ddoc string, maps map[string]string) error {
	if err := validateID(ddoc); err != nil {
		return err
	}
	for name, src := range maps {
		if name == "" || strings.TrimSpace(src) == "" {
			return fmt.Errorf("%w: view %q needs a name and a map function", constants.ErrValidation, name)
		}
	}
	engine, release, err := v.db.engine(ctx)
	if err != nil {
		return err
	}
	defer release()
	if validator, ok := engine.(connection.MapValidator); ok {
		for name, src := range maps {
			if err := validator.ValidateMap(src); err != nil {
				return fmt.Errorf("%w: view %q: %v", constants.ErrValidation, name, err)
			}
		}
	}
	codec, wraps := engine.(connection.DesignCodec)

	dd, err := v.GetDesignDoc(ctx, ddoc)
	if err != nil {
		return err
	}
	if dd == nil {
		dd = models.NewDesignDocument(ddoc)
	}

	changed := false
	for name, src := range maps {
		// The engine reports maps in the form it stores them.
		want := models.ViewDefinition{Map: src}
		if wraps {
			want.Map = codec.WrapMap(src)
		}
		if current, ok := dd.Views[name]; ok && current.Equal(want) {
			continue
		}
		dd.Views[name] = models.ViewDefinition{Map: src}
		changed = true
	}
	if !changed {
		v.db.log.Debug("design document unchanged", "id", dd.ID)
		return nil
	}
	if wraps {
		unwrapViews(dd)
	}
	_, err = v.SetDesignDoc(ctx, dd)
	return err
}

// Remove deletes view from ddoc. A missing design document or view is a
// no-op.
func (v *Views) Remove(ctx context.Context, ddoc, view string) error {
	engine, release, err := v.db.engine(ctx)
	if err != nil {
		return err
	}
	defer release()
	dd, err := v.GetDesignDoc(ctx, ddoc)
	if err != nil || dd == nil {
		return err
	}
	if _, ok := dd.Views[view]; !ok {
		return nil
	}
	delete(dd.Views, view)
	if _, ok := engine.(connection.DesignCodec); ok {
		unwrapViews(dd)
	}
	_, err = v.SetDesignDoc(ctx, dd)
	return err
}

// unwrapViews turns maps read back from a wrapping engine into the source
// it expects on write.
func unwrapViews(dd *models.DesignDocument) {
	for name, def := range dd.Views {
		def.Map = models.UnwrapSyncGatewayMap(def.Map)
		dd.Views[name] = def
	}
}

// GetByView queries view of ddoc and returns the document of every row,
// calling each, when non-nil, as rows are collected.
//
// Engines whose views cannot include documents return ids only; those are
// read back with one BulkGet, skipping the gateway's metadata documents.
func (v *Views) GetByView(ctx context.Context, ddoc, view string, params models.ViewParams, each func(models.Document)) ([]models.Document, error) {
	if err := validateID(ddoc); err != nil {
		return nil, err
	}
	engine, release, err := v.db.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	capability := engine.Capability()
	if !capability.Views {
		return nil, fmt.Errorf("%w: views on %s", constants.ErrUnsupportedOperation, engine.Type())
	}

	res, err := engine.Query(ctx, ddoc, view, params)
	v.db.observe(engine, "getByView", err)
	if err != nil {
		return nil, err
	}

	docs := make([]models.Document, 0, len(res.Rows))
	collect := func(doc models.Document) {
		if each != nil {
			each(doc)
		}
		docs = append(docs, doc)
	}

	if capability.ViewIncludeDocs {
		for _, row := range res.Rows {
			if row.Doc != nil {
				collect(row.Doc)
			}
		}
		return docs, nil
	}

	ids := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if row.ID == "" || direct.IsMetadataID(row.ID) {
			continue
		}
		ids = append(ids, row.ID)
	}
	bulk, err := v.db.BulkGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, doc := range bulk.Docs() {
		collect(doc)
	}
	return docs, nil
}
