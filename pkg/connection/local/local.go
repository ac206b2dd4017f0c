// Package local is the engine over an embedded localstore.Store.
package local

import (
	"context"
	"fmt"
	"strconv"

	"github.com/couchlike/couchlike.go/internal/codec"
	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/models"
)

type Engine struct {
	store *localstore.Store
	// owned stores are closed with the engine.
	owned      bool
	capability models.Capability
	json       codec.JSON
}

var (
	_ connection.Engine       = (*Engine)(nil)
	_ connection.MapValidator = (*Engine)(nil)
)

// New opens the store named by the configuration's bucket under its path.
func New(c *connection.Config) (*Engine, error) {
	store, err := localstore.Open(c.Connection.Path, c.Connection.Bucket)
	if err != nil {
		return nil, err
	}
	e := FromStore(store)
	e.owned = true
	if c.Capability != nil {
		e.capability = *c.Capability
	}
	return e, nil
}

// FromStore wraps an already open store. Closing the engine leaves the
// store open.
func FromStore(store *localstore.Store) *Engine {
	return &Engine{store: store, capability: models.LocalCapability}
}

func (e *Engine) Type() models.EngineType {
	return models.EngineLocal
}

func (e *Engine) Capability() models.Capability {
	return e.capability
}

// Store returns the underlying store.
func (e *Engine) Store() *localstore.Store {
	return e.store
}

func (e *Engine) Ping(ctx context.Context) (map[string]any, error) {
	if _, err := e.store.UpdateSeq(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"ping": "ok"}, nil
}

func (e *Engine) Get(ctx context.Context, id string) (models.Document, error) {
	return e.store.Get(ctx, id, localstore.GetOptions{})
}

func (e *Engine) Revisions(ctx context.Context, id string) ([]models.Document, error) {
	leaves, err := e.store.Revisions(ctx, id)
	if err != nil {
		return nil, err
	}
	docs := make([]models.Document, 0, len(leaves))
	for _, doc := range leaves {
		if !doc.Deleted() {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (e *Engine) Put(ctx context.Context, doc models.Document, force bool) (string, error) {
	normalized, err := e.roundTrip(doc)
	if err != nil {
		return "", err
	}
	return e.store.Put(ctx, normalized, !force)
}

func (e *Engine) Delete(ctx context.Context, id, rev string) error {
	_, err := e.store.Delete(ctx, id, rev)
	return err
}

func (e *Engine) AllDocs(ctx context.Context, ids []string) (*models.BulkGetResult, error) {
	rows, err := e.store.AllDocs(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	out := &models.BulkGetResult{Rows: make([]models.Row, 0, len(rows)), TotalRows: len(rows)}
	for _, r := range rows {
		out.Rows = append(out.Rows, models.Row{ID: r.ID, Key: r.Key, Doc: r.Doc, Error: r.Error})
	}
	return out, nil
}

func (e *Engine) BulkDocs(ctx context.Context, docs []models.Document) ([]models.BulkResult, error) {
	normalized := make([]models.Document, 0, len(docs))
	for _, doc := range docs {
		d, err := e.roundTrip(doc)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, d)
	}
	return e.store.BulkDocs(ctx, normalized, true)
}

func (e *Engine) Query(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error) {
	params.IncludeDocs = e.capability.ViewIncludeDocs
	return e.store.Query(ctx, ddoc, view, params)
}

func (e *Engine) Follow(ctx context.Context, opts connection.FollowOptions) (connection.Stream, error) {
	since, err := parseSeq(opts.Since)
	if err != nil {
		return nil, err
	}
	return &stream{
		store: e.store,
		opts: localstore.ChangesOptions{
			Since:       since,
			IncludeDocs: true,
			Conflicts:   opts.Conflicts,
			ActiveOnly:  opts.Conflicts,
		},
		done: make(chan struct{}),
	}, nil
}

func (e *Engine) Close(ctx context.Context) error {
	if e.owned {
		return e.store.Close()
	}
	return nil
}

// roundTrip passes doc through JSON so the store sees the same value types
// an HTTP engine would receive.
func (e *Engine) roundTrip(doc models.Document) (models.Document, error) {
	raw, err := e.json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out models.Document
	if err := e.json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseSeq(seq models.Sequence) (int64, error) {
	if seq == "" || seq == models.SequenceStart {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(seq), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", constants.ErrInvalidSeq, seq)
	}
	return n, nil
}

// ValidateMap compiles src the way the store's view queries will.
func (e *Engine) ValidateMap(src string) error {
	return localstore.CompileMap(models.UnwrapSyncGatewayMap(src))
}
