// Package couchdb is the engine for Apache CouchDB servers, built on the
// kivik client and its CouchDB driver.
package couchdb

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kivik/kivik/v4"
	kivikcouch "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/couchlike/couchlike.go/internal/codec"
	"github.com/couchlike/couchlike.go/pkg/connection"
	chttp "github.com/couchlike/couchlike.go/pkg/connection/http"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/logger"
	"github.com/couchlike/couchlike.go/pkg/models"
)

const driverName = "couch"

var jsonCodec = codec.JSON{}

type Engine struct {
	// Client is the transport both kivik clients send through. The gateway
	// engine dials its websocket feed with it.
	Client *chttp.Client

	client *kivik.Client
	db     *kivik.DB
	// feedClient has no request timeout; continuous feeds use it.
	feedClient *kivik.Client
	feedDB     *kivik.DB

	capability models.Capability
	log        logger.Logger

	// FeedHeartbeat is the heartbeat interval requested on change feeds.
	FeedHeartbeat time.Duration

	mu    sync.Mutex
	feeds map[*changesSource]struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ connection.Engine = (*Engine)(nil)

func New(c *connection.Config) (*Engine, error) {
	log := c.Logger
	if log == nil {
		log = logger.Nop()
	}
	client, err := chttp.New(c, log)
	if err != nil {
		return nil, err
	}
	e, err := NewWithClient(client, log)
	if err != nil {
		return nil, err
	}
	if c.Capability != nil {
		e.capability = *c.Capability
	}
	return e, nil
}

// NewWithClient builds an engine over an existing transport.
func NewWithClient(client *chttp.Client, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		Client:        client,
		capability:    models.CouchDBCapability,
		log:           log,
		FeedHeartbeat: constants.DefaultFeedHeartbeat,
		feeds:         make(map[*changesSource]struct{}),
	}

	var err error
	if e.client, e.db, err = open(client, client.StandardClient()); err != nil {
		return nil, err
	}
	if e.feedClient, e.feedDB, err = open(client, client.StreamingClient()); err != nil {
		_ = e.client.Close()
		return nil, err
	}
	return e, nil
}

func open(transport *chttp.Client, httpClient *http.Client) (*kivik.Client, *kivik.DB, error) {
	client, err := kivik.New(driverName, transport.BaseURL, kivikcouch.OptionHTTPClient(httpClient))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", constants.ErrConfiguration, err)
	}
	db := client.DB(transport.Bucket)
	if err := db.Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: %v", constants.ErrConfiguration, err)
	}
	return client, db, nil
}

func (e *Engine) Type() models.EngineType {
	return models.EngineCouchDB
}

func (e *Engine) Capability() models.Capability {
	return e.capability
}

// SetCapability overrides the capability reported by the engine.
func (e *Engine) SetCapability(c models.Capability) {
	e.capability = c
}

// Ping returns the server greeting.
func (e *Engine) Ping(ctx context.Context) (map[string]any, error) {
	version, err := e.client.Version(ctx)
	if err != nil {
		return nil, connection.StatusError(err)
	}
	var greeting map[string]any
	if err := jsonCodec.Unmarshal(version.RawResponse, &greeting); err != nil {
		return nil, fmt.Errorf("decode greeting: %w", err)
	}
	return greeting, nil
}

func (e *Engine) Get(ctx context.Context, id string) (models.Document, error) {
	return e.get(ctx, id)
}

func (e *Engine) get(ctx context.Context, id string, opts ...kivik.Option) (models.Document, error) {
	var raw map[string]any
	if err := e.db.Get(ctx, id, opts...).ScanDoc(&raw); err != nil {
		return nil, connection.StatusError(err)
	}
	docs := connection.NormalizeGetResponse(raw, id)
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s is deleted", constants.ErrNotFound, id)
	}
	return docs[0], nil
}

// Revisions reads the winner with its `_conflicts` and then each conflicting
// leaf by revision. A leaf removed in between is skipped.
func (e *Engine) Revisions(ctx context.Context, id string) ([]models.Document, error) {
	winner, err := e.get(ctx, id, kivik.Param("conflicts", true))
	if err != nil {
		return nil, err
	}
	conflicts := winner.Conflicts()
	delete(winner, constants.FieldConflicts)

	docs := append(make([]models.Document, 0, len(conflicts)+1), winner)
	for _, rev := range conflicts {
		leaf, err := e.get(ctx, id, kivik.Rev(rev))
		if connection.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, leaf)
	}
	return docs, nil
}

// Put writes doc. A forced write goes through `_bulk_docs` with
// `new_edits=false`, which stores doc's `_rev` as given.
func (e *Engine) Put(ctx context.Context, doc models.Document, force bool) (string, error) {
	if force {
		return e.replicate(ctx, doc)
	}
	rev, err := e.db.Put(ctx, doc.ID(), doc)
	if err != nil {
		return "", connection.StatusError(err)
	}
	return rev, nil
}

func (e *Engine) replicate(ctx context.Context, doc models.Document) (string, error) {
	results, err := e.db.BulkDocs(ctx, []interface{}{doc}, kivik.Param("new_edits", false))
	if err != nil {
		return "", connection.StatusError(err)
	}
	for _, r := range results {
		if r.Error != nil {
			return "", connection.StatusError(r.Error)
		}
	}
	return doc.Rev(), nil
}

func (e *Engine) Delete(ctx context.Context, id, rev string) error {
	_, err := e.db.Delete(ctx, id, rev)
	return connection.StatusError(err)
}

// AllDocs reads ids with one keyed `_all_docs` request. Rows come back in
// the order of ids.
func (e *Engine) AllDocs(ctx context.Context, ids []string) (*models.BulkGetResult, error) {
	rs := e.db.AllDocs(ctx, kivik.Params(map[string]interface{}{
		"keys":         ids,
		"include_docs": true,
	}))
	defer rs.Close()

	res := &models.BulkGetResult{Rows: make([]models.Row, 0, len(ids))}
	for i := 0; rs.Next(); i++ {
		var row models.Row
		if i < len(ids) {
			row.Key = ids[i]
		}
		row.ID, _ = rs.ID()

		var value struct {
			Deleted bool `json:"deleted"`
		}
		if err := rs.ScanValue(&value); err == nil && value.Deleted {
			res.Rows = append(res.Rows, row)
			continue
		}
		var doc models.Document
		switch err := rs.ScanDoc(&doc); {
		case err == nil:
			row.Doc = connection.NormalizeDocument(doc, row.ID)
		case connection.IsNotFound(err) || strings.Contains(err.Error(), "not_found"):
			row.Error = "not_found"
		default:
			row.Error = err.Error()
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, connection.StatusError(err)
	}
	if meta, err := rs.Metadata(); err == nil {
		res.TotalRows = int(meta.TotalRows)
	}
	return res, nil
}

func (e *Engine) BulkDocs(ctx context.Context, docs []models.Document) ([]models.BulkResult, error) {
	in := make([]interface{}, len(docs))
	for i, doc := range docs {
		in[i] = doc
	}
	results, err := e.db.BulkDocs(ctx, in)
	if err != nil {
		return nil, connection.StatusError(err)
	}
	out := make([]models.BulkResult, 0, len(results))
	for _, r := range results {
		res := models.BulkResult{ID: r.ID, Rev: r.Rev, OK: r.Error == nil}
		if r.Error != nil {
			res.Error, res.Reason = bulkFailure(r.Error)
		}
		out = append(out, res)
	}
	return out, nil
}

// errorNames maps statuses to the error names CouchDB reports for them.
var errorNames = map[int]string{
	400: "bad_request",
	401: "unauthorized",
	403: "forbidden",
	404: "not_found",
	409: "conflict",
	412: "file_exists",
}

// bulkFailure splits a per-document bulk error into CouchDB's error name and
// reason.
func bulkFailure(err error) (name, reason string) {
	reason = err.Error()
	if name, ok := errorNames[kivik.HTTPStatus(err)]; ok {
		return name, reason
	}
	if name, rest, ok := strings.Cut(reason, ": "); ok && !strings.ContainsAny(name, " \t") {
		return name, rest
	}
	return "error", reason
}

func (e *Engine) Query(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error) {
	params.IncludeDocs = e.capability.ViewIncludeDocs
	return e.QueryView(ctx, ddoc, view, params, nil)
}

// QueryView runs a view with extra query parameters added.
func (e *Engine) QueryView(ctx context.Context, ddoc, view string, params models.ViewParams, extra map[string]interface{}) (*models.ViewResult, error) {
	opts := ViewOptions(params)
	for k, v := range extra {
		opts[k] = v
	}
	rs := e.db.Query(ctx, models.DesignDocID(ddoc), "_view/"+view, kivik.Params(opts))
	defer rs.Close()

	out := &models.ViewResult{Rows: []models.ViewRow{}}
	for rs.Next() {
		var row models.ViewRow
		row.ID, _ = rs.ID()
		if err := rs.ScanKey(&row.Key); err != nil {
			return nil, connection.StatusError(err)
		}
		if err := rs.ScanValue(&row.Value); err != nil {
			return nil, connection.StatusError(err)
		}
		if params.IncludeDocs {
			var doc models.Document
			if err := rs.ScanDoc(&doc); err == nil && doc != nil {
				row.Doc = connection.NormalizeDocument(doc, row.ID)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, connection.StatusError(err)
	}
	if meta, err := rs.Metadata(); err == nil {
		out.TotalRows = int(meta.TotalRows)
		out.Offset = int(meta.Offset)
	}
	return out, nil
}

// ViewOptions turns params into view query options. The CouchDB driver JSON
// encodes the key options itself.
func ViewOptions(params models.ViewParams) map[string]interface{} {
	opts := map[string]interface{}{}
	for name, v := range map[string]any{"key": params.Key, "startkey": params.StartKey, "endkey": params.EndKey} {
		if v != nil {
			opts[name] = v
		}
	}
	if params.Limit > 0 {
		opts["limit"] = params.Limit
	}
	if params.Skip > 0 {
		opts["skip"] = params.Skip
	}
	if params.Descending {
		opts["descending"] = true
	}
	if params.IncludeDocs {
		opts["include_docs"] = true
	}
	return opts
}

// Close stops open feeds and closes both clients. Later calls return the
// first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		feeds := make([]*changesSource, 0, len(e.feeds))
		for src := range e.feeds {
			feeds = append(feeds, src)
		}
		e.mu.Unlock()
		// kivik waits for open iterators when its client closes.
		for _, src := range feeds {
			_ = src.Close()
		}

		e.closeErr = e.feedClient.Close()
		if err := e.client.Close(); e.closeErr == nil {
			e.closeErr = err
		}
		e.Client.Close()
	})
	return e.closeErr
}
