// Package gateway is the engine for Couchbase Sync Gateway. It speaks the
// gateway's CouchDB compatible REST interface and, when configured, reads
// documents and views directly from the bucket behind it.
package gateway

import (
	"context"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/connection/couchdb"
	"github.com/couchlike/couchlike.go/pkg/connection/direct"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

type Engine struct {
	*couchdb.Engine

	// Direct, when set, serves point reads, large multi-gets and views.
	Direct    direct.Bucket
	threshold int
}

var (
	_ connection.Engine      = (*Engine)(nil)
	_ connection.FanOuter    = (*Engine)(nil)
	_ connection.DesignCodec = (*Engine)(nil)
)

// New builds the REST engine and opens the direct bucket when the
// configuration names one.
func New(c *connection.Config) (*Engine, error) {
	base, err := couchdb.New(c)
	if err != nil {
		return nil, err
	}
	var bucket direct.Bucket
	if c.Connection.Direct != nil {
		b, err := direct.Open(c.Connection.Direct, c.Connection.Bucket)
		if err != nil {
			return nil, err
		}
		bucket = b
	}
	e := Wrap(base, bucket, c.BulkThreshold)
	if c.Capability != nil {
		e.SetCapability(*c.Capability)
	}
	return e, nil
}

// Wrap turns a REST engine into a gateway engine. bucket may be nil.
func Wrap(base *couchdb.Engine, bucket direct.Bucket, threshold int) *Engine {
	if threshold <= 0 {
		threshold = constants.DefaultBulkThreshold
	}
	base.SetCapability(models.SyncGatewayCapability)
	return &Engine{Engine: base, Direct: bucket, threshold: threshold}
}

func (e *Engine) Type() models.EngineType {
	return models.EngineSyncGateway
}

// FanOutThreshold is the largest bulk get served by concurrent single gets.
func (e *Engine) FanOutThreshold() int {
	return e.threshold
}

// WrapMap returns the form the gateway stores src in.
func (e *Engine) WrapMap(src string) string {
	return models.WrapSyncGatewayMap(src)
}

// Get reads through the direct bucket when present, except for special
// documents, which only the gateway serves.
func (e *Engine) Get(ctx context.Context, id string) (models.Document, error) {
	if e.Direct != nil && !models.IsSpecialID(id) {
		return e.Direct.Get(ctx, id)
	}
	return e.Engine.Get(ctx, id)
}

func (e *Engine) AllDocs(ctx context.Context, ids []string) (*models.BulkGetResult, error) {
	if e.Direct != nil {
		return e.Direct.GetMulti(ctx, ids)
	}
	return e.Engine.AllDocs(ctx, ids)
}

// Query always asks for fresh results.
func (e *Engine) Query(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error) {
	params.IncludeDocs = e.Capability().ViewIncludeDocs
	if e.Direct != nil {
		return e.Direct.ViewQuery(ctx, ddoc, view, params)
	}
	return e.QueryView(ctx, ddoc, view, params, map[string]interface{}{"stale": "false"})
}

func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.Direct != nil {
		err = e.Direct.Close()
	}
	if cerr := e.Engine.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
