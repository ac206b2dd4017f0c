// Package direct reads documents and views straight from the cluster bucket
// behind a Sync Gateway, bypassing the gateway's REST interface.
package direct

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// Bucket is the direct read surface used by the gateway engine.
type Bucket interface {
	Get(ctx context.Context, id string) (models.Document, error)
	// GetMulti returns one row per id, in order. Missing ids get Error
	// "not_found".
	GetMulti(ctx context.Context, ids []string) (*models.BulkGetResult, error)
	// ViewQuery runs a production view with request-plus consistency.
	ViewQuery(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error)
	Close() error
}

// KVError carries a key-value status code from the cluster.
type KVError struct {
	ID   string
	Code int
	Err  error
}

func (e *KVError) Error() string {
	return fmt.Sprintf("key %q: status %d: %v", e.ID, e.Code, e.Err)
}

func (e *KVError) Unwrap() error {
	return e.Err
}

func (e *KVError) KVCode() int {
	return e.Code
}

func kvError(id string, err error) error {
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return &KVError{ID: id, Code: connection.KVKeyNotFound, Err: err}
	}
	return err
}

// CouchbaseBucket is a Bucket over a gocb cluster connection.
type CouchbaseBucket struct {
	cluster *gocb.Cluster
	bucket  *gocb.Bucket
	timeout time.Duration
}

var _ Bucket = (*CouchbaseBucket)(nil)

// Open connects to the cluster named by c and opens bucket, waiting until
// it is ready.
func Open(c *connection.DirectConfig, bucket string) (*CouchbaseBucket, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultDirectTimeout
	}
	cluster, err := gocb.Connect(c.DirectHost(), gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: c.Username,
			Password: c.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			KVTimeout:   timeout,
			ViewTimeout: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: direct connection: %v", constants.ErrConfiguration, err)
	}
	b := cluster.Bucket(bucket)
	if err := b.WaitUntilReady(timeout, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, fmt.Errorf("direct bucket %s not ready: %w", bucket, err)
	}
	return &CouchbaseBucket{cluster: cluster, bucket: b, timeout: timeout}, nil
}

func (b *CouchbaseBucket) Get(ctx context.Context, id string) (models.Document, error) {
	res, err := b.bucket.DefaultCollection().Get(id, &gocb.GetOptions{Context: ctx})
	if err != nil {
		return nil, kvError(id, err)
	}
	var raw map[string]any
	if err := res.Content(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	doc := Normalize(raw, id)
	if doc == nil {
		return nil, &KVError{ID: id, Code: connection.KVKeyNotFound, Err: constants.ErrNotFound}
	}
	return doc, nil
}

func (b *CouchbaseBucket) GetMulti(ctx context.Context, ids []string) (*models.BulkGetResult, error) {
	ops := make([]gocb.BulkOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, &gocb.GetOp{ID: id})
	}
	if err := b.bucket.DefaultCollection().Do(ops, &gocb.BulkOpOptions{Timeout: b.timeout}); err != nil {
		return nil, err
	}

	res := &models.BulkGetResult{Rows: make([]models.Row, 0, len(ids))}
	for _, op := range ops {
		get := op.(*gocb.GetOp)
		row := models.Row{ID: get.ID, Key: get.ID}
		switch {
		case get.Err != nil && errors.Is(get.Err, gocb.ErrDocumentNotFound):
			row.Error = "not_found"
		case get.Err != nil:
			return nil, get.Err
		default:
			var raw map[string]any
			if err := get.Result.Content(&raw); err != nil {
				return nil, fmt.Errorf("decode %s: %w", get.ID, err)
			}
			row.Doc = Normalize(raw, get.ID)
		}
		res.Rows = append(res.Rows, row)
	}
	res.TotalRows = len(res.Rows)
	return res, nil
}

func (b *CouchbaseBucket) ViewQuery(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error) {
	opts := &gocb.ViewOptions{
		ScanConsistency: gocb.ViewScanConsistencyRequestPlus,
		Namespace:       gocb.DesignDocumentNamespaceProduction,
		Key:             params.Key,
		StartKey:        params.StartKey,
		EndKey:          params.EndKey,
		Limit:           uint32(params.Limit),
		Skip:            uint32(params.Skip),
		Context:         ctx,
	}
	if params.Descending {
		opts.Order = gocb.ViewOrderingDescending
	}

	rows, err := b.bucket.ViewQuery(models.DesignDocName(models.DesignDocID(ddoc)), view, opts)
	if err != nil {
		return nil, err
	}
	res := &models.ViewResult{Offset: params.Skip, Rows: []models.ViewRow{}}
	for rows.Next() {
		row := rows.Row()
		out := models.ViewRow{ID: row.ID}
		if err := row.Key(&out.Key); err != nil {
			return nil, err
		}
		if err := row.Value(&out.Value); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, out)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if meta, err := rows.MetaData(); err == nil {
		res.TotalRows = int(meta.TotalRows)
	}
	return res, nil
}

func (b *CouchbaseBucket) Close() error {
	return b.cluster.Close(nil)
}

// Normalize turns a raw bucket document into the engine shape: the body
// with `_id` set (from meta.id for {json, meta} envelopes) and the gateway's `_sync` metadata folded into `_rev`.
// Gateway tombstones yield nil.
func Normalize(raw map[string]any, id string) models.Document {
	if raw == nil {
		return nil
	}
	// View and multi-get results may arrive as {json, meta}.
	if body, ok := raw["json"].(map[string]any); ok {
		if meta, ok := raw["meta"].(map[string]any); ok {
			if id == "" {
				id, _ = meta["id"].(string)
			}
			raw = body
		}
	}
	if sync, ok := raw[constants.FieldSync].(map[string]any); ok {
		if deleted, _ := sync["deleted"].(bool); deleted {
			return nil
		}
		if flags, ok := sync["flags"].(float64); ok && int(flags)&1 == 1 {
			return nil
		}
	}
	docs := connection.NormalizeGetResponse(raw, id)
	if len(docs) == 0 {
		return nil
	}
	return docs[0]
}

// IsMetadataID reports whether id names one of the gateway's own documents.
func IsMetadataID(id string) bool {
	return strings.HasPrefix(id, constants.SyncMetadataMarker+":")
}
