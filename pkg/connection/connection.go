// Package connection defines the contract every backend engine implements,
// together with the configuration, error classification and response
// normalisation they share.
package connection

import (
	"context"

	"github.com/couchlike/couchlike.go/pkg/models"
)

// Engine is one backend variant. Implementations normalise their responses
// before returning them: documents carry `_id` and `_rev`, envelopes are
// unwrapped and alternate revision keys are folded into `_rev`.
//
// Not-found conditions are returned as errors; callers classify them with
// IsNotFound.
type Engine interface {
	Type() models.EngineType
	Capability() models.Capability

	// Ping performs a lightweight request and returns the server greeting.
	Ping(ctx context.Context) (map[string]any, error)

	// Get returns the winning revision of id. A tombstoned winner is reported
	// as not found.
	Get(ctx context.Context, id string) (models.Document, error)
	// Revisions returns every live leaf revision of id.
	Revisions(ctx context.Context, id string) ([]models.Document, error)
	// Put writes doc and returns the new revision. With force the
	// optimistic-concurrency check is skipped and doc's `_rev` is stored as a
	// new leaf.
	Put(ctx context.Context, doc models.Document, force bool) (string, error)
	Delete(ctx context.Context, id, rev string) error

	AllDocs(ctx context.Context, ids []string) (*models.BulkGetResult, error)
	BulkDocs(ctx context.Context, docs []models.Document) ([]models.BulkResult, error)

	Follow(ctx context.Context, opts FollowOptions) (Stream, error)
	Query(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error)

	Close(ctx context.Context) error
}

// FanOuter is implemented by engines without an efficient multi-get for
// small batches. Bulk gets of at most FanOutThreshold ids are served by
// concurrent single gets instead of AllDocs.
type FanOuter interface {
	FanOutThreshold() int
}

// DesignCodec is implemented by engines that store view maps in a wrapped
// form. WrapMap returns the source the engine will hold for src.
type DesignCodec interface {
	WrapMap(src string) string
}

// MapValidator is implemented by engines that evaluate view maps
// themselves. ValidateMap fails for a map the engine could not run.
type MapValidator interface {
	ValidateMap(src string) error
}

// FollowOptions configures a change feed subscription.
type FollowOptions struct {
	Since models.Sequence
	// Conflicts asks the engine to report every leaf revision of a change and
	// to skip deletions.
	Conflicts bool
	// IncludeDocs asks for document bodies on each event.
	IncludeDocs bool
}

// Stream is an open change feed. Next blocks until an event is available,
// ctx is done or the stream is closed.
type Stream interface {
	Next(ctx context.Context) (models.ChangeEvent, error)
	Close() error
}
