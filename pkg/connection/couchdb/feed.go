package couchdb

import (
	"context"
	"sync"

	"github.com/go-kivik/kivik/v4"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// Follow opens a `feed=continuous` change feed. In conflict mode every leaf
// is listed and deletions are left out.
func (e *Engine) Follow(ctx context.Context, opts connection.FollowOptions) (connection.Stream, error) {
	since := opts.Since
	if since == "" {
		since = models.SequenceStart
	}
	params := map[string]interface{}{
		"feed":      "continuous",
		"since":     string(since),
		"heartbeat": int(e.FeedHeartbeat.Milliseconds()),
	}
	if opts.IncludeDocs || opts.Conflicts {
		params["include_docs"] = true
	}
	if opts.Conflicts {
		params["style"] = "all_docs"
		params["conflicts"] = true
		params["active_only"] = true
	}

	// The feed outlives ctx's caller only through Close.
	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	changes := e.feedDB.Changes(feedCtx, kivik.Params(params))
	if err := changes.Err(); err != nil {
		cancel()
		_ = changes.Close()
		return nil, connection.StatusError(err)
	}

	src := &changesSource{changes: changes, cancel: cancel, engine: e}
	e.mu.Lock()
	e.feeds[src] = struct{}{}
	e.mu.Unlock()

	e.log.Debug("change feed opened", "since", since, "conflicts", opts.Conflicts)
	return connection.NewStream(src, opts.Conflicts), nil
}

// changesSource reads rows from a kivik change iterator.
type changesSource struct {
	changes *kivik.Changes
	cancel  context.CancelFunc
	engine  *Engine

	closeOnce sync.Once
	closeErr  error
}

func (s *changesSource) Next() (connection.ChangeRow, error) {
	if !s.changes.Next() {
		if err := s.changes.Err(); err != nil {
			return connection.ChangeRow{}, connection.StatusError(err)
		}
		return connection.ChangeRow{}, connection.ErrFeedEnded
	}
	row := connection.ChangeRow{
		Seq:     s.changes.Seq(),
		ID:      s.changes.ID(),
		Deleted: s.changes.Deleted(),
	}
	for _, rev := range s.changes.Changes() {
		row.Changes = append(row.Changes, connection.ChangeRev{Rev: rev})
	}
	// Rows without include_docs carry no document.
	var doc models.Document
	if err := s.changes.ScanDoc(&doc); err == nil {
		row.Doc = doc
	}
	return row, nil
}

func (s *changesSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.changes.Close()
		s.engine.mu.Lock()
		delete(s.engine.feeds, s)
		s.engine.mu.Unlock()
	})
	return s.closeErr
}
