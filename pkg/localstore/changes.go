package localstore

import (
	"context"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// ChangesOptions selects the changes read from the sequence index.
type ChangesOptions struct {
	Since int64
	// Limit caps the number of changes; 0 means no limit.
	Limit       int
	IncludeDocs bool
	// Conflicts reports every live leaf in Revs and adds `_conflicts` to Doc.
	Conflicts bool
	// ActiveOnly skips documents whose winner is deleted.
	ActiveOnly bool
}

// Change is the latest state of one document after Since.
type Change struct {
	Seq     int64
	ID      string
	Deleted bool
	// Revs holds the winning revision first, then with Conflicts the live
	// losing leaves.
	Revs []string
	Doc  models.Document
}

// Changes returns one entry per document changed after opts.Since, ordered by
// sequence, and the last sequence read. `_local/` documents are never
// reported.
func (s *Store) Changes(ctx context.Context, opts ChangesOptions) ([]Change, int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, opts.Since, err
	}

	query := `SELECT d.doc_id, d.seq FROM documents d WHERE d.seq > ? AND ` + notLocal + ` ORDER BY d.seq`
	args := []any{opts.Since}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, opts.Since, err
	}
	type entry struct {
		id  string
		seq int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.seq); err != nil {
			rows.Close()
			return nil, opts.Since, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, opts.Since, err
	}

	last := opts.Since
	changes := make([]Change, 0, len(entries))
	for _, e := range entries {
		last = e.seq
		leaves, err := s.leaves(ctx, s.db, e.id)
		if err != nil {
			return nil, last, err
		}
		if len(leaves) == 0 {
			continue
		}
		w := leaves[0]
		if opts.ActiveOnly && w.deleted {
			continue
		}
		c := Change{Seq: e.seq, ID: e.id, Deleted: w.deleted, Revs: []string{w.rev}}
		var conflicts []string
		if opts.Conflicts {
			conflicts = liveConflicts(leaves)
			c.Revs = append(c.Revs, conflicts...)
		}
		if opts.IncludeDocs {
			if c.Doc, err = s.decode(e.id, w); err != nil {
				return nil, last, err
			}
			if len(conflicts) > 0 {
				c.Doc[constants.FieldConflicts] = conflicts
			}
		}
		changes = append(changes, c)
	}
	return changes, last, nil
}

// UpdateSeq returns the current last sequence.
func (s *Store) UpdateSeq(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM revisions`).Scan(&seq)
	return seq, err
}

// WaitChanges blocks until changes after opts.Since exist, ctx is done or the
// store is closed.
func (s *Store) WaitChanges(ctx context.Context, opts ChangesOptions) ([]Change, int64, error) {
	for {
		// Take the watch channel before reading so a write in between is not missed.
		watch := s.Watch()
		changes, last, err := s.Changes(ctx, opts)
		if err != nil || len(changes) > 0 {
			return changes, last, err
		}
		opts.Since = last
		select {
		case <-ctx.Done():
			return nil, last, ctx.Err()
		case <-watch:
			if err := s.checkOpen(); err != nil {
				return nil, last, err
			}
		}
	}
}
