package localstore

import (
	"context"
	"crypto/md5" //nolint:gosec // revision hashes, not security
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type leaf struct {
	rev     string
	deleted bool
	body    []byte
}

// sortLeaves orders leaves winner first: live before deleted, then the
// highest generation, then the greatest revision string.
func sortLeaves(leaves []leaf) {
	sort.SliceStable(leaves, func(i, j int) bool {
		a, b := leaves[i], leaves[j]
		if a.deleted != b.deleted {
			return !a.deleted
		}
		ga, gb := models.RevGeneration(a.rev), models.RevGeneration(b.rev)
		if ga != gb {
			return ga > gb
		}
		return a.rev > b.rev
	})
}

func (s *Store) leaves(ctx context.Context, q querier, id string) ([]leaf, error) {
	rows, err := q.QueryContext(ctx, `SELECT rev, deleted, body FROM revisions WHERE doc_id = ? AND leaf = 1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leaf
	for rows.Next() {
		var l leaf
		if err := rows.Scan(&l.rev, &l.deleted, &l.body); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortLeaves(out)
	return out, nil
}

func (s *Store) decode(id string, l leaf) (models.Document, error) {
	doc := models.Document{}
	if len(l.body) > 0 {
		var body map[string]any
		if err := s.codec.Unmarshal(l.body, &body); err != nil {
			return nil, fmt.Errorf("decode %s@%s: %w", id, l.rev, err)
		}
		doc = models.Document(body)
	}
	doc[constants.FieldID] = id
	doc[constants.FieldRev] = l.rev
	if l.deleted {
		doc[constants.FieldDeleted] = true
	}
	return doc, nil
}

// liveConflicts returns the live leaves that lost to the winner.
func liveConflicts(leaves []leaf) []string {
	var revs []string
	for _, l := range leaves[1:] {
		if !l.deleted {
			revs = append(revs, l.rev)
		}
	}
	return revs
}

// GetOptions tunes a point read.
type GetOptions struct {
	// Conflicts adds `_conflicts` listing the live losing leaves.
	Conflicts bool
	// Rev reads that revision instead of the winner, deleted or not.
	Rev string
}

// Get returns the winning revision of id. A missing document or a deleted
// winner yields ErrNotFound.
func (s *Store) Get(ctx context.Context, id string, opts GetOptions) (models.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if opts.Rev != "" {
		var l leaf
		err := s.db.QueryRowContext(ctx, `SELECT rev, deleted, body FROM revisions WHERE doc_id = ? AND rev = ?`, id, opts.Rev).
			Scan(&l.rev, &l.deleted, &l.body)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return s.decode(id, l)
	}

	leaves, err := s.leaves(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 || leaves[0].deleted {
		return nil, ErrNotFound
	}
	doc, err := s.decode(id, leaves[0])
	if err != nil {
		return nil, err
	}
	if opts.Conflicts {
		if revs := liveConflicts(leaves); len(revs) > 0 {
			doc[constants.FieldConflicts] = revs
		}
	}
	return doc, nil
}

// Revisions returns every leaf of id, winner first. Deleted leaves carry
// `_deleted`.
func (s *Store) Revisions(ctx context.Context, id string) ([]models.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return nil, ErrNotFound
	}
	docs := make([]models.Document, 0, len(leaves))
	for _, l := range leaves {
		doc, err := s.decode(id, l)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Put stores doc and returns its new revision.
//
// With newEdits, doc must name a current leaf in `_rev`, or carry no `_rev`
// when the document is new or its winner is deleted; anything else is
// ErrConflict. Without newEdits, `_rev` is stored as given as a new leaf,
// which is how conflicts are introduced.
func (s *Store) Put(ctx context.Context, doc models.Document, newEdits bool) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if doc.ID() == "" {
		return "", fmt.Errorf("%w: document must contain an _id", constants.ErrValidation)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck

	rev, written, err := s.put(ctx, tx, doc, newEdits)
	if err != nil {
		return "", err
	}
	if !written {
		return rev, nil
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.notify()
	return rev, nil
}

// Delete writes a tombstone on top of rev.
func (s *Store) Delete(ctx context.Context, id, rev string) (string, error) {
	return s.Put(ctx, models.Document{
		constants.FieldID:      id,
		constants.FieldRev:     rev,
		constants.FieldDeleted: true,
	}, true)
}

func (s *Store) put(ctx context.Context, tx *sql.Tx, doc models.Document, newEdits bool) (string, bool, error) {
	id := doc.ID()
	deleted := doc.Deleted()
	body, err := s.codec.Marshal(stripReserved(doc))
	if err != nil {
		return "", false, err
	}

	var rev, parent string
	if newEdits {
		leaves, err := s.leaves(ctx, tx, id)
		if err != nil {
			return "", false, err
		}
		gen := 1
		if want := doc.Rev(); want != "" {
			if !hasLeaf(leaves, want) {
				return "", false, ErrConflict
			}
			parent, gen = want, models.RevGeneration(want)+1
		} else if len(leaves) > 0 {
			if !leaves[0].deleted {
				return "", false, ErrConflict
			}
			parent, gen = leaves[0].rev, models.RevGeneration(leaves[0].rev)+1
		}
		rev = newRevision(gen, parent, deleted, body)
	} else {
		rev = doc.Rev()
		if models.RevGeneration(rev) == 0 {
			return "", false, fmt.Errorf("%w: new_edits=false requires a valid _rev, got %q", constants.ErrValidation, rev)
		}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM revisions WHERE doc_id = ? AND rev = ?`, id, rev).Scan(&exists)
		if err == nil {
			return rev, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM revisions`).Scan(&seq); err != nil {
		return "", false, err
	}
	if parent != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE revisions SET leaf = 0 WHERE doc_id = ? AND rev = ?`, id, parent); err != nil {
			return "", false, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO revisions (doc_id, rev, parent, deleted, leaf, body, seq) VALUES (?, ?, ?, ?, 1, ?, ?)`,
		id, rev, parent, deleted, body, seq); err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (doc_id, seq) VALUES (?, ?) ON CONFLICT (doc_id) DO UPDATE SET seq = excluded.seq`,
		id, seq); err != nil {
		return "", false, err
	}
	return rev, true, nil
}

// BulkDocs writes every document independently and reports each outcome.
// Only storage failures abort the batch.
func (s *Store) BulkDocs(ctx context.Context, docs []models.Document, newEdits bool) ([]models.BulkResult, error) {
	results := make([]models.BulkResult, 0, len(docs))
	for _, doc := range docs {
		rev, err := s.Put(ctx, doc, newEdits)
		switch {
		case err == nil:
			results = append(results, models.BulkResult{ID: doc.ID(), Rev: rev, OK: true})
		case errors.Is(err, ErrConflict):
			results = append(results, models.BulkResult{ID: doc.ID(), Error: "conflict", Reason: "Document update conflict."})
		case errors.Is(err, constants.ErrValidation):
			results = append(results, models.BulkResult{ID: doc.ID(), Error: "bad_request", Reason: err.Error()})
		default:
			return nil, err
		}
	}
	return results, nil
}

// Row is one entry of AllDocs.
type Row struct {
	ID      string
	Key     string
	Rev     string
	Deleted bool
	Doc     models.Document
	Error   string
}

// AllDocs looks up keys in order. Missing keys get Error "not_found" and
// deleted ones are flagged without a body. With no keys every live document
// is returned sorted by id.
func (s *Store) AllDocs(ctx context.Context, keys []string, includeDocs bool) ([]Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if keys == nil {
		var err error
		if keys, err = s.liveIDs(ctx); err != nil {
			return nil, err
		}
	}

	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		leaves, err := s.leaves(ctx, s.db, key)
		if err != nil {
			return nil, err
		}
		if len(leaves) == 0 {
			rows = append(rows, Row{Key: key, Error: "not_found"})
			continue
		}
		w := leaves[0]
		row := Row{ID: key, Key: key, Rev: w.rev, Deleted: w.deleted}
		if includeDocs && !w.deleted {
			if row.Doc, err = s.decode(key, w); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) liveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.doc_id FROM documents d
		WHERE `+notLocal+` AND EXISTS (
			SELECT 1 FROM revisions r WHERE r.doc_id = d.doc_id AND r.leaf = 1 AND r.deleted = 0
		)
		ORDER BY d.doc_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func hasLeaf(leaves []leaf, rev string) bool {
	for _, l := range leaves {
		if l.rev == rev {
			return true
		}
	}
	return false
}

func stripReserved(doc models.Document) map[string]any {
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case constants.FieldID, constants.FieldRev, constants.FieldDeleted, constants.FieldConflicts, "_revisions":
			continue
		}
		body[k] = v
	}
	return body
}

// newRevision derives a deterministic "N-md5" revision, so the same edit on
// the same parent yields the same revision.
func newRevision(gen int, parent string, deleted bool, body []byte) string {
	h := md5.New() //nolint:gosec
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(deleted)))
	h.Write([]byte{0})
	h.Write(body)
	return strconv.Itoa(gen) + "-" + hex.EncodeToString(h.Sum(nil))
}
