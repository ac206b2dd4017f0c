package couchlike

import (
	"context"
	"fmt"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// Resolve settles a conflict in one bulk write: every loser revision is
// retired according to the configured resolve policy and the winner, when
// present, is written unchanged on top of its own revision.
//
// Picking the winner is up to the caller.
func (db *DB) Resolve(ctx context.Context, r models.Resolution) ([]models.BulkResult, error) {
	docs := make([]models.Document, 0, len(r.Losers)+1)
	for i, loser := range r.Losers {
		if loser.ID() == "" || loser.Rev() == "" {
			return nil, fmt.Errorf("%w: losers[%d] needs an _id and a _rev", constants.ErrValidation, i)
		}
		docs = append(docs, retire(loser, db.config.ResolvePolicy))
	}
	if r.Winner != nil {
		docs = append(docs, r.Winner)
	}
	return db.BulkSet(ctx, docs)
}

func retire(loser models.Document, policy models.ResolvePolicy) models.Document {
	if policy != models.ResolveRetain {
		return loser.Tombstone()
	}
	doc := loser.Clone()
	delete(doc, constants.FieldConflicts)
	doc[constants.FieldDeleted] = true
	return doc
}
