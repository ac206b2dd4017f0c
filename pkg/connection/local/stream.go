package local

import (
	"context"
	"strconv"
	"sync"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/models"
)

type stream struct {
	store *localstore.Store
	opts  localstore.ChangesOptions

	pending []localstore.Change

	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) Next(ctx context.Context) (models.ChangeEvent, error) {
	for len(s.pending) == 0 {
		select {
		case <-s.done:
			return models.ChangeEvent{}, constants.ErrFeedStopped
		default:
		}

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		changes, last, err := s.store.WaitChanges(waitCtx, s.opts)
		cancel()
		if err != nil {
			select {
			case <-s.done:
				return models.ChangeEvent{}, constants.ErrFeedStopped
			default:
			}
			return models.ChangeEvent{}, err
		}
		s.opts.Since = last
		s.pending = changes
	}

	c := s.pending[0]
	s.pending = s.pending[1:]
	return models.ChangeEvent{
		Seq:       models.Sequence(strconv.FormatInt(c.Seq, 10)),
		ID:        c.ID,
		Deleted:   c.Deleted,
		Doc:       c.Doc,
		Revisions: c.Revs,
	}, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
