package connection

import (
	"context"
	"sync"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// RowSource produces the rows of a remote change feed. Next blocks until a
// row arrives; after Close it fails.
type RowSource interface {
	Next() (ChangeRow, error)
	Close() error
}

type rowStream struct {
	src         RowSource
	revsFromDoc bool

	events chan models.ChangeEvent
	failed chan struct{}
	err    error

	closeOnce sync.Once
	done      chan struct{}
}

// NewStream turns src into a Stream, reading it on a background goroutine.
// A last_seq row or a source failure ends the stream with that error; after
// Close, Next returns constants.ErrFeedStopped.
func NewStream(src RowSource, revsFromDoc bool) Stream {
	s := &rowStream{
		src:         src,
		revsFromDoc: revsFromDoc,
		events:      make(chan models.ChangeEvent),
		failed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *rowStream) run() {
	defer close(s.failed)
	for {
		row, err := s.src.Next()
		if err != nil {
			s.err = err
			return
		}
		if row.IsLast() {
			s.err = ErrFeedEnded
			return
		}
		if row.ID == "" {
			continue
		}
		select {
		case s.events <- row.Event(s.revsFromDoc):
		case <-s.done:
			s.err = constants.ErrFeedStopped
			return
		}
	}
}

func (s *rowStream) Next(ctx context.Context) (models.ChangeEvent, error) {
	select {
	case <-s.done:
		return models.ChangeEvent{}, constants.ErrFeedStopped
	default:
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.failed:
		select {
		case <-s.done:
			return models.ChangeEvent{}, constants.ErrFeedStopped
		default:
		}
		return models.ChangeEvent{}, s.err
	case <-s.done:
		return models.ChangeEvent{}, constants.ErrFeedStopped
	case <-ctx.Done():
		return models.ChangeEvent{}, ctx.Err()
	}
}

func (s *rowStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.src.Close()
	})
	return err
}
