package couchlike

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/connection/local"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/logger"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// flakyEngine drops its first change feed after one event.
type flakyEngine struct {
	*local.Engine
	capability *models.Capability
	// refuse fails every Follow after the first.
	refuse bool

	mu      sync.Mutex
	follows []models.Sequence
}

func (e *flakyEngine) Capability() models.Capability {
	if e.capability != nil {
		return *e.capability
	}
	return e.Engine.Capability()
}

func (e *flakyEngine) Follow(ctx context.Context, opts connection.FollowOptions) (connection.Stream, error) {
	e.mu.Lock()
	e.follows = append(e.follows, opts.Since)
	first := len(e.follows) == 1
	e.mu.Unlock()

	if !first && e.refuse {
		return nil, connection.ErrFeedEnded
	}
	stream, err := e.Engine.Follow(ctx, opts)
	if err != nil || !first {
		return stream, err
	}
	return &droppingStream{Stream: stream, left: 1}, nil
}

func (e *flakyEngine) Follows() []models.Sequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Sequence(nil), e.follows...)
}

type droppingStream struct {
	connection.Stream
	left int
}

func (s *droppingStream) Next(ctx context.Context) (models.ChangeEvent, error) {
	if s.left == 0 {
		return models.ChangeEvent{}, connection.ErrFeedEnded
	}
	s.left--
	return s.Stream.Next(ctx)
}

func openFlaky(t *testing.T, retryer connection.Retryer) (*DB, *flakyEngine) {
	t.Helper()
	store, err := localstore.Open("", "things")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := &flakyEngine{Engine: local.FromStore(store)}
	c := &connection.Config{Type: string(models.EngineLocal), Retryer: retryer}
	require.NoError(t, c.Normalize())
	db := &DB{config: c, log: logger.Nop()}
	db.resolver = newStaticResolver(engine, db.log)
	db.init()
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db, engine
}

func nextChange(t *testing.T, feed *Feed) models.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-feed.Changes():
		require.True(t, ok, "feed ended: %v", feed.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change")
	}
	return models.ChangeEvent{}
}

func TestFeedReconnectsFromLastSeq(t *testing.T) {
	db, engine := openFlaky(t, connection.NewFixedDelayRetryer(10*time.Millisecond, 3))
	ctx := context.Background()

	_, err := db.Set(ctx, models.Document{"_id": "a"})
	require.NoError(t, err)
	feed, err := db.Changes.Follow(ctx, models.SequenceStart, FollowOptions{})
	require.NoError(t, err)

	assert.Equal(t, "a", nextChange(t, feed).ID)

	_, err = db.Set(ctx, models.Document{"_id": "b"})
	require.NoError(t, err)
	ev := nextChange(t, feed)
	assert.Equal(t, "b", ev.ID)
	assert.Equal(t, []models.Sequence{models.SequenceStart, "1"}, engine.Follows())
	assert.Equal(t, ev.Seq, feed.LastSeq())

	require.NoError(t, db.Changes.Unfollow(feed))
	assert.NoError(t, feed.Err())
}

func TestFeedEndsWithoutRetryer(t *testing.T) {
	db, engine := openFlaky(t, nil)
	ctx := context.Background()

	_, err := db.Set(ctx, models.Document{"_id": "a"})
	require.NoError(t, err)
	feed, err := db.Changes.Follow(ctx, "", FollowOptions{})
	require.NoError(t, err)

	assert.Equal(t, "a", nextChange(t, feed).ID)
	select {
	case <-feed.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not end")
	}
	assert.ErrorIs(t, feed.Err(), connection.ErrFeedEnded)
	_, open := <-feed.Conflicts()
	assert.False(t, open)
	assert.Len(t, engine.Follows(), 1)

	// Stopping an ended feed is fine.
	assert.NoError(t, db.Changes.Unfollow(feed))
}

func TestFeedGivesUpWhenRetryerDoes(t *testing.T) {
	db, engine := openFlaky(t, connection.NewFixedDelayRetryer(time.Millisecond, 2))
	engine.refuse = true
	ctx := context.Background()

	_, err := db.Set(ctx, models.Document{"_id": "a"})
	require.NoError(t, err)
	feed, err := db.Changes.Follow(ctx, models.SequenceStart, FollowOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", nextChange(t, feed).ID)

	select {
	case <-feed.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not give up")
	}
	assert.ErrorIs(t, feed.Err(), connection.ErrFeedEnded)
	assert.Equal(t, []models.Sequence{models.SequenceStart, "1", "1"}, engine.Follows())
}

func TestFeedRoutesConflicts(t *testing.T) {
	db, _ := openFlaky(t, connection.NewFixedDelayRetryer(time.Millisecond, 0))
	ctx := context.Background()

	feed, err := db.Changes.Follow(ctx, models.SequenceStart, FollowOptions{Conflicts: true})
	require.NoError(t, err)

	_, err = db.Set(ctx, models.Document{"_id": "gone"})
	require.NoError(t, err)
	require.NoError(t, db.Remove(ctx, "gone"))
	_, err = db.Set(ctx, models.Document{"_id": "c1", "v": 1})
	require.NoError(t, err)
	_, err = db.Force(ctx, models.Document{"_id": "c1", "_rev": "1-ffffffffffffffffffffffffffffffff", "v": 2})
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-feed.Conflicts():
			assert.Equal(t, "c1", ev.ID)
			assert.True(t, ev.IsConflict())
			require.NoError(t, db.Changes.Unfollow(feed))
			return
		case ev := <-feed.Changes():
			assert.NotEqual(t, "gone", ev.ID, "deletions are skipped in conflict mode")
			assert.False(t, ev.Deleted)
		case <-timeout:
			t.Fatal("no conflict event")
		}
	}
}

func TestUnsupportedCapabilities(t *testing.T) {
	db, engine := openFlaky(t, nil)
	engine.capability = &models.Capability{}
	ctx := context.Background()

	_, err := db.Changes.Follow(ctx, models.SequenceStart, FollowOptions{})
	assert.ErrorIs(t, err, constants.ErrUnsupportedOperation)
	assert.ErrorIs(t, db.Changes.Unfollow(&Feed{}), constants.ErrUnsupportedOperation)
	assert.ErrorIs(t, db.Changes.Unfollow(nil), constants.ErrValidation)

	_, err = db.Views.GetByView(ctx, "app", "users", models.ViewParams{}, nil)
	assert.ErrorIs(t, err, constants.ErrUnsupportedOperation)
	assert.Empty(t, engine.Follows())
}
