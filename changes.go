package couchlike

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchlike/couchlike.go/internal/rand"
	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/logger"
	"github.com/couchlike/couchlike.go/pkg/metrics"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// FollowOptions tunes a change feed subscription.
type FollowOptions struct {
	// Conflicts asks for every leaf revision of each change and skips
	// deletions. Changes with more than one leaf are delivered on
	// Feed.Conflicts instead of Feed.Changes.
	Conflicts bool
	// IncludeDocs asks for document bodies on every event. Conflict mode
	// always includes them.
	IncludeDocs bool
}

// Changes opens and stops change feeds.
type Changes struct {
	db *DB

	mu    sync.Mutex
	feeds map[string]*Feed
}

// Follow subscribes to the changes after since; models.SequenceStart, or
// "", reads from the beginning. The feed runs until Unfollow, DB.Close, or
// an unrecoverable feed error, after which Feed.Err reports the cause.
//
// With a Retryer configured, a feed whose connection drops is reopened from
// the last sequence delivered.
func (c *Changes) Follow(ctx context.Context, since models.Sequence, opts FollowOptions) (*Feed, error) {
	engine, release, err := c.db.engine(ctx)
	if err != nil {
		return nil, err
	}
	if !engine.Capability().Changes {
		release()
		return nil, fmt.Errorf("%w: changes on %s", constants.ErrUnsupportedOperation, engine.Type())
	}
	if since == "" {
		since = models.SequenceStart
	}

	f := &Feed{
		ID:        rand.NewRequestID(constants.RequestIDLength),
		changes:   make(chan models.ChangeEvent, constants.DefaultFeedBuffer),
		conflicts: make(chan models.ChangeEvent, constants.DefaultFeedBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		opts:      opts,
		lastSeq:   since,
		db:        c.db,
	}
	f.log = logger.With(c.db.log, "feed", f.ID)
	stream, err := engine.Follow(ctx, f.followOptions())
	c.db.observe(engine, "follow", err)
	if err != nil {
		release()
		return nil, err
	}
	f.stream = stream
	f.release = release

	c.mu.Lock()
	c.feeds[f.ID] = f
	c.mu.Unlock()

	f.log.Debug("feed started", "since", since, "conflicts", opts.Conflicts)
	go f.run()
	return f, nil
}

// Unfollow stops feed. Stopping a feed that already ended is a no-op.
func (c *Changes) Unfollow(feed *Feed) error {
	if feed == nil {
		return fmt.Errorf("%w: nil feed", constants.ErrValidation)
	}
	if engine := c.db.resolver.Current(); engine != nil && !engine.Capability().Changes {
		return fmt.Errorf("%w: changes on %s", constants.ErrUnsupportedOperation, engine.Type())
	}
	c.mu.Lock()
	delete(c.feeds, feed.ID)
	c.mu.Unlock()

	feed.Stop()
	c.db.log.Debug("feed stopped", "feed", feed.ID)
	return nil
}

func (c *Changes) stopAll() {
	c.mu.Lock()
	feeds := make([]*Feed, 0, len(c.feeds))
	for id, f := range c.feeds {
		feeds = append(feeds, f)
		delete(c.feeds, id)
	}
	c.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
}

// Feed is one change feed subscription. Its channels are closed when the
// feed ends.
type Feed struct {
	ID string

	changes   chan models.ChangeEvent
	conflicts chan models.ChangeEvent

	opts FollowOptions
	db   *DB
	log  logger.Logger

	mu      sync.Mutex
	stream  connection.Stream
	lastSeq models.Sequence
	err     error
	// release ends the lease on the engine serving stream.
	release func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Changes delivers ordinary change events, deletions included unless the
// feed runs in conflict mode.
func (f *Feed) Changes() <-chan models.ChangeEvent {
	return f.changes
}

// Conflicts delivers the changes reporting more than one leaf revision. It
// only receives events in conflict mode.
func (f *Feed) Conflicts() <-chan models.ChangeEvent {
	return f.conflicts
}

// Done is closed once the feed has ended and its channels are closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Err returns why the feed ended; nil while it runs or after Stop.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// LastSeq returns the sequence of the last delivered event.
func (f *Feed) LastSeq() models.Sequence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeq
}

// Stop ends the feed and waits until no more events can be delivered.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.mu.Lock()
		stream := f.stream
		f.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
	})
	<-f.done
}

func (f *Feed) followOptions() connection.FollowOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.FollowOptions{
		Since:       f.lastSeq,
		Conflicts:   f.opts.Conflicts,
		IncludeDocs: f.opts.IncludeDocs || f.opts.Conflicts,
	}
}

func (f *Feed) stopped() bool {
	select {
	case <-f.stop:
		return true
	default:
		return false
	}
}

func (f *Feed) run() {
	var failure error
	defer func() {
		f.mu.Lock()
		f.err = failure
		stream, release := f.stream, f.release
		f.release = nil
		f.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		if release != nil {
			release()
		}
		close(f.changes)
		close(f.conflicts)
		close(f.done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		f.mu.Lock()
		stream := f.stream
		f.mu.Unlock()

		ev, err := stream.Next(ctx)
		if err != nil {
			if f.stopped() {
				return
			}
			if !f.reconnect(ctx, err, &attempt) {
				if !f.stopped() {
					failure = err
					f.log.Warn("feed ended", "error", err)
				}
				return
			}
			continue
		}
		if attempt > 0 {
			attempt = 0
			if r := f.db.config.Retryer; r != nil {
				r.Reset()
			}
		}
		if !f.deliver(ev) {
			return
		}
	}
}

// deliver routes ev and reports whether the feed is still running.
func (f *Feed) deliver(ev models.ChangeEvent) bool {
	out, kind := f.changes, "change"
	if f.opts.Conflicts {
		if ev.Deleted {
			f.advance(ev.Seq)
			return true
		}
		if ev.IsConflict() {
			out, kind = f.conflicts, "conflict"
		}
	}
	select {
	case out <- ev:
		f.advance(ev.Seq)
		metrics.CounterFeedEvents.WithLabelValues(kind).Inc()
		return true
	case <-f.stop:
		return false
	}
}

func (f *Feed) advance(seq models.Sequence) {
	if seq == "" {
		return
	}
	f.mu.Lock()
	f.lastSeq = seq
	f.mu.Unlock()
}

// reconnect reopens the feed from the last delivered sequence, waiting as
// the Retryer says. It reports false when the feed must end.
func (f *Feed) reconnect(ctx context.Context, cause error, attempt *int) bool {
	retryer := f.db.config.Retryer
	if retryer == nil {
		return false
	}
	for {
		delay, ok := retryer.NextDelay(*attempt, cause)
		if !ok {
			return false
		}
		*attempt++
		f.log.Warn("feed interrupted, reconnecting", "attempt", *attempt, "delay", delay.String(), "error", cause)

		timer := time.NewTimer(delay)
		select {
		case <-f.stop:
			timer.Stop()
			return false
		case <-timer.C:
		}

		engine, release, err := f.db.engine(ctx)
		if err == nil {
			var stream connection.Stream
			stream, err = engine.Follow(ctx, f.followOptions())
			if err != nil {
				release()
			} else {
				f.mu.Lock()
				old, oldRelease := f.stream, f.release
				f.stream, f.release = stream, release
				f.mu.Unlock()
				_ = old.Close()
				if oldRelease != nil {
					oldRelease()
				}
				if f.stopped() {
					return false
				}
				f.log.Info("feed reconnected", "since", f.LastSeq())
				return true
			}
		}
		cause = err
	}
}
