package couchlike

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchlike/couchlike.go/internal/fakecouch"
	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/connection/local"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/logger"
	"github.com/couchlike/couchlike.go/pkg/metrics"
	"github.com/couchlike/couchlike.go/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startServer(t *testing.T, flavor fakecouch.Flavor) *fakecouch.Server {
	t.Helper()
	server, err := fakecouch.NewServer("127.0.0.1:0", flavor, "things")
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// openDetecting opens a DB without an engine type and a controllable clock.
func openDetecting(t *testing.T, server *fakecouch.Server) (*DB, *fakeClock) {
	t.Helper()
	db, err := FromURL(server.DatabaseURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	db.resolver.now = clock.Now
	return db, clock
}

func TestDetectsSyncGateway(t *testing.T) {
	server := startServer(t, fakecouch.FlavorSyncGateway)
	db, _ := openDetecting(t, server)

	assert.Equal(t, models.EngineUnknown, db.Type())
	assert.False(t, db.IsCouchbasey())

	capability, err := db.Capability(context.Background())
	require.NoError(t, err)
	assert.False(t, capability.ViewIncludeDocs)
	assert.Equal(t, models.EngineSyncGateway, db.Type())
	assert.True(t, db.IsCouchbasey())
}

func TestDetectsCouchDB(t *testing.T) {
	server := startServer(t, fakecouch.FlavorCouchDB)
	db, _ := openDetecting(t, server)

	_, err := db.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.EngineCouchDB, db.Type())
	assert.False(t, db.IsCouchbasey())
}

func TestHeartbeatIsCachedForTTL(t *testing.T) {
	server := startServer(t, fakecouch.FlavorCouchDB)
	db, clock := openDetecting(t, server)
	ctx := context.Background()
	sent := testutil.ToFloat64(metrics.CounterHeartbeats.WithLabelValues("ok"))

	for i := 0; i < 3; i++ {
		_, err := db.Get(ctx, "missing")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, server.Count("root"))

	clock.Advance(9 * time.Second)
	_, err := db.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, server.Count("root"))

	clock.Advance(2 * time.Second)
	engine := db.resolver.Current()
	_, err = db.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 2, server.Count("root"))
	// Same type, same engine.
	assert.Same(t, engine, db.resolver.Current())
	assert.Equal(t, sent+2, testutil.ToFloat64(metrics.CounterHeartbeats.WithLabelValues("ok")))
}

func TestFailedHeartbeatIsNotCached(t *testing.T) {
	server := startServer(t, fakecouch.FlavorCouchDB)
	server.AddStubResponse(fakecouch.StubResponse{
		Matcher: fakecouch.RequestMatcher{
			Method:  http.MethodGet,
			Matcher: func(r *http.Request) bool { return r.URL.Path == "/" },
		},
		Status: http.StatusServiceUnavailable,
		Body:   map[string]any{"error": "unavailable", "reason": "starting"},
		Times:  1,
	})
	db, _ := openDetecting(t, server)
	ctx := context.Background()

	_, err := db.Get(ctx, "missing")
	require.Error(t, err)
	assert.Nil(t, db.resolver.Current())
	assert.Equal(t, models.EngineUnknown, db.Type())

	_, err = db.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, models.EngineCouchDB, db.Type())
}

func TestStaticTypeSkipsHeartbeat(t *testing.T) {
	server := startServer(t, fakecouch.FlavorSyncGateway)
	db, err := FromURL(server.DatabaseURL() + "?type=couchDB")
	require.NoError(t, err)
	defer db.Close(context.Background())

	_, err = db.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, server.Count("root"))
	assert.Equal(t, models.EngineCouchDB, db.Type())
}

// typedEngine is a local engine reporting the type it was built for.
type typedEngine struct {
	*local.Engine
	typ    models.EngineType
	closed atomic.Bool
}

func (e *typedEngine) Type() models.EngineType { return e.typ }

func (e *typedEngine) Close(ctx context.Context) error {
	e.closed.Store(true)
	return nil
}

// switchingServer answers heartbeat requests with a vendor that tests can
// change.
type switchingServer struct {
	mu     sync.Mutex
	vendor string
}

func (s *switchingServer) greet(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(`{"couchdb":"Welcome","vendor":{"name":"` + s.vendor + `"}}`), nil
}

func (s *switchingServer) become(vendor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vendor = vendor
}

func newSwitchingResolver(t *testing.T) (*resolver, *switchingServer, *fakeClock) {
	t.Helper()
	store, err := localstore.Open("", "things")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := &switchingServer{vendor: "The Apache Software Foundation"}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r := &resolver{
		log:   logger.Nop(),
		ttl:   10 * time.Second,
		now:   clock.Now,
		greet: server.greet,
		build: func(t models.EngineType) (connection.Engine, error) {
			return &typedEngine{Engine: local.FromStore(store), typ: t}, nil
		},
	}
	return r, server, clock
}

func TestTypeChangeClosesEngineAfterLastLease(t *testing.T) {
	r, server, clock := newSwitchingResolver(t)
	ctx := context.Background()

	first, releaseFirst, err := r.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EngineCouchDB, first.Type())

	server.become("Couchbase Sync Gateway")
	clock.Advance(11 * time.Second)
	second, releaseSecond, err := r.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EngineSyncGateway, second.Type())
	assert.False(t, first.(*typedEngine).closed.Load(), "a leased engine stays open")

	releaseFirst()
	releaseFirst()
	assert.True(t, first.(*typedEngine).closed.Load())

	// Without leases the replaced engine closes right away.
	releaseSecond()
	assert.False(t, second.(*typedEngine).closed.Load())
	server.become("The Apache Software Foundation")
	clock.Advance(11 * time.Second)
	third, releaseThird, err := r.Acquire(ctx)
	require.NoError(t, err)
	releaseThird()
	assert.True(t, second.(*typedEngine).closed.Load())

	require.NoError(t, r.Close(ctx))
	assert.True(t, third.(*typedEngine).closed.Load())
}

func TestFeedKeepsEngineAcrossTypeChange(t *testing.T) {
	r, server, clock := newSwitchingResolver(t)
	c := &connection.Config{Type: string(models.EngineLocal)}
	require.NoError(t, c.Normalize())
	db := &DB{config: c, log: logger.Nop()}
	db.resolver = r
	db.init()
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	ctx := context.Background()

	_, err := db.Set(ctx, models.Document{"_id": "a"})
	require.NoError(t, err)
	feed, err := db.Changes.Follow(ctx, models.SequenceStart, FollowOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", nextChange(t, feed).ID)
	first := r.Current().(*typedEngine)

	server.become("Couchbase Sync Gateway")
	clock.Advance(11 * time.Second)
	_, err = db.Set(ctx, models.Document{"_id": "b"})
	require.NoError(t, err)
	assert.Equal(t, models.EngineSyncGateway, db.Type())
	assert.False(t, first.closed.Load(), "the running feed still uses the engine")

	assert.Equal(t, "b", nextChange(t, feed).ID)

	require.NoError(t, db.Changes.Unfollow(feed))
	assert.True(t, first.closed.Load())
	assert.NoError(t, feed.Err())
}
