package couchlike_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/couchlike/couchlike.go"
	"github.com/couchlike/couchlike.go/internal/fakecouch"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	cslog "github.com/couchlike/couchlike.go/pkg/logger/slog"
	"github.com/couchlike/couchlike.go/pkg/models"
)

const usersMap = `(doc.type == "user") ? emit(doc.name, null) : null`

// DBTestSuite runs the same scenarios against every engine. HTTP engines
// talk to an in-process fake server.
type DBTestSuite struct {
	suite.Suite
	engine models.EngineType

	server *fakecouch.Server
	store  *localstore.Store
	db     *couchlike.DB
}

func TestLocalEngine(t *testing.T) {
	suite.Run(t, &DBTestSuite{engine: models.EngineLocal})
}

func TestCouchDBEngine(t *testing.T) {
	suite.Run(t, &DBTestSuite{engine: models.EngineCouchDB})
}

func TestSyncGatewayEngine(t *testing.T) {
	suite.Run(t, &DBTestSuite{engine: models.EngineSyncGateway})
}

func (s *DBTestSuite) SetupTest() {
	var err error
	switch s.engine {
	case models.EngineLocal:
		s.store, err = localstore.Open("", "things")
		s.Require().NoError(err)
		s.db, err = couchlike.FromLocalStore(s.store)
		s.Require().NoError(err)
	case models.EngineCouchDB, models.EngineSyncGateway:
		flavor := fakecouch.FlavorCouchDB
		if s.engine == models.EngineSyncGateway {
			flavor = fakecouch.FlavorSyncGateway
		}
		s.server, err = fakecouch.NewServer("127.0.0.1:0", flavor, "things")
		s.Require().NoError(err)
		s.Require().NoError(s.server.Start())
		s.db, err = couchlike.FromURL(s.server.DatabaseURL() + "?type=" + string(s.engine))
		s.Require().NoError(err)
	}
}

func (s *DBTestSuite) TearDownTest() {
	s.NoError(s.db.Close(context.Background()))
	if s.server != nil {
		s.NoError(s.server.Stop())
		s.server = nil
	}
	if s.store != nil {
		s.NoError(s.store.Close())
		s.store = nil
	}
}

// count returns how often the fake server answered route; the local engine
// has no server and always reports 0.
func (s *DBTestSuite) count(route string) int {
	if s.server == nil {
		return 0
	}
	return s.server.Count(route)
}

func (s *DBTestSuite) TestPing() {
	info, err := s.db.Ping(context.Background())
	s.Require().NoError(err)
	s.NotEmpty(info)
	s.Equal(s.engine, s.db.Type())
	s.Equal(s.engine == models.EngineSyncGateway, s.db.IsCouchbasey())
}

func (s *DBTestSuite) TestSetGetRemove() {
	ctx := context.Background()

	doc, err := s.db.Set(ctx, models.Document{"_id": "doc1", "foo": "bar"})
	s.Require().NoError(err)
	s.NotEmpty(doc.Rev())

	got, err := s.db.Get(ctx, "doc1")
	s.Require().NoError(err)
	s.Equal(models.Document{"_id": "doc1", "foo": "bar", "_rev": doc.Rev()}, got)

	s.Require().NoError(s.db.Remove(ctx, "doc1"))
	got, err = s.db.Get(ctx, "doc1")
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *DBTestSuite) TestGetMissingIsNil() {
	doc, err := s.db.Get(context.Background(), "nope")
	s.Require().NoError(err)
	s.Nil(doc)

	revs, err := s.db.GetRevisions(context.Background(), "nope")
	s.Require().NoError(err)
	s.Empty(revs)
}

func (s *DBTestSuite) TestGetWrappedNotFoundIsNil() {
	if s.engine != models.EngineCouchDB {
		s.T().Skip("the wrapped 404 is a CouchDB server answer")
	}
	s.server.AddStubResponse(fakecouch.StubResponse{
		Matcher: fakecouch.RequestMatcher{Method: "GET", Path: "ghost"},
		Status:  500,
		Body:    map[string]any{"error": "internal_server_error", "reason": "not_found"},
	})

	doc, err := s.db.Get(context.Background(), "ghost")
	s.Require().NoError(err)
	s.Nil(doc)
}

func (s *DBTestSuite) TestRemoveMissingIsNoop() {
	s.NoError(s.db.Remove(context.Background(), "nope"))
	s.Zero(s.count("delete"))
}

func (s *DBTestSuite) TestSetWithoutIDFailsBeforeDispatch() {
	ctx := context.Background()
	_, err := s.db.Set(ctx, models.Document{"foo": "bar"})
	s.ErrorIs(err, constants.ErrValidation)
	_, err = s.db.Set(ctx, nil)
	s.ErrorIs(err, constants.ErrValidation)
	_, err = s.db.Force(ctx, models.Document{"_id": "x"})
	s.ErrorIs(err, constants.ErrValidation)
	_, err = s.db.BulkSet(ctx, []models.Document{{"_id": "a"}, {"foo": "bar"}})
	s.ErrorIs(err, constants.ErrValidation)

	s.Zero(s.count("put"))
	s.Zero(s.count("bulk_docs"))
}

func (s *DBTestSuite) TestStaleRevisionConflicts() {
	ctx := context.Background()
	_, err := s.db.Set(ctx, models.Document{"_id": "doc1", "v": 1})
	s.Require().NoError(err)

	_, err = s.db.Set(ctx, models.Document{"_id": "doc1", "v": 2})
	s.ErrorIs(err, constants.ErrConcurrencyConflict)
}

func (s *DBTestSuite) TestBulkGetEmpty() {
	res, err := s.db.BulkGet(context.Background(), nil)
	s.Require().NoError(err)
	s.Empty(res.Rows)
	s.Zero(res.TotalRows)
	s.Zero(s.count("all_docs"))
	s.Zero(s.count("get"))
}

func (s *DBTestSuite) TestBulkSetAndGet() {
	ctx := context.Background()
	results, err := s.db.BulkSet(ctx, []models.Document{
		{"_id": "a", "n": 1},
		{"_id": "b", "n": 2},
		{"_id": "c", "n": 3},
	})
	s.Require().NoError(err)
	s.Require().Len(results, 3)
	for _, r := range results {
		s.Empty(r.Error)
		s.NotEmpty(r.Rev)
	}

	// A stale write comes back as a per-document error.
	results, err = s.db.BulkSet(ctx, []models.Document{{"_id": "a", "n": 10}})
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal("conflict", results[0].Error)

	res, err := s.db.BulkGet(ctx, []string{"a", "b", "missing", "c"})
	s.Require().NoError(err)
	docs := res.Docs()
	s.Require().Len(docs, 3)
	s.Equal("a", docs[0].ID())
	s.Equal("b", docs[1].ID())
	s.Equal("c", docs[2].ID())
}

func (s *DBTestSuite) TestViewSetWritesOnce() {
	ctx := context.Background()
	s.Require().NoError(s.db.Views.Set(ctx, "app", "users", usersMap))
	first, err := s.db.Views.GetDesignDoc(ctx, "app")
	s.Require().NoError(err)
	s.Require().NotNil(first)

	s.Require().NoError(s.db.Views.Set(ctx, "app", "users", usersMap))
	s.Require().NoError(s.db.Views.Set(ctx, "app", "users", "(doc.type ==\n  \"user\") ?  emit(doc.name, null)\t: null"))

	second, err := s.db.Views.GetDesignDoc(ctx, "_design/app")
	s.Require().NoError(err)
	s.Equal(first.Rev, second.Rev)
	if s.server != nil {
		s.Equal(1, s.count("design_put"))
	}

	def, err := s.db.Views.Get(ctx, "app", "users")
	s.Require().NoError(err)
	s.Require().NotNil(def)
	s.Equal(usersMap, def.Map)
}

func (s *DBTestSuite) TestViewSetBulk() {
	ctx := context.Background()
	maps := map[string]string{
		"users":  usersMap,
		"by_age": `emit(doc.age, null)`,
	}
	s.Require().NoError(s.db.Views.SetBulk(ctx, "app", maps))
	dd, err := s.db.Views.GetDesignDoc(ctx, "app")
	s.Require().NoError(err)
	s.Len(dd.Views, 2)

	s.Require().NoError(s.db.Views.SetBulk(ctx, "app", maps))
	again, err := s.db.Views.GetDesignDoc(ctx, "app")
	s.Require().NoError(err)
	s.Equal(dd.Rev, again.Rev)

	maps["by_age"] = `emit(doc.age, doc.name)`
	s.Require().NoError(s.db.Views.SetBulk(ctx, "app", maps))
	changed, err := s.db.Views.GetDesignDoc(ctx, "app")
	s.Require().NoError(err)
	s.NotEqual(dd.Rev, changed.Rev)
	s.Len(changed.Views, 2)
}

func (s *DBTestSuite) TestViewSetBulkRejectsBrokenMap() {
	if s.engine != models.EngineLocal {
		s.T().Skip("only the local engine evaluates maps")
	}
	ctx := context.Background()
	err := s.db.Views.SetBulk(ctx, "app", map[string]string{"users": usersMap, "broken": `emit(`})
	s.ErrorIs(err, constants.ErrValidation)

	dd, err := s.db.Views.GetDesignDoc(ctx, "app")
	s.Require().NoError(err)
	s.Nil(dd, "nothing is written when a map does not compile")
}

func (s *DBTestSuite) TestViewRemove() {
	ctx := context.Background()
	s.NoError(s.db.Views.Remove(ctx, "missing", "users"))

	s.Require().NoError(s.db.Views.SetBulk(ctx, "app", map[string]string{"users": usersMap, "all": `emit(doc._id, null)`}))
	s.Require().NoError(s.db.Views.Remove(ctx, "app", "users"))

	def, err := s.db.Views.Get(ctx, "app", "users")
	s.Require().NoError(err)
	s.Nil(def)
	def, err = s.db.Views.Get(ctx, "app", "all")
	s.Require().NoError(err)
	s.Require().NotNil(def)
	s.Equal(`emit(doc._id, null)`, def.Map)
}

func (s *DBTestSuite) TestGetByView() {
	ctx := context.Background()
	_, err := s.db.BulkSet(ctx, []models.Document{
		{"_id": "u1", "type": "user", "name": "ann"},
		{"_id": "u2", "type": "user", "name": "bob"},
		{"_id": "p1", "type": "post", "name": "hello"},
	})
	s.Require().NoError(err)
	s.Require().NoError(s.db.Views.Set(ctx, "app", "users", usersMap))

	var seen []string
	docs, err := s.db.Views.GetByView(ctx, "app", "users", models.ViewParams{}, func(doc models.Document) {
		seen = append(seen, doc.ID())
	})
	s.Require().NoError(err)
	s.Require().Len(docs, 2)
	s.Equal([]string{"u1", "u2"}, seen)
	s.Equal("ann", docs[0]["name"])
	s.Equal("bob", docs[1]["name"])

	docs, err = s.db.Views.GetByView(ctx, "app", "users", models.ViewParams{Key: "bob"}, nil)
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("u2", docs[0].ID())
}

func (s *DBTestSuite) TestResolveConflict() {
	ctx := context.Background()
	base, err := s.db.Set(ctx, models.Document{"_id": "c1", "v": "base"})
	s.Require().NoError(err)
	_, err = s.db.Force(ctx, models.Document{"_id": "c1", "_rev": "1-ffffffffffffffffffffffffffffffff", "v": "forced"})
	s.Require().NoError(err)

	leaves, err := s.db.GetRevisions(ctx, "c1")
	s.Require().NoError(err)
	s.Require().Len(leaves, 2)

	var winner, loser models.Document
	for _, leaf := range leaves {
		if leaf.Rev() == base.Rev() {
			winner = leaf
		} else {
			loser = leaf
		}
	}
	s.Require().NotNil(winner)
	s.Require().NotNil(loser)

	results, err := s.db.Resolve(ctx, models.Resolution{Winner: winner, Losers: []models.Document{loser}})
	s.Require().NoError(err)
	s.Require().Len(results, 2)
	for _, r := range results {
		s.Empty(r.Error, r.Reason)
	}

	got, err := s.db.Get(ctx, "c1")
	s.Require().NoError(err)
	s.Equal("base", got["v"])

	leaves, err = s.db.GetRevisions(ctx, "c1")
	s.Require().NoError(err)
	s.Require().Len(leaves, 1)
	s.Equal("base", leaves[0]["v"])
}

func (s *DBTestSuite) TestChangeFeed() {
	ctx := context.Background()
	feed, err := s.db.Changes.Follow(ctx, models.SequenceStart, couchlike.FollowOptions{})
	s.Require().NoError(err)

	_, err = s.db.Set(ctx, models.Document{"_id": "doc2", "v": 1})
	s.Require().NoError(err)

	seen := 0
	timeout := time.After(5 * time.Second)
	settle := (<-chan time.Time)(nil)
	for done := false; !done; {
		select {
		case ev, ok := <-feed.Changes():
			s.Require().True(ok, "feed ended early: %v", feed.Err())
			if ev.ID == "doc2" {
				seen++
				settle = time.After(300 * time.Millisecond)
			}
		case <-settle:
			done = true
		case <-timeout:
			s.FailNow("no change event for doc2")
		}
	}
	s.Equal(1, seen)
	s.NotEqual(models.SequenceStart, feed.LastSeq())

	s.Require().NoError(s.db.Changes.Unfollow(feed))
	<-feed.Done()
	_, open := <-feed.Changes()
	s.False(open)
	s.NoError(feed.Err())
	s.NoError(s.db.Changes.Unfollow(feed))
}

func (s *DBTestSuite) TestConflictFeed() {
	ctx := context.Background()
	feed, err := s.db.Changes.Follow(ctx, models.SequenceStart, couchlike.FollowOptions{Conflicts: true})
	s.Require().NoError(err)
	defer func() { s.NoError(s.db.Changes.Unfollow(feed)) }()

	_, err = s.db.Set(ctx, models.Document{"_id": "c2", "v": "base"})
	s.Require().NoError(err)
	_, err = s.db.Force(ctx, models.Document{"_id": "c2", "_rev": "1-ffffffffffffffffffffffffffffffff", "v": "forced"})
	s.Require().NoError(err)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-feed.Conflicts():
			s.Equal("c2", ev.ID)
			s.Len(ev.Revisions, 2)
			return
		case <-feed.Changes():
		case <-timeout:
			s.FailNow("no conflict event for c2", "feed error: %v", feed.Err())
		}
	}
}

func (s *DBTestSuite) TestCloseIsFinal() {
	ctx := context.Background()
	feed, err := s.db.Changes.Follow(ctx, models.SequenceStart, couchlike.FollowOptions{})
	s.Require().NoError(err)

	s.Require().NoError(s.db.Close(ctx))
	<-feed.Done()
	s.NoError(s.db.Close(ctx))

	_, err = s.db.Get(ctx, "doc1")
	s.ErrorIs(err, constants.ErrClosed)
}

func TestFromLocalStoreRetainPolicy(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open("", "things")
	require.NoError(t, err)
	defer store.Close()

	db, err := couchlike.FromLocalStore(store, couchlike.WithResolvePolicy(models.ResolveRetain))
	require.NoError(t, err)
	defer db.Close(ctx)

	base, err := db.Set(ctx, models.Document{"_id": "c1", "v": "base"})
	require.NoError(t, err)
	_, err = db.Force(ctx, models.Document{"_id": "c1", "_rev": "1-ffffffffffffffffffffffffffffffff", "v": "forced"})
	require.NoError(t, err)

	loser, err := store.Get(ctx, "c1", localstore.GetOptions{Rev: "1-ffffffffffffffffffffffffffffffff"})
	require.NoError(t, err)
	_, err = db.Resolve(ctx, models.Resolution{Losers: []models.Document{loser}})
	require.NoError(t, err)

	leaves, err := db.GetRevisions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, base.Rev(), leaves[0].Rev())

	// The retired leaf kept its body.
	all, err := store.Revisions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].Deleted())
	assert.Equal(t, "forced", all[1]["v"])
}

func TestFromLocalStoreRejectsUnknownPolicy(t *testing.T) {
	store, err := localstore.Open("", "things")
	require.NoError(t, err)
	defer store.Close()

	_, err = couchlike.FromLocalStore(store, couchlike.WithResolvePolicy("keep-everything"))
	assert.ErrorIs(t, err, constants.ErrConfiguration)
	_, err = couchlike.FromLocalStore(nil)
	assert.ErrorIs(t, err, constants.ErrConfiguration)
}

func TestFromURLRejectsBadConfig(t *testing.T) {
	_, err := couchlike.FromURL("ftp://localhost/things")
	assert.ErrorIs(t, err, constants.ErrConfiguration)
	_, err = couchlike.FromURL("http://localhost:5984/things?type=mongo")
	assert.ErrorIs(t, err, constants.ErrConfiguration)
	_, err = couchlike.New(nil)
	assert.ErrorIs(t, err, constants.ErrConfiguration)
}

func TestFromEnv(t *testing.T) {
	server, err := fakecouch.NewServer("127.0.0.1:0", fakecouch.FlavorCouchDB, "things")
	require.NoError(t, err)
	require.NoError(t, server.Start())
	defer server.Stop()

	t.Setenv(couchlike.EnvURL, server.DatabaseURL())
	t.Setenv(couchlike.EnvType, "couchdb")

	db, err := couchlike.FromEnv()
	require.NoError(t, err)
	defer db.Close(context.Background())
	assert.Equal(t, models.EngineCouchDB, db.Type())

	_, err = db.Ping(context.Background())
	require.NoError(t, err)
}

func TestWithLoggerScopesEntries(t *testing.T) {
	store, err := localstore.Open("", "things")
	require.NoError(t, err)
	defer store.Close()

	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	db, err := couchlike.FromLocalStore(store, couchlike.WithLogger(cslog.New(handler)))
	require.NoError(t, err)
	defer db.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, db.Views.Set(ctx, "app", "users", usersMap))
	feed, err := db.Changes.Follow(ctx, models.SequenceStart, couchlike.FollowOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Changes.Unfollow(feed))

	entries := map[string]map[string]any{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries[entry["msg"].(string)] = entry
	}
	require.Contains(t, entries, "design document written")
	assert.Equal(t, "things", entries["design document written"]["db"])
	require.Contains(t, entries, "feed started")
	assert.Equal(t, "things", entries["feed started"]["db"])
	assert.Equal(t, feed.ID, entries["feed started"]["feed"])
}
