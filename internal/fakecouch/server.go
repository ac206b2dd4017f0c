// Package fakecouch provides a fake CouchDB compatible HTTP server for
// testing purposes. It serves one database backed by an in-memory
// localstore.Store and speaks either as Apache CouchDB or as Couchbase Sync
// Gateway.
//
// The Sync Gateway flavor differs the way the real gateway does: the root
// greeting names the Couchbase vendor, view map functions are stored wrapped
// in the gateway's `_sync` preamble, views never include documents, and the
// change feed is also offered over a websocket (`feed=websocket`), served
// with the `gws` library.
//
// To flexibly inject failures, you can configure stub responses that match
// specific methods and paths, along with failure configurations that specify
// how it fails (e.g., delays, dropped connections).
package fakecouch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/couchlike/couchlike.go/internal/codec"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/logger"
)

// cryptoRandInt64 generates a cryptographically secure random int64 in [0, max)
func cryptoRandInt64(rMax int64) int64 {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(rMax))
	return n.Int64()
}

// cryptoRandFloat64 generates a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

// Flavor selects which server the fake impersonates.
type Flavor string

const (
	FlavorCouchDB     Flavor = "couchdb"
	FlavorSyncGateway Flavor = "syncgateway"
)

// FailureType represents the type of failure to inject during request processing
type FailureType string

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureRequestDelay delays before processing the request
	FailureRequestDelay FailureType = "request_delay"
	// FailureDropConnection closes the underlying network connection without a response
	FailureDropConnection FailureType = "drop_connection"
	// FailureInvalidResponse sends a body that is not JSON
	FailureInvalidResponse FailureType = "invalid_response"
)

// RequestMatcher defines criteria for matching incoming requests.
type RequestMatcher struct {
	// Method is the HTTP method to match; empty matches any.
	Method string
	// Path is the request path below the database, e.g. "doc1" or
	// "_all_docs"; empty matches any. A trailing "*" matches a prefix.
	Path string
	// Matcher is an optional function for anything else.
	Matcher func(r *http.Request) bool
}

func (m RequestMatcher) match(r *http.Request, path string) bool {
	if m.Method != "" && m.Method != r.Method {
		return false
	}
	if m.Path != "" {
		if strings.HasSuffix(m.Path, "*") {
			if !strings.HasPrefix(path, strings.TrimSuffix(m.Path, "*")) {
				return false
			}
		} else if m.Path != path {
			return false
		}
	}
	return m.Matcher == nil || m.Matcher(r)
}

// StubResponse defines a pre-configured response for matching requests.
type StubResponse struct {
	Matcher RequestMatcher
	// Status defaults to 200.
	Status int
	// Body is JSON encoded.
	Body any
	// Failures defines failure injection configurations for this response
	Failures []FailureConfig
	// Times limits how often the stub answers; 0 means always.
	Times int

	used int
}

// FailureConfig defines how and when to inject a specific failure type
type FailureConfig struct {
	Type FailureType
	// Probability of triggering this failure (0.0 to 1.0)
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// Server is a fake CouchDB compatible server over a single database.
type Server struct {
	addr     string
	flavor   Flavor
	database string

	listener net.Listener
	http     *http.Server
	router   *mux.Router
	store    *localstore.Store
	json     codec.JSON
	log      logger.Logger

	// Username and Password, when set, are required as basic auth.
	Username string
	Password string

	mu             sync.Mutex
	stubResponses  []*StubResponse
	globalFailures []FailureConfig
	counts         map[string]int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new fake server for database.
// Use "127.0.0.1:0" to bind to a random available port.
func NewServer(addr string, flavor Flavor, database string) (*Server, error) {
	store, err := localstore.Open("", database)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:     addr,
		flavor:   flavor,
		database: database,
		store:    store,
		log:      logger.Nop(),
		counts:   map[string]int{},
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(l logger.Logger) {
	s.log = l
}

// Store exposes the backing store, for seeding and inspection.
func (s *Server) Store() *localstore.Store {
	return s.store
}

// Flavor returns the impersonated server.
func (s *Server) Flavor() Flavor {
	return s.flavor
}

// Database returns the name of the served database.
func (s *Server) Database() string {
	return s.database
}

// AddStubResponse adds a stub response configuration to the server.
// Stub responses are matched in the order they were added.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubResponses = append(s.stubResponses, &stub)
}

// SetGlobalFailures sets failure configurations that apply to all requests.
// These are checked before stub-specific failures.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// Count returns how many requests a route has served. Routes are named
// "root", "info", "get", "put", "delete", "all_docs", "bulk_docs",
// "changes", "view", "design_get", "design_put" and "design_delete".
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// ResetCounts zeroes every route counter.
func (s *Server) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = map[string]int{}
}

func (s *Server) count(route string) {
	s.mu.Lock()
	s.counts[route]++
	s.mu.Unlock()
}

// Start starts the server and begins accepting connections.
// Returns an error if the server cannot bind to the specified address.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("fake server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the server, closes open feeds and the store.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Address returns the actual address the server is listening on.
// This is useful when using "127.0.0.1:0" to get the assigned port.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return "http://" + s.Address()
}

// DatabaseURL returns the URL of the database, suitable for NewConfig.
func (s *Server) DatabaseURL() string {
	return s.URL() + "/" + s.database
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Name or password is incorrect.")
			return
		}
	}

	s.mu.Lock()
	globalFailures := s.globalFailures
	s.mu.Unlock()
	for _, failure := range globalFailures {
		if shouldTriggerFailure(failure.Probability) {
			if s.applyFailure(w, failure) {
				return
			}
		}
	}

	if stub := s.matchStub(r); stub != nil {
		for _, failure := range stub.Failures {
			if shouldTriggerFailure(failure.Probability) {
				if s.applyFailure(w, failure) {
					return
				}
			}
		}
		status := stub.Status
		if status == 0 {
			status = http.StatusOK
		}
		s.writeJSON(w, status, stub.Body)
		return
	}

	s.router.ServeHTTP(w, r)
}

func (s *Server) matchStub(r *http.Request) *StubResponse {
	path := strings.TrimPrefix(r.URL.Path, "/"+s.database)
	path = strings.TrimPrefix(path, "/")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stub := range s.stubResponses {
		if stub.Times > 0 && stub.used >= stub.Times {
			continue
		}
		if stub.Matcher.match(r, path) {
			stub.used++
			return stub
		}
	}
	return nil
}

// applyFailure reports whether the request has been answered.
func (s *Server) applyFailure(w http.ResponseWriter, failure FailureConfig) bool {
	switch failure.Type {
	case FailureRequestDelay:
		time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))
		return false

	case FailureDropConnection:
		hj, ok := w.(http.Hijacker)
		if !ok {
			return false
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			s.log.Warn("hijack failed", "error", err)
			return false
		}
		conn.Close()
		return true

	case FailureInvalidResponse:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"truncated\":"))
		return true
	}
	return false
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	return dMin + time.Duration(cryptoRandInt64(int64(dMax-dMin)))
}

// MatchPath creates a RequestMatcher for a method and a path below the database.
func MatchPath(method, path string) RequestMatcher {
	return RequestMatcher{Method: method, Path: path}
}

// SimpleStubResponse creates a 200 stub response without failure injection.
func SimpleStubResponse(method, path string, body any) StubResponse {
	return StubResponse{Matcher: MatchPath(method, path), Body: body}
}

// ErrorStubResponse creates a stub response with a CouchDB style error body.
func ErrorStubResponse(method, path string, status int, name, reason string) StubResponse {
	return StubResponse{
		Matcher: MatchPath(method, path),
		Status:  status,
		Body:    map[string]any{"error": name, "reason": reason},
	}
}

// WrappedNotFoundStub answers like Sync Gateway does for some missing
// documents: a 500 whose reason embeds the 404.
func WrappedNotFoundStub(path string) StubResponse {
	return ErrorStubResponse(http.MethodGet, path, http.StatusInternalServerError,
		"Internal Server Error", "Internal error: 404 not_found")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	raw, err := s.json.Marshal(body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (s *Server) writeError(w http.ResponseWriter, status int, name, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := s.json.Marshal(map[string]any{"error": name, "reason": reason})
	_, _ = w.Write(raw)
}
