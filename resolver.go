package couchlike

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"

	"github.com/couchlike/couchlike.go/pkg/connection"
	chttp "github.com/couchlike/couchlike.go/pkg/connection/http"
	"github.com/couchlike/couchlike.go/pkg/logger"
	"github.com/couchlike/couchlike.go/pkg/metrics"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// couchbaseVendor marks a greeting served by a Couchbase product.
const couchbaseVendor = "Couchbase"

// heartbeat is the cached outcome of the last successful heartbeat.
type heartbeat struct {
	engineType models.EngineType
	checkedAt   time.Time
}

// resolver hands out the engine of a DB. A static resolver always returns
// the configured engine. A detecting resolver fingerprints the server with a
// heartbeat request, caches the result for ttl, and rebuilds the engine only
// when the detected type changes.
//
// Engines are leased: every operation and feed holds its engine until it
// releases it. An engine replaced after a type change is closed once its
// last lease is released.
type resolver struct {
	log    logger.Logger
	static bool
	ttl    time.Duration
	now    func() time.Time

	greet func(ctx context.Context) ([]byte, error)
	build func(t models.EngineType) (connection.Engine, error)
	// release frees what greet uses.
	release func()

	mu     sync.Mutex
	state  heartbeat
	engine connection.Engine
	leases map[connection.Engine]int
	// retired engines were replaced while leased.
	retired map[connection.Engine]bool
}

func newStaticResolver(engine connection.Engine, log logger.Logger) *resolver {
	return &resolver{log: log, static: true, engine: engine, now: time.Now}
}

func newDetectingResolver(c *connection.Config, client *chttp.Client, log logger.Logger) *resolver {
	return &resolver{
		log:     log,
		ttl:     c.HeartbeatTTL,
		now:     time.Now,
		greet:   client.Greeting,
		release: client.Close,
		build: func(t models.EngineType) (connection.Engine, error) {
			return newEngine(c, t)
		},
	}
}

// Current returns the engine last resolved, or nil.
func (r *resolver) Current() connection.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

// Acquire leases the engine for the next operation. The caller calls
// release once it no longer uses the engine. Concurrent callers during
// expiry may each send a heartbeat; heartbeats are side-effect free.
func (r *resolver) Acquire(ctx context.Context) (engine connection.Engine, release func(), err error) {
	r.mu.Lock()
	if r.static || (r.engine != nil && r.now().Sub(r.state.checkedAt) < r.ttl) {
		defer r.mu.Unlock()
		return r.engine, r.leaseLocked(r.engine), nil
	}
	r.mu.Unlock()

	t, err := r.resolveType(ctx)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if r.engine != nil && r.engine.Type() == t {
		defer r.mu.Unlock()
		r.state = heartbeat{engineType: t, checkedAt: r.now()}
		return r.engine, r.leaseLocked(r.engine), nil
	}
	engine, err = r.build(t)
	if err != nil {
		r.mu.Unlock()
		return nil, nil, err
	}
	old := r.engine
	idle := false
	if old != nil {
		r.log.Info("engine type changed", "from", old.Type().String(), "to", t.String())
		idle = r.leases[old] == 0
		if !idle {
			if r.retired == nil {
				r.retired = make(map[connection.Engine]bool)
			}
			r.retired[old] = true
		}
	} else {
		r.log.Info("engine resolved", "type", t.String())
	}
	r.engine = engine
	r.state = heartbeat{engineType: t, checkedAt: r.now()}
	release = r.leaseLocked(engine)
	r.mu.Unlock()

	if idle {
		r.closeRetired(ctx, old)
	}
	return engine, release, nil
}

func (r *resolver) leaseLocked(engine connection.Engine) func() {
	if r.leases == nil {
		r.leases = make(map[connection.Engine]int)
	}
	r.leases[engine]++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.leases[engine]--
			last := r.leases[engine] <= 0
			if last {
				delete(r.leases, engine)
			}
			closing := last && r.retired[engine]
			if closing {
				delete(r.retired, engine)
			}
			r.mu.Unlock()

			if closing {
				r.closeRetired(context.Background(), engine)
			}
		})
	}
}

func (r *resolver) closeRetired(ctx context.Context, engine connection.Engine) {
	r.log.Debug("closing previous engine", "type", engine.Type().String())
	if err := engine.Close(ctx); err != nil {
		r.log.Warn("failed to close previous engine", "error", err)
	}
}

func (r *resolver) resolveType(ctx context.Context) (models.EngineType, error) {
	greeting, err := r.greet(ctx)
	if err != nil {
		metrics.CounterHeartbeats.WithLabelValues("error").Inc()
		r.log.Warn("heartbeat failed", "error", err)
		return models.EngineUnknown, fmt.Errorf("heartbeat: %w", err)
	}
	metrics.CounterHeartbeats.WithLabelValues("ok").Inc()

	t := models.EngineCouchDB
	if vendor, err := jsonparser.GetString(greeting, "vendor", "name"); err == nil && strings.Contains(vendor, couchbaseVendor) {
		t = models.EngineSyncGateway
	}
	r.log.Debug("heartbeat", "type", t.String())
	return t, nil
}

// Close closes the current engine and every replaced engine still leased.
func (r *resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	engines := make([]connection.Engine, 0, len(r.retired)+1)
	for engine := range r.retired {
		engines = append(engines, engine)
	}
	r.retired = nil
	if r.engine != nil {
		engines = append(engines, r.engine)
	}
	if r.release != nil {
		r.release()
	}
	r.mu.Unlock()

	var err error
	for _, engine := range engines {
		if closeErr := engine.Close(ctx); err == nil {
			err = closeErr
		}
	}
	return err
}
