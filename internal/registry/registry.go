// Package registry is the in-memory session registry: the authoritative
// runtime mapping from session id to {worker handle, port, timestamps, user
// metadata}. It is the single source of truth for routing; the store is
// advisory only.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/log"
	"golang.org/x/sync/errgroup"

	"github.com/aprsa/phoebe.server/internal/metrics"
	"github.com/aprsa/phoebe.server/internal/portpool"
	"github.com/aprsa/phoebe.server/internal/rpcproxy"
	"github.com/aprsa/phoebe.server/internal/store"
	"github.com/aprsa/phoebe.server/internal/supervisor"
)

// ErrUnknownSession is returned by Proxy when the id isn't in the registry.
// End, Get and the other lookups report an unknown id with a false result.
var ErrUnknownSession = errors.New("registry: unknown session")

// ErrSpawnFailed is returned by Create when the worker never became ready;
// the caller has already been rolled back (port released, no entry).
var ErrSpawnFailed = supervisor.ErrSpawnFailed

// ErrNoCapacity is returned by Create when the port pool is exhausted.
var ErrNoCapacity = portpool.ErrNoCapacity

// WorkerHandle is the subset of *supervisor.Handle the registry depends on.
// Expressed as an interface at the point of use so tests can substitute a
// fake worker without spawning a real OS process.
type WorkerHandle interface {
	IsAlive() bool
	MemoryMiB() (float64, bool)
	Terminate(graceSeconds int)
}

// WorkerSupervisor is the subset of *supervisor.Supervisor the registry
// depends on, expressed so tests can substitute a fake worker without
// spawning a real OS process.
type WorkerSupervisor interface {
	Spawn(ctx context.Context, port int) (WorkerHandle, error)
}

// EventStore is the subset of *store.Store the registry depends on.
// *store.Store satisfies this directly.
type EventStore interface {
	LogSessionCreated(sessionID string, createdAt float64, port int, clientIP, userAgent string)
	LogSessionDestroyed(sessionID string, destroyedAt float64, reason string)
	LogSessionActivity(sessionID string, lastActivity float64)
	LogSessionMetric(sessionID string, timestamp, memoryUsedMB float64)
}

// supervisorAdapter wraps a *supervisor.Supervisor to satisfy
// WorkerSupervisor, since Go requires exact return-type match for interface
// satisfaction and *supervisor.Handle must be widened to WorkerHandle here.
type supervisorAdapter struct {
	sup *supervisor.Supervisor
}

func (a supervisorAdapter) Spawn(ctx context.Context, port int) (WorkerHandle, error) {
	h, err := a.sup.Spawn(ctx, port)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Termination reasons, a closed set.
const (
	ReasonManual         = "manual"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonServerShutdown = "server_shutdown"
	ReasonDeadProcess    = "dead_process"
)

// UserInfo is the optional user metadata attached to a session.
type UserInfo struct {
	FirstName   string
	LastName    string
	Email       string
	DisplayName string
}

// Snapshot is a session entry projected to a serializable subset: no worker
// handle, since that isn't serializable.
type Snapshot struct {
	SessionID    string
	CreatedAt    float64
	LastActivity float64
	Port         int
	MemMiB       float64
	ClientIP     string
	UserAgent    string
	User         UserInfo
}

type entry struct {
	snapshot Snapshot
	worker   WorkerHandle
	proxy    *rpcproxy.Proxy
}

// Registry is the live session table plus the port pool it draws from. mu
// guards the session map only; the pool is guarded by its own mutex, so
// create and end update the two under separate locks, not as one step.
type Registry struct {
	log        log.Logger
	pool       *portpool.Pool
	supervisor WorkerSupervisor
	store      EventStore
	metrics    *metrics.Metrics
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// New builds a Registry over pool, spawning/terminating workers through sup,
// durably logging through st, and reporting session/pool gauges through m.
// This is the production constructor; see NewWithDeps for tests that
// substitute fakes.
func New(pool *portpool.Pool, sup *supervisor.Supervisor, st *store.Store, m *metrics.Metrics) *Registry {
	return NewWithDeps(pool, supervisorAdapter{sup: sup}, st, m)
}

// NewWithDeps builds a Registry over explicit WorkerSupervisor/EventStore
// implementations, letting tests substitute fakes for both.
func NewWithDeps(pool *portpool.Pool, sup WorkerSupervisor, st EventStore, m *metrics.Metrics) *Registry {
	return &Registry{
		log:        log.Scoped("registry", "session registry"),
		pool:       pool,
		supervisor: sup,
		store:      st,
		metrics:    m,
		now:        time.Now,
		sessions:   make(map[string]*entry),
	}
}

// reportPoolOccupancy refreshes the port-pool gauges from the pool's current
// status. Called after every create/end so /metrics never lags behind the
// registry's own view of occupancy.
func (r *Registry) reportPoolOccupancy() {
	status := r.pool.Status()
	r.metrics.PortPoolAvailable.Set(float64(status.AvailableCount))
	r.metrics.PortPoolReserved.Set(float64(status.ReservedCount))
}

func (r *Registry) nowSeconds() float64 {
	return float64(r.now().UnixNano()) / 1e9
}

// Create allocates a port, spawns and probes a worker, and registers the
// session. The port comes from the pool under the pool's own lock; the
// session is added to the registry under the registry lock only once the
// worker is ready, so no placeholder entry exists while it starts. The slow
// spawn/probe holds neither lock, so one session's startup never blocks
// every other caller.
func (r *Registry) Create(ctx context.Context, clientIP, userAgent string) (Snapshot, error) {
	port, err := r.pool.Request()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w", err)
	}

	sessionID := uuid.NewString()

	handle, err := r.supervisor.Spawn(ctx, port)
	if err != nil {
		r.pool.Release(port)
		return Snapshot{}, fmt.Errorf("%w", ErrSpawnFailed)
	}

	createdAt := r.nowSeconds()
	snap := Snapshot{
		SessionID:    sessionID,
		CreatedAt:    createdAt,
		LastActivity: createdAt,
		Port:         port,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		User:         UserInfo{DisplayName: "Not logged in"},
	}

	r.mu.Lock()
	r.sessions[sessionID] = &entry{
		snapshot: snap,
		worker:   handle,
		proxy:    rpcproxy.New(port),
	}
	r.mu.Unlock()

	r.store.LogSessionCreated(sessionID, createdAt, port, clientIP, userAgent)
	r.log.Info("session created", log.String("session_id", sessionID), log.Int("port", port))

	r.metrics.SessionsCreatedTotal.Inc()
	r.metrics.SessionsActive.Inc()
	r.reportPoolOccupancy()

	return snap, nil
}

// End removes the session from the registry, then terminates its worker and
// releases its port outside the lock, so concurrent routers can't dispatch
// new work to a dying worker.
func (r *Registry) End(sessionID, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	e.worker.Terminate(3)
	r.pool.Release(e.snapshot.Port)
	r.store.LogSessionDestroyed(sessionID, r.nowSeconds(), reason)
	r.log.Info("session ended", log.String("session_id", sessionID), log.String("reason", reason))

	r.metrics.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
	r.metrics.SessionsActive.Dec()
	r.reportPoolOccupancy()

	return true
}

// Get returns a session's snapshot, or false if unknown.
func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot, true
}

// proxyFor returns the RPC proxy for a live session, or false if unknown.
func (r *Registry) proxyFor(sessionID string) (*rpcproxy.Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.proxy, true
}

// Proxy exposes the session's RPC proxy for the HTTP facade's send
// pipeline. Returns ErrUnknownSession if the id isn't registered.
func (r *Registry) Proxy(sessionID string) (*rpcproxy.Proxy, error) {
	p, ok := r.proxyFor(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	return p, nil
}

// List returns every session's snapshot. Before returning, it walks the
// registry and ends any session whose worker is no longer alive -- a weak
// form of self-healing.
func (r *Registry) List() map[string]Snapshot {
	r.mu.Lock()
	var dead []string
	for id, e := range r.sessions {
		if !e.worker.IsAlive() {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.log.Warn("evicting session with dead worker", log.String("session_id", id))
		r.End(id, ReasonDeadProcess)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.sessions))
	for id, e := range r.sessions {
		out[id] = e.snapshot
	}
	return out
}

// UpdateActivity bumps a session's last-activity timestamp, both in memory
// and durably.
func (r *Registry) UpdateActivity(sessionID string) {
	now := r.nowSeconds()

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		e.snapshot.LastActivity = now
	}
	r.mu.Unlock()

	if ok {
		r.store.LogSessionActivity(sessionID, now)
	}
}

// UpdateUserInfo upserts user metadata for a session, returning false if the
// session is unknown. The email is written to the registry snapshot here;
// the HTTP facade persists the update durably whenever this call returns
// true.
func (r *Registry) UpdateUserInfo(sessionID, first, last, email string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		e.snapshot.User = UserInfo{
			FirstName:   first,
			LastName:    last,
			Email:       email,
			DisplayName: fmt.Sprintf("%s %s", first, last),
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.UpdateActivity(sessionID)
	return true
}

// SampleMemory samples a session's worker's RSS, records it in the snapshot
// and durable store, and bumps last_activity. In the /send pipeline this
// follows a prior activity touch, so a routed command touches activity twice.
func (r *Registry) SampleMemory(sessionID string) (float64, bool) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}

	mib, alive := e.worker.MemoryMiB()
	if !alive {
		return 0, false
	}

	now := r.nowSeconds()

	r.mu.Lock()
	e.snapshot.MemMiB = mib
	e.snapshot.LastActivity = now
	r.mu.Unlock()

	r.store.LogSessionActivity(sessionID, now)
	r.store.LogSessionMetric(sessionID, now, mib)

	return mib, true
}

// ReapIdle ends every session whose last activity exceeds idleTimeout
// seconds ago, returning the number evicted. The candidate set is snapshot
// first so termination never happens while the registry lock is held.
func (r *Registry) ReapIdle(idleTimeoutSeconds float64) int {
	now := r.nowSeconds()

	r.mu.Lock()
	var candidates []string
	for id, e := range r.sessions {
		if now-e.snapshot.LastActivity > idleTimeoutSeconds {
			candidates = append(candidates, id)
		}
	}
	r.mu.Unlock()

	for _, id := range candidates {
		r.End(id, ReasonIdleTimeout)
	}
	return len(candidates)
}

// shutdownConcurrency bounds how many workers are terminated in parallel
// during ShutdownAll, so up to this many workers' grace periods elapse in
// parallel rather than one after another.
const shutdownConcurrency = 8

// ShutdownAll ends every live session with reason server_shutdown,
// terminating workers with bounded concurrency, and returns the count
// evicted. A per-session termination failure is logged and does not halt
// the shutdown of the remaining sessions.
func (r *Registry) ShutdownAll() int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(shutdownConcurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic terminating session during shutdown",
						log.String("session_id", id), log.String("panic", fmt.Sprint(rec)))
				}
			}()
			r.End(id, ReasonServerShutdown)
			return nil
		})
	}
	_ = g.Wait()

	return len(ids)
}

// PortStatus exposes the underlying pool's status for the port-status
// endpoint.
func (r *Registry) PortStatus() portpool.Status {
	return r.pool.Status()
}
