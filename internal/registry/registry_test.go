package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aprsa/phoebe.server/internal/metrics"
	"github.com/aprsa/phoebe.server/internal/portpool"
)

// newTestMetrics gives each test its own registry so collector registration
// never collides across test cases or packages.
func newTestMetrics() *metrics.Metrics {
	return metrics.NewWithRegisterer(prometheus.NewRegistry())
}

// fakeHandle is an in-memory WorkerHandle that never touches the OS.
type fakeHandle struct {
	mu         sync.Mutex
	alive      bool
	mib        float64
	terminated int
}

func newFakeHandle() *fakeHandle { return &fakeHandle{alive: true, mib: 42} }

func (f *fakeHandle) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeHandle) MemoryMiB() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return 0, false
	}
	return f.mib, true
}

func (f *fakeHandle) Terminate(graceSeconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.terminated++
}

func (f *fakeHandle) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// fakeSupervisor hands out fakeHandles, optionally failing spawn for given
// ports to exercise Create's rollback path.
type fakeSupervisor struct {
	mu        sync.Mutex
	failPorts map[int]bool
	spawned   map[int]*fakeHandle
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{failPorts: make(map[int]bool), spawned: make(map[int]*fakeHandle)}
}

func (s *fakeSupervisor) Spawn(ctx context.Context, port int) (WorkerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPorts[port] {
		return nil, errors.New("fake: spawn failed")
	}
	h := newFakeHandle()
	s.spawned[port] = h
	return h, nil
}

// fakeStore records every call without touching disk.
type fakeStore struct {
	mu         sync.Mutex
	created    int
	destroyed  []string
	activity   int
	metrics    int
}

func (s *fakeStore) LogSessionCreated(sessionID string, createdAt float64, port int, clientIP, userAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
}

func (s *fakeStore) LogSessionDestroyed(sessionID string, destroyedAt float64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, reason)
}

func (s *fakeStore) LogSessionActivity(sessionID string, lastActivity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity++
}

func (s *fakeStore) LogSessionMetric(sessionID string, timestamp, memoryUsedMB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics++
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSupervisor, *fakeStore) {
	t.Helper()
	pool, err := portpool.New(6100, 6103)
	require.NoError(t, err)

	sup := newFakeSupervisor()
	st := &fakeStore{}
	return NewWithDeps(pool, sup, st, newTestMetrics()), sup, st
}

func TestCreateAndEndUpdateMetrics(t *testing.T) {
	pool, err := portpool.New(6600, 6602)
	require.NoError(t, err)
	m := newTestMetrics()
	r := NewWithDeps(pool, newFakeSupervisor(), &fakeStore{}, m)

	snap, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCreatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortPoolReserved))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortPoolAvailable))

	r.End(snap.SessionID, ReasonManual)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDestroyedTotal.WithLabelValues(ReasonManual)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PortPoolReserved))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PortPoolAvailable))
}

func TestCreateAndGet(t *testing.T) {
	r, _, st := newTestRegistry(t)

	snap, err := r.Create(context.Background(), "1.2.3.4", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, 1, st.created)

	got, ok := r.Get(snap.SessionID)
	require.True(t, ok)
	assert.Equal(t, snap.Port, got.Port)
}

func TestCreateRollsBackPortOnSpawnFailure(t *testing.T) {
	pool, err := portpool.New(6200, 6201)
	require.NoError(t, err)

	sup := newFakeSupervisor()
	sup.failPorts[6200] = true
	st := &fakeStore{}
	r := NewWithDeps(pool, sup, st, newTestMetrics())

	_, err = r.Create(context.Background(), "ip", "ua")
	require.ErrorIs(t, err, ErrSpawnFailed)

	// Port must have been released back to the pool for the next caller.
	status := r.PortStatus()
	assert.Equal(t, 0, status.ReservedCount)
	assert.Equal(t, 1, status.AvailableCount)
}

func TestCreateFailsWhenPoolExhausted(t *testing.T) {
	pool, err := portpool.New(6300, 6301)
	require.NoError(t, err)
	r := NewWithDeps(pool, newFakeSupervisor(), &fakeStore{}, newTestMetrics())

	_, err = r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	_, err = r.Create(context.Background(), "ip", "ua")
	assert.ErrorIs(t, err, portpool.ErrNoCapacity)
}

func TestEndUnknownSessionReturnsFalse(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.False(t, r.End("no-such-session", ReasonManual))
}

func TestEndTerminatesWorkerAndReleasesPort(t *testing.T) {
	r, sup, st := newTestRegistry(t)

	snap, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	ok := r.End(snap.SessionID, ReasonManual)
	assert.True(t, ok)

	h := sup.spawned[snap.Port]
	assert.False(t, h.IsAlive())
	require.Len(t, st.destroyed, 1)
	assert.Equal(t, ReasonManual, st.destroyed[0])

	status := r.PortStatus()
	assert.Equal(t, 0, status.ReservedCount)
}

func TestListSelfHealsDeadWorkers(t *testing.T) {
	r, sup, st := newTestRegistry(t)

	snap, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	sup.spawned[snap.Port].kill()

	sessions := r.List()
	assert.Empty(t, sessions)
	require.Len(t, st.destroyed, 1)
	assert.Equal(t, ReasonDeadProcess, st.destroyed[0])
}

func TestProxyUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Proxy("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestUpdateUserInfoUnknownSessionReturnsFalse(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.False(t, r.UpdateUserInfo("missing", "a", "b", "a@b.com"))
}

func TestUpdateUserInfoUpdatesSnapshotAndTouchesActivity(t *testing.T) {
	r, _, st := newTestRegistry(t)

	snap, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	ok := r.UpdateUserInfo(snap.SessionID, "Ada", "Lovelace", "ada@example.com")
	require.True(t, ok)

	got, _ := r.Get(snap.SessionID)
	assert.Equal(t, "ada@example.com", got.User.Email)
	assert.Equal(t, "Ada Lovelace", got.User.DisplayName)
	assert.Equal(t, 1, st.activity)
}

func TestSampleMemoryTouchesActivityTwiceOverTheSendPath(t *testing.T) {
	r, _, st := newTestRegistry(t)

	snap, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	// Mirrors the HTTP facade's /send pipeline: an activity touch followed
	// by a memory sample, which itself touches activity again (open
	// question #1 preserved).
	r.UpdateActivity(snap.SessionID)
	mib, ok := r.SampleMemory(snap.SessionID)
	require.True(t, ok)
	assert.Equal(t, 42.0, mib)

	assert.Equal(t, 2, st.activity)
	assert.Equal(t, 1, st.metrics)
}

func TestSampleMemoryUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, ok := r.SampleMemory("missing")
	assert.False(t, ok)
}

func TestReapIdleEvictsOnlyStaleSessions(t *testing.T) {
	pool, err := portpool.New(6400, 6402)
	require.NoError(t, err)
	sup := newFakeSupervisor()
	st := &fakeStore{}
	r := NewWithDeps(pool, sup, st, newTestMetrics())

	fresh, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)
	stale, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	r.mu.Lock()
	r.sessions[stale.SessionID].snapshot.LastActivity -= 10000
	r.mu.Unlock()

	evicted := r.ReapIdle(1800)
	assert.Equal(t, 1, evicted)

	_, freshStillThere := r.Get(fresh.SessionID)
	assert.True(t, freshStillThere)
	_, staleGone := r.Get(stale.SessionID)
	assert.False(t, staleGone)
}

func TestShutdownAllTerminatesEverySessionConcurrently(t *testing.T) {
	pool, err := portpool.New(6500, 6508)
	require.NoError(t, err)
	sup := newFakeSupervisor()
	st := &fakeStore{}
	r := NewWithDeps(pool, sup, st, newTestMetrics())

	const n = 6
	for i := 0; i < n; i++ {
		_, err := r.Create(context.Background(), "ip", "ua")
		require.NoError(t, err)
	}

	count := r.ShutdownAll()
	assert.Equal(t, n, count)
	assert.Empty(t, r.List())

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.destroyed, n)
	for _, reason := range st.destroyed {
		assert.Equal(t, ReasonServerShutdown, reason)
	}
}

func TestPortStatusReflectsPoolOccupancy(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	before := r.PortStatus()
	assert.Equal(t, 3, before.AvailableCount)

	_, err := r.Create(context.Background(), "ip", "ua")
	require.NoError(t, err)

	after := r.PortStatus()
	assert.Equal(t, 2, after.AvailableCount)
	assert.Equal(t, 1, after.ReservedCount)
}

func TestNowSecondsAdvancesAcrossCalls(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.now = func() time.Time { return time.Unix(100, 0) }
	first := r.nowSeconds()
	r.now = func() time.Time { return time.Unix(200, 0) }
	second := r.nowSeconds()
	assert.Less(t, first, second)
}
