// Package httpapi is the stateless HTTP facade: handlers that translate
// requests into session registry operations and a worker RPC. It owns no
// session state of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/log"

	"github.com/aprsa/phoebe.server/internal/metrics"
	"github.com/aprsa/phoebe.server/internal/portpool"
	"github.com/aprsa/phoebe.server/internal/registry"
	"github.com/aprsa/phoebe.server/internal/rpcproxy"
)

// SessionRegistry is the subset of *registry.Registry the facade depends on.
type SessionRegistry interface {
	Create(ctx context.Context, clientIP, userAgent string) (registry.Snapshot, error)
	End(sessionID, reason string) bool
	Get(sessionID string) (registry.Snapshot, bool)
	List() map[string]registry.Snapshot
	UpdateActivity(sessionID string)
	UpdateUserInfo(sessionID, first, last, email string) bool
	SampleMemory(sessionID string) (float64, bool)
	PortStatus() portpool.Status
	Proxy(sessionID string) (*rpcproxy.Proxy, error)
	ReapIdle(idleTimeoutSeconds float64) int
}

// CommandLogger is the subset of *store.Store the facade writes to directly,
// for events the registry itself doesn't know how to log (routed command
// execution, user info upserts).
type CommandLogger interface {
	LogCommandExecution(sessionID string, timestamp float64, name string, success bool, executionTimeMs *float64, errMsg *string)
	LogUserInfoUpdate(sessionID, first, last, email string, updatedAt float64)
}

// Server wires the registry, store, and metrics into an http.Handler.
type Server struct {
	log         log.Logger
	registry    SessionRegistry
	store       CommandLogger
	metrics     *metrics.Metrics
	apiKey      string
	idleTimeout float64
	now         func() time.Time
}

// New builds a Server. apiKey, if non-empty, gates every route except
// /healthz and /metrics behind an X-API-Key header check. idleTimeoutSeconds
// is the staleness threshold GET /sessions reaps before listing.
func New(reg SessionRegistry, store CommandLogger, m *metrics.Metrics, apiKey string, idleTimeoutSeconds float64) *Server {
	return &Server{
		log:         log.Scoped("httpapi", "HTTP facade"),
		registry:    reg,
		store:       store,
		metrics:     m,
		apiKey:      apiKey,
		idleTimeout: idleTimeoutSeconds,
		now:         time.Now,
	}
}

func (s *Server) nowSeconds() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

// Routes builds the complete handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /start-session", s.handleStartSession)
	mux.HandleFunc("POST /end-session/{id}", s.handleEndSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /update-user-info/{id}", s.handleUpdateUserInfo)
	mux.HandleFunc("GET /session-memory", s.handleSessionMemoryAll)
	mux.HandleFunc("POST /session-memory/{id}", s.handleSessionMemoryOne)
	mux.HandleFunc("GET /port-status", s.handlePortStatus)
	mux.HandleFunc("POST /send/{id}", s.handleSend)

	return s.withAPIKeyGate(mux)
}

// withAPIKeyGate wraps every route except /healthz and /metrics behind a
// shared-secret header check. A no-op when no key is configured.
func (s *Server) withAPIKeyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func snapshotJSON(snap registry.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"session_id":    snap.SessionID,
		"created_at":    snap.CreatedAt,
		"last_activity": snap.LastActivity,
		"port":          snap.Port,
		"mem_mib":       snap.MemMiB,
		"client_ip":     snap.ClientIP,
		"user_agent":    snap.UserAgent,
		"user": map[string]string{
			"first_name":   snap.User.FirstName,
			"last_name":    snap.User.LastName,
			"email":        snap.User.Email,
			"display_name": snap.User.DisplayName,
		},
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Create(r.Context(), ClientIP(r), r.UserAgent())
	if err != nil {
		s.writeCreateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotJSON(snap))
}

func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNoCapacity):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, registry.ErrSpawnFailed):
		if s.metrics != nil {
			s.metrics.WorkerSpawnFailures.Inc()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ok := s.registry.End(id, registry.ReasonManual); !ok {
		writeUnknownSession(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListSessions reaps idle sessions before listing, matching the
// original session manager's list_sessions, which cleans up stale sessions
// first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.registry.ReapIdle(s.idleTimeout)

	sessions := s.registry.List()
	out := make(map[string]interface{}, len(sessions))
	for id, snap := range sessions {
		out[id] = snapshotJSON(snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateUserInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ok := s.registry.UpdateUserInfo(id, body.FirstName, body.LastName, body.Email)
	if !ok {
		writeUnknownSession(w)
		return
	}

	// The store durably persists the contact update once the registry has
	// accepted it; an unknown session gets a 404 and no store write.
	s.store.LogUserInfoUpdate(id, body.FirstName, body.LastName, body.Email, s.nowSeconds())

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSessionMemoryAll(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	out := make(map[string]float64, len(sessions))
	for id := range sessions {
		if mib, ok := s.registry.SampleMemory(id); ok {
			out[id] = mib
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionMemoryOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mib, ok := s.registry.SampleMemory(id)
	if !ok {
		writeUnknownSession(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"mem_mib": mib})
}

func (s *Server) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	status := s.registry.PortStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_ports":     status.Total,
		"available_ports": status.AvailableCount,
		"reserved_ports":  status.ReservedCount,
		"reserved":        status.ReservedList,
		"range":           status.RangeString,
	})
}

// handleSend implements the full send pipeline: resolve session, touch
// activity, route the RPC, time it, log the command (filtered), sample
// memory, and return the worker's reply verbatim.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	proxy, err := s.registry.Proxy(id)
	if err != nil {
		writeUnknownSession(w)
		return
	}

	var body struct {
		Command string                 `json:"command"`
		Args    map[string]interface{} `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	command := body.Command
	if command == "" {
		command = "unknown"
	}

	// The pre-RPC activity touch; SampleMemory below performs the second,
	// per the preserved "double activity touch" open question.
	s.registry.UpdateActivity(id)

	start := time.Now()
	reply, rpcErr := proxy.Send(r.Context(), command, body.Args)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	if m := s.metrics; m != nil {
		successLabel := "true"
		if !reply.Success {
			successLabel = "false"
		}
		m.RPCDuration.WithLabelValues(command, successLabel).Observe(time.Since(start).Seconds())
	}

	var errMsg *string
	if !reply.Success {
		msg := reply.Error
		errMsg = &msg
	}
	if rpcErr == nil {
		s.store.LogCommandExecution(id, s.nowSeconds(), command, reply.Success, &elapsedMs, errMsg)
	} else {
		s.store.LogCommandExecution(id, s.nowSeconds(), command, false, nil, errMsg)
	}

	// SampleMemory performs its own internal activity touch, giving every
	// routed command two activity touches total -- preserved intentionally,
	// see DESIGN.md open question #1.
	s.registry.SampleMemory(id)

	writeJSON(w, http.StatusOK, reply)
}

func writeUnknownSession(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": registry.ErrUnknownSession.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
