package workerengine

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"

	"github.com/sourcegraph/log"

	"github.com/aprsa/phoebe.server/internal/wire"
)

// Server binds the worker's reply socket and serves commands against a
// Bundle, one connection at a time, matching the single-threaded engine's
// single-outstanding-request contract.
type Server struct {
	log    log.Logger
	bundle *Bundle
}

// NewServer builds a Server over a fresh Bundle.
func NewServer() *Server {
	return &Server{
		log:    log.Scoped("worker", "worker command loop"),
		bundle: NewBundle(),
	}
}

// ListenAndServe binds 127.0.0.1:port and serves requests until the listener
// is closed or accept fails. It blocks for the worker's lifetime; a bind
// failure is returned immediately.
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", addr(port))
	if err != nil {
		return err
	}
	defer ln.Close()

	s.log.Info("worker listening", log.Int("port", port))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.serveOne(conn)
	}
}

// serveOne handles exactly one request/reply round trip and closes the
// connection, enforcing the single-outstanding-request discipline by never
// accepting a new connection while this one is being handled.
func (s *Server) serveOne(conn net.Conn) {
	defer conn.Close()

	var req wire.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Warn("malformed request", log.Error(err))
		return
	}

	reply := s.handle(req)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.log.Warn("failed to write reply", log.Error(err))
	}
}

func (s *Server) handle(req wire.Request) wire.Reply {
	result, err := s.bundle.Dispatch(req.Command, req.Args)
	if err != nil {
		return wire.EngineError(err.Error())
	}
	return wire.Reply{Success: true, Result: result}
}

func addr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
