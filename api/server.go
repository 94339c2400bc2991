// Package api exposes an Engine over the HTTP 1.1 peer-to-peer surface
// (spec.md §6): one gorilla/mux router, one handler per endpoint, the
// standard {error: string} error envelope. Grounded on the teacher's
// cmd/explorer/server.go NewServer/routes/Start shape.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"potnode/core"
)

// Server wires an Engine into a mux.Router and an http.Server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	engine     *core.Engine
	log        *logrus.Entry
}

// NewServer constructs the router and HTTP server listening on addr.
// minDelay/maxDelay implement the optional inbound latency injection
// (MIN_DELAY/MAX_DELAY env vars); both zero disables it.
func NewServer(addr string, engine *core.Engine, log *logrus.Entry, minDelay, maxDelay time.Duration) *Server {
	s := &Server{router: mux.NewRouter(), engine: engine, log: log}
	s.routes(minDelay, maxDelay)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start blocks serving until the listener errors (including on Shutdown).
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Shutdown stops the HTTP server immediately, closing active connections.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}
