// Package server provides the TCP front end: one accept loop handing
// connections to a fixed pool of workers.
//
// Each connection is served synchronously by its worker — read frame,
// dispatch, write frame — for the life of the connection, so pipelined
// requests on one connection are answered strictly in order. Shutdown
// closes the listener to unblock the accept loop, lets in-flight handlers
// finish their current request, and discards connections that were queued
// but never picked up.
package server

import (
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/kvring/internal/protocol"
)

// DefaultWorkers is the connection worker pool size.
const DefaultWorkers = 8

// Handler turns one request payload into a response payload.
type Handler func(request []byte) (response []byte)

// Server accepts framed TCP connections and feeds them to the worker pool.
type Server struct {
	addr    string
	handler Handler
	workers int

	ln    net.Listener
	conns chan net.Conn
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

// New creates a server listening on addr with the given handler and pool
// size; workers < 1 falls back to DefaultWorkers.
func New(addr string, workers int, handler Handler) *Server {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Server{
		addr:    addr,
		handler: handler,
		workers: workers,
		conns:   make(chan net.Conn, workers),
		stop:    make(chan struct{}),
		active:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop and workers. It
// returns once the server is accepting; serving continues in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "server: listen %s", s.addr)
	}
	s.ln = ln
	log.WithFields(log.Fields{"addr": ln.Addr().String(), "workers": s.workers}).
		Info("server: listening")

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address (useful when started with port 0).
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop closes the listener, unblocking the accept loop, closes the active
// connections so workers blocked in a read observe the hangup, and waits
// for the workers to finish their in-flight requests. Connections still
// queued are closed unserved. Idempotent.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.stop)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Lock()
		for conn := range s.active {
			_ = conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()

	// Discard whatever the workers never picked up.
	for {
		select {
		case conn := <-s.conns:
			_ = conn.Close()
		default:
			log.Info("server: stopped")
			return
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				log.WithError(err).Warn("server: accept failed")
				continue
			}
		}
		select {
		case s.conns <- conn:
		case <-s.stop:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case conn := <-s.conns:
			s.serveConn(conn)
		}
	}
}

// serveConn answers frames in order until the peer hangs up, a read fails,
// or shutdown begins.
func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
	}()
	remote := conn.RemoteAddr().String()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		request, err := protocol.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.WithFields(log.Fields{"remote": remote, "error": err}).
					Debug("server: connection read failed")
			}
			return
		}
		if err := protocol.WriteFrame(conn, s.handler(request)); err != nil {
			log.WithFields(log.Fields{"remote": remote, "error": err}).
				Debug("server: connection write failed")
			return
		}
	}
}
