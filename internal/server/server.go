// Package server is the TCP front end for agent connections. It owns the
// listener and one reader goroutine per connection; every decoded frame is
// dispatched synchronously into the session manager, so a single agent's
// messages are always handled in arrival order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/config"
	"github.com/evgrid/central/internal/logging"
)

// Server accepts agent connections and feeds the session manager.
type Server struct {
	cfg     config.ServerConfig
	core    *central.Central
	metrics *central.Metrics
	log     zerolog.Logger

	lis      net.Listener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New builds a server over the session manager. Start must be called to
// begin accepting.
func New(cfg config.ServerConfig, core *central.Central) *Server {
	return &Server{
		cfg:     cfg,
		core:    core,
		metrics: core.Metrics(),
		log:     logging.Component("server"),
		done:    make(chan struct{}),
		conns:   make(map[*Conn]struct{}),
	}
}

// Start binds the listen address and launches the accept loop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.lis = lis

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("agent listener started")
	return nil
}

// Addr returns the bound listen address; useful when Start was given :0.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		raw, err := s.lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		conn := newConn(raw, s.cfg.WriteTimeout)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Shutdown stops accepting, closes every live connection, and waits for the
// per-connection handlers to drain or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	if s.lis != nil {
		if err := s.lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug().Err(err).Msg("close listener")
		}
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
