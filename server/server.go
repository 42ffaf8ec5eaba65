// Package server wires the protocol engine together: it owns the
// listener, the device registry, the claim manager, and all client
// sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/beriberikix/usbipd-go/claim"
	"github.com/beriberikix/usbipd-go/config"
	"github.com/beriberikix/usbipd-go/transfer"
	"github.com/beriberikix/usbipd-go/usb"
)

// Health is the aggregate server state exposed to status reporting.
type Health struct {
	Listening       bool
	ActiveSessions  int
	ClaimedDevices  int
	PendingRequests int
}

// StatusReporter receives aggregate health snapshots.
type StatusReporter interface {
	Report(health Health)
}

type logReporter struct {
	log *logrus.Entry
}

func (r *logReporter) Report(health Health) {
	r.log.WithFields(logrus.Fields{
		"listening": health.Listening,
		"sessions":  health.ActiveSessions,
		"claimed":   health.ClaimedDevices,
		"pending":   health.PendingRequests,
	}).Debug("server health")
}

// Option customizes server construction.
type Option func(*Server)

// WithProvider selects the hardware backend. The default is the real
// gousb-backed provider.
func WithProvider(provider usb.Provider) Option {
	return func(s *Server) { s.hardware = provider }
}

// WithClaimProvider selects the exclusive-access provider, overriding
// the configuration-driven choice.
func WithClaimProvider(provider claim.Provider) Option {
	return func(s *Server) { s.claimProvider = provider }
}

// WithStatusReporter replaces the default log-based reporter.
func WithStatusReporter(reporter StatusReporter) Option {
	return func(s *Server) { s.reporter = reporter }
}

// Server is the coordinator: Start binds and serves, Stop drains.
type Server struct {
	cfg           *config.Config
	hardware      usb.Provider
	claimProvider claim.Provider
	reporter      StatusReporter
	log           *logrus.Entry

	registry *usb.Registry
	claims   *claim.Manager
	sessions *sessionManager

	mu         sync.Mutex
	listener   net.Listener
	cancel     context.CancelFunc
	acceptDone chan struct{}
}

func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg: cfg,
		log: logrus.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hardware == nil {
		s.hardware = usb.NewGousbProvider()
	}
	if s.claimProvider == nil {
		if cfg.HelperSocket != "" {
			helper, err := claim.NewHelperClient(cfg.HelperSocket, cfg.RequestTimeout)
			if err != nil {
				return nil, err
			}
			s.claimProvider = helper
		} else {
			s.claimProvider = claim.NewLocalProvider()
		}
	}
	if s.reporter == nil {
		s.reporter = &logReporter{log: s.log}
	}
	s.registry = usb.NewRegistry(s.hardware)
	s.claims = claim.NewManager(s.claimProvider, s.hardware)
	s.sessions = newSessionManager(cfg, s.registry, s.claims, transfer.NewExecutor())
	return s, nil
}

// Start binds the listener and begins accepting connections. A bind
// failure is the one startup error fatal to the whole server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server: bind %s: %w", s.cfg.Addr(), err)
	}
	if err := s.registry.Refresh(); err != nil {
		s.log.WithError(err).Warn("initial device discovery failed")
	}
	if err := s.registry.StartMonitoring(); err != nil {
		s.log.WithError(err).Warn("device monitoring unavailable")
	}
	s.claims.StartHealthWatch(s.cfg.HealthInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	s.acceptDone = make(chan struct{})
	go s.sessions.watchClaims(ctx)
	go s.acceptLoop(ctx, listener)
	s.mu.Unlock()
	s.log.WithField("addr", listener.Addr().String()).Info("server listening")
	// Health takes the lock itself, so report only once it is free.
	s.reporter.Report(s.Health())
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer close(s.acceptDone)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures affect one connection attempt,
			// never the server.
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.sessions.handleConn(ctx, conn)
	}
}

// Stop signals all sessions, waits out the configured grace period for
// them to drain, and force-closes the rest.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	cancel := s.cancel
	acceptDone := s.acceptDone
	s.listener = nil
	s.cancel = nil
	s.acceptDone = nil
	s.mu.Unlock()
	if listener == nil {
		return nil
	}
	s.log.Info("server stopping")
	cancel()
	listener.Close()
	<-acceptDone
	s.sessions.closeAll(s.cfg.ShutdownGrace)
	s.claims.StopHealthWatch()
	s.registry.StopMonitoring()
	if err := s.hardware.Close(); err != nil {
		s.log.WithError(err).Warn("hardware provider close failed")
	}
	s.reporter.Report(s.Health())
	s.log.Info("server stopped")
	return nil
}

// Addr returns the bound listener address, nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Health reports the aggregate server state.
func (s *Server) Health() Health {
	s.mu.Lock()
	listening := s.listener != nil
	s.mu.Unlock()
	return Health{
		Listening:       listening,
		ActiveSessions:  s.sessions.activeCount(),
		ClaimedDevices:  s.claims.ClaimedCount(),
		PendingRequests: s.sessions.pending.count(),
	}
}

// Registry exposes the device registry for local inspection commands.
func (s *Server) Registry() *usb.Registry {
	return s.registry
}
