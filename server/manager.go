package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beriberikix/usbipd-go/claim"
	"github.com/beriberikix/usbipd-go/config"
	"github.com/beriberikix/usbipd-go/transfer"
	"github.com/beriberikix/usbipd-go/usb"
)

// sessionManager owns all live sessions and the shared pending-request
// table. Each connection runs on its own goroutine so a slow client
// cannot starve the others.
type sessionManager struct {
	cfg      *config.Config
	registry *usb.Registry
	claims   *claim.Manager
	proc     *processor
	pending  *pendingTable
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[uint32]*session
	nextID   uint32

	wg sync.WaitGroup
}

func newSessionManager(cfg *config.Config, registry *usb.Registry, claims *claim.Manager, exec transfer.Executor) *sessionManager {
	pending := newPendingTable()
	return &sessionManager{
		cfg:      cfg,
		registry: registry,
		claims:   claims,
		proc:     newProcessor(exec, pending, cfg.RequestTimeout),
		pending:  pending,
		log:      logrus.WithField("component", "sessions"),
		sessions: make(map[uint32]*session),
	}
}

// handleConn admits one accepted connection, or rejects it immediately
// when the session bound is reached.
func (m *sessionManager) handleConn(ctx context.Context, conn net.Conn) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.log.WithField("remote", conn.RemoteAddr().String()).
			Warnf("connection limit of %d reached, rejecting", m.cfg.MaxConnections)
		conn.Close()
		return
	}
	m.nextID++
	id := m.nextID
	s := newSession(id, conn, m.registry, m.claims, m.proc)
	m.sessions[id] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.log.Info("session started")
		err := s.run(ctx)
		m.teardown(s, err)
	}()
}

// teardown settles a finished session: every pending request it owns
// is cancelled, devices claimed through it are released, and its state
// is freed. Runs for clean and abrupt disconnects alike.
func (m *sessionManager) teardown(s *session, err error) {
	if err != nil {
		s.log.WithError(err).Warn("session ended with protocol error")
	}
	s.conn.Close()
	cancelled := m.pending.cancelSession(s.id)
	waitGroup(&s.inflight, m.cfg.ShutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownGrace)
	defer cancel()
	m.claims.ReleaseSession(ctx, s.id)

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	s.log.WithField("cancelled", cancelled).Info("session closed")
}

// watchClaims forwards forced-release events to the owning session so
// later SUBMITs fail as not-available instead of reaching a dead
// handle.
func (m *sessionManager) watchClaims(ctx context.Context) {
	events := m.claims.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.mu.Lock()
			s := m.sessions[event.Session]
			m.mu.Unlock()
			if s != nil {
				s.dropDevice(event.BusID)
				s.log.WithFields(logrus.Fields{
					"device": event.BusID,
					"reason": event.Reason,
				}).Warn("imported device lost")
			}
		}
	}
}

func (m *sessionManager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// closeAll shuts every session down: the context cancellation has
// already stopped new work, so wait out the grace period for in-flight
// replies, then force-close whatever remains.
func (m *sessionManager) closeAll(grace time.Duration) {
	deadline := time.Now().Add(grace)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	m.mu.Lock()
	open := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	// Closing the connections unblocks session read loops; teardown
	// runs on each session goroutine.
	for _, s := range open {
		s.conn.Close()
	}
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		m.log.Warn("graceful shutdown timed out, forcing session close")
	}
}

// waitGroup waits for a WaitGroup up to a bound.
func waitGroup(wg *sync.WaitGroup, bound time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(bound):
		return false
	}
}
