package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beriberikix/usbipd-go/usb"
)

// Manager owns claim state for all devices. Claim and release calls for
// one device are serialized through a per-device lock so two concurrent
// claim attempts can never both succeed.
type Manager struct {
	provider Provider
	hardware usb.Provider
	log      *logrus.Entry

	mu      sync.Mutex
	devices map[string]*deviceClaim
	subs    []chan Event

	healthMu     sync.Mutex
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

type deviceClaim struct {
	mu      sync.Mutex
	state   State
	session uint32
	handle  *Handle
}

func NewManager(provider Provider, hardware usb.Provider) *Manager {
	return &Manager{
		provider: provider,
		hardware: hardware,
		log:      logrus.WithField("component", "claims"),
		devices:  make(map[string]*deviceClaim),
	}
}

func (m *Manager) device(busID string) *deviceClaim {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc, ok := m.devices[busID]
	if !ok {
		dc = &deviceClaim{}
		m.devices[busID] = dc
	}
	return dc
}

// Claim takes exclusive access to a device on behalf of a session and
// opens its hardware handle. Denials surface as typed *Error values.
func (m *Manager) Claim(ctx context.Context, busID string, session uint32) (*Handle, error) {
	dc := m.device(busID)
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.state == StateClaimed {
		return nil, &Error{Code: CodeAlreadyClaimed, BusID: busID}
	}
	dc.state = StateClaiming
	if err := m.provider.Claim(ctx, busID); err != nil {
		dc.state = StateClaimFailed
		claimErr := &Error{Code: classify(err), BusID: busID, Err: err}
		dc.state = StateUnclaimed
		m.log.WithField("device", busID).WithError(err).Warn("claim denied")
		return nil, claimErr
	}
	device, err := m.hardware.Open(busID)
	if err != nil {
		if releaseErr := m.provider.Release(ctx, busID); releaseErr != nil {
			m.log.WithField("device", busID).WithError(releaseErr).Warn("rollback release failed")
		}
		dc.state = StateUnclaimed
		return nil, fmt.Errorf("claim %s: open device: %w", busID, err)
	}
	handle := &Handle{busID: busID, session: session, device: device}
	dc.state = StateClaimed
	dc.session = session
	dc.handle = handle
	m.log.WithFields(logrus.Fields{"device": busID, "session": session}).Info("device claimed")
	return handle, nil
}

func classify(err error) Code {
	switch {
	case errors.Is(err, ErrDeviceBusy):
		return CodeAlreadyClaimed
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	default:
		return CodeProviderUnavailable
	}
}

// Release gives a device back. Releasing an unclaimed device succeeds
// trivially.
func (m *Manager) Release(ctx context.Context, busID string) error {
	m.mu.Lock()
	dc, ok := m.devices[busID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.state != StateClaimed {
		return nil
	}
	dc.state = StateReleasing
	if dc.handle != nil && dc.handle.device != nil {
		if err := dc.handle.device.Close(); err != nil {
			m.log.WithField("device", busID).WithError(err).Debug("device handle close failed")
		}
	}
	if err := m.provider.Release(ctx, busID); err != nil {
		// The local claim is gone either way; the provider will drop its
		// side when it recovers.
		m.log.WithField("device", busID).WithError(err).Warn("provider release failed")
	}
	dc.state = StateUnclaimed
	dc.handle = nil
	dc.session = 0
	m.log.WithField("device", busID).Info("device released")
	return nil
}

// ReleaseSession releases every device claimed by the session.
func (m *Manager) ReleaseSession(ctx context.Context, session uint32) {
	for _, busID := range m.claimedBy(session) {
		if err := m.Release(ctx, busID); err != nil {
			m.log.WithField("device", busID).WithError(err).Warn("session release failed")
		}
	}
}

func (m *Manager) claimedBy(session uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var busIDs []string
	for busID, dc := range m.devices {
		dc.mu.Lock()
		if dc.state == StateClaimed && dc.session == session {
			busIDs = append(busIDs, busID)
		}
		dc.mu.Unlock()
	}
	return busIDs
}

// IsClaimedBy reports whether the session currently holds the device.
func (m *Manager) IsClaimedBy(busID string, session uint32) bool {
	m.mu.Lock()
	dc, ok := m.devices[busID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.state == StateClaimed && dc.session == session
}

// StateOf reports a device's current claim state.
func (m *Manager) StateOf(busID string) State {
	m.mu.Lock()
	dc, ok := m.devices[busID]
	m.mu.Unlock()
	if !ok {
		return StateUnclaimed
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.state
}

// ClaimedCount reports how many devices are currently claimed.
func (m *Manager) ClaimedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, dc := range m.devices {
		dc.mu.Lock()
		if dc.state == StateClaimed {
			count++
		}
		dc.mu.Unlock()
	}
	return count
}

// Subscribe delivers forced-release events. The channel is buffered; a
// subscriber that stops draining loses newer events rather than
// blocking the manager.
func (m *Manager) Subscribe() <-chan Event {
	events := make(chan Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, events)
	m.mu.Unlock()
	return events
}

func (m *Manager) publish(event Event) {
	m.mu.Lock()
	subs := make([]chan Event, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// ForceReleaseAll drops every claim locally without calling the
// provider, closing hardware handles so in-flight transfers fail as
// not-available, and notifies subscribers. Used when the provider is
// lost.
func (m *Manager) ForceReleaseAll(reason string) {
	m.mu.Lock()
	devices := make(map[string]*deviceClaim, len(m.devices))
	for busID, dc := range m.devices {
		devices[busID] = dc
	}
	m.mu.Unlock()

	for busID, dc := range devices {
		dc.mu.Lock()
		if dc.state != StateClaimed {
			dc.mu.Unlock()
			continue
		}
		session := dc.session
		if dc.handle != nil && dc.handle.device != nil {
			dc.handle.device.Close()
		}
		dc.state = StateUnclaimed
		dc.handle = nil
		dc.session = 0
		dc.mu.Unlock()
		m.log.WithFields(logrus.Fields{"device": busID, "reason": reason}).Warn("claim force-released")
		m.publish(Event{BusID: busID, Session: session, Reason: reason})
	}
}

// StartHealthWatch polls provider health. On the transition to
// unhealthy every claim the provider was backing is force-released.
// Starting twice is a no-op.
func (m *Manager) StartHealthWatch(interval time.Duration) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.healthCancel = cancel
	m.healthDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		healthy := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := m.provider.Health(ctx)
				if err != nil && healthy {
					healthy = false
					m.log.WithError(err).Error("exclusive-access provider lost")
					m.ForceReleaseAll("provider unavailable")
				} else if err == nil && !healthy {
					healthy = true
					m.log.Info("exclusive-access provider recovered")
				}
			}
		}
	}()
}

// StopHealthWatch stops polling. Stopping when not started is a no-op.
func (m *Manager) StopHealthWatch() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthCancel == nil {
		return
	}
	m.healthCancel()
	<-m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
}
