package usb

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry tracks the currently visible device set. Lookups run against
// the most recent discovery snapshot; Refresh and the hotplug monitor
// replace the snapshot wholesale rather than mutating records in place.
type Registry struct {
	provider Provider
	log      *logrus.Entry

	mu       sync.RWMutex
	snapshot []*Device
	scanned  bool

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func NewRegistry(provider Provider) *Registry {
	return &Registry{
		provider: provider,
		log:      logrus.WithField("component", "registry"),
	}
}

// Refresh discovers the current device set and replaces the snapshot.
func (r *Registry) Refresh() error {
	devices, err := r.provider.Enumerate()
	if err != nil {
		return fmt.Errorf("registry: enumerate: %w", err)
	}
	r.mu.Lock()
	r.snapshot = devices
	r.scanned = true
	r.mu.Unlock()
	r.log.WithField("devices", len(devices)).Debug("device snapshot refreshed")
	return nil
}

func (r *Registry) ensureScanned() error {
	r.mu.RLock()
	scanned := r.scanned
	r.mu.RUnlock()
	if scanned {
		return nil
	}
	return r.Refresh()
}

// Devices returns the current snapshot. The returned slice is the
// caller's to keep; records are shared but immutable.
func (r *Registry) Devices() ([]*Device, error) {
	if err := r.ensureScanned(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]*Device, len(r.snapshot))
	copy(devices, r.snapshot)
	return devices, nil
}

// Get looks a device up by its "<bus>-<device>" bus id.
func (r *Registry) Get(busID string) (*Device, error) {
	if err := r.ensureScanned(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, device := range r.snapshot {
		if device.BusID == busID {
			return device, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, busID)
}

// GetByNumbers looks a device up by bus and device number.
func (r *Registry) GetByNumbers(busNum, devNum uint32) (*Device, error) {
	if err := r.ensureScanned(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, device := range r.snapshot {
		if device.BusNum == busNum && device.DevNum == devNum {
			return device, nil
		}
	}
	return nil, fmt.Errorf("%w: %d-%d", ErrDeviceNotFound, busNum, devNum)
}

// GetByCompositeID looks a device up by a "bus:device" composite id.
// Malformed input fails with a descriptive format error rather than an
// empty result.
func (r *Registry) GetByCompositeID(id string) (*Device, error) {
	busNum, devNum, err := ParseCompositeID(id)
	if err != nil {
		return nil, err
	}
	return r.GetByNumbers(busNum, devNum)
}

// DevicesByClass filters the current snapshot by device class code.
func (r *Registry) DevicesByClass(class uint8) ([]*Device, error) {
	devices, err := r.Devices()
	if err != nil {
		return nil, err
	}
	matches := make([]*Device, 0)
	for _, device := range devices {
		if device.Class == class {
			matches = append(matches, device)
		}
	}
	return matches, nil
}

// StartMonitoring begins hotplug-driven snapshot refreshes. Starting an
// already-monitoring registry is a no-op. Providers without hotplug
// support leave the registry on manual Refresh only.
func (r *Registry) StartMonitoring() error {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorCancel != nil {
		return nil
	}
	watcher, ok := r.provider.(Watcher)
	if !ok {
		r.log.Debug("provider has no hotplug support, monitoring disabled")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := watcher.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: start monitoring: %w", err)
	}
	done := make(chan struct{})
	r.monitorCancel = cancel
	r.monitorDone = done
	go func() {
		defer close(done)
		for range events {
			if err := r.Refresh(); err != nil {
				r.log.WithError(err).Warn("hotplug refresh failed")
			}
		}
	}()
	r.log.Info("device monitoring started")
	return nil
}

// StopMonitoring stops hotplug refreshes. Stopping a registry that is
// not monitoring is a no-op.
func (r *Registry) StopMonitoring() {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorCancel == nil {
		return
	}
	r.monitorCancel()
	<-r.monitorDone
	r.monitorCancel = nil
	r.monitorDone = nil
	r.log.Info("device monitoring stopped")
}
