package usb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TransferFunc scripts the behavior of one simulated endpoint. For OUT
// transfers data is the payload to consume; for IN it is the buffer to
// fill. The returned count is the actual transferred length.
type TransferFunc func(data []byte) (int, error)

// ControlFunc scripts simulated control transfers on endpoint zero.
type ControlFunc func(setup SetupPacket, data []byte) (int, error)

// SimulatedDevice is one scriptable device behind a SimulatedProvider.
// Without custom handlers every endpoint behaves as a loopback that
// transfers the full requested length.
type SimulatedDevice struct {
	Info Device

	mu        sync.Mutex
	removed   bool
	control   ControlFunc
	endpoints map[uint8]TransferFunc
	delays    map[uint8]time.Duration
}

// NewSimulatedDevice builds a full-speed device with a single vendor
// interface, addressed as "<busNum>-<devNum>".
func NewSimulatedDevice(busNum, devNum uint32) *SimulatedDevice {
	busID := fmt.Sprintf("%d-%d", busNum, devNum)
	return &SimulatedDevice{
		Info: Device{
			BusID:              busID,
			Path:               sysfsDevicePath(busID),
			BusNum:             busNum,
			DevNum:             devNum,
			Speed:              SpeedFull,
			VendorID:           0x1d6b,
			ProductID:          0x0104,
			BcdDevice:          0x0100,
			Class:              0,
			ConfigurationValue: 1,
			NumConfigurations:  1,
			Interfaces:         []Interface{{Class: 0xff}},
			Manufacturer:       "simulated",
			Product:            "loopback device",
		},
		endpoints: make(map[uint8]TransferFunc),
		delays:    make(map[uint8]time.Duration),
	}
}

// SetControlHandler scripts endpoint-zero behavior.
func (d *SimulatedDevice) SetControlHandler(fn ControlFunc) {
	d.mu.Lock()
	d.control = fn
	d.mu.Unlock()
}

// SetEndpointHandler scripts one endpoint (address includes the
// direction bit).
func (d *SimulatedDevice) SetEndpointHandler(endpoint uint8, fn TransferFunc) {
	d.mu.Lock()
	d.endpoints[endpoint] = fn
	d.mu.Unlock()
}

// SetDelay makes transfers on the endpoint take at least the given
// duration before completing, to exercise timeouts and cancellation.
func (d *SimulatedDevice) SetDelay(endpoint uint8, delay time.Duration) {
	d.mu.Lock()
	d.delays[endpoint] = delay
	d.mu.Unlock()
}

// StallEndpoint makes the endpoint reject every transfer with a stall.
func (d *SimulatedDevice) StallEndpoint(endpoint uint8) {
	d.SetEndpointHandler(endpoint, func([]byte) (int, error) {
		return 0, ErrEndpointStalled
	})
}

func (d *SimulatedDevice) transfer(ctx context.Context, endpoint uint8, setup *SetupPacket, data []byte) (int, error) {
	d.mu.Lock()
	removed := d.removed
	delay := d.delays[endpoint]
	handler := d.endpoints[endpoint]
	control := d.control
	d.mu.Unlock()

	if removed {
		return 0, ErrDeviceGone
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return 0, ErrTransferTimeout
			}
			return 0, ErrTransferCancelled
		case <-timer.C:
		}
		// The device may have been unplugged while this transfer was
		// in flight.
		d.mu.Lock()
		removed = d.removed
		d.mu.Unlock()
		if removed {
			return 0, ErrDeviceGone
		}
	}
	if setup != nil {
		if control != nil {
			return control(*setup, data)
		}
		return loopback(data), nil
	}
	if handler != nil {
		return handler(data)
	}
	return loopback(data), nil
}

// loopback fills IN buffers with a repeating pattern and consumes OUT
// payloads whole.
func loopback(data []byte) int {
	for i := range data {
		data[i] = byte(i)
	}
	return len(data)
}

// SimulatedProvider is the in-memory hardware backend used by tests and
// the --simulated server mode.
type SimulatedProvider struct {
	mu       sync.Mutex
	devices  map[string]*SimulatedDevice
	watchers []chan struct{}
}

func NewSimulatedProvider(devices ...*SimulatedDevice) *SimulatedProvider {
	provider := &SimulatedProvider{devices: make(map[string]*SimulatedDevice)}
	for _, device := range devices {
		provider.devices[device.Info.BusID] = device
	}
	return provider
}

// AddDevice plugs a device in and notifies watchers.
func (p *SimulatedProvider) AddDevice(device *SimulatedDevice) {
	p.mu.Lock()
	p.devices[device.Info.BusID] = device
	p.mu.Unlock()
	p.notify()
}

// RemoveDevice unplugs a device: open handles start failing and
// watchers are notified.
func (p *SimulatedProvider) RemoveDevice(busID string) {
	p.mu.Lock()
	device, ok := p.devices[busID]
	delete(p.devices, busID)
	p.mu.Unlock()
	if ok {
		device.mu.Lock()
		device.removed = true
		device.mu.Unlock()
		p.notify()
	}
}

func (p *SimulatedProvider) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, watcher := range p.watchers {
		select {
		case watcher <- struct{}{}:
		default:
		}
	}
}

func (p *SimulatedProvider) Enumerate() ([]*Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	devices := make([]*Device, 0, len(p.devices))
	for _, device := range p.devices {
		// Fresh snapshot record per scan.
		info := device.Info
		devices = append(devices, &info)
	}
	return devices, nil
}

func (p *SimulatedProvider) Open(busID string) (DeviceHandle, error) {
	p.mu.Lock()
	device, ok := p.devices[busID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, busID)
	}
	return &simulatedHandle{device: device}, nil
}

func (p *SimulatedProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	events := make(chan struct{}, 1)
	p.mu.Lock()
	p.watchers = append(p.watchers, events)
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, watcher := range p.watchers {
			if watcher == events {
				p.watchers = append(p.watchers[:i], p.watchers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(events)
	}()
	return events, nil
}

func (p *SimulatedProvider) Close() error { return nil }

type simulatedHandle struct {
	device *SimulatedDevice
	mu     sync.Mutex
	closed bool
}

func (h *simulatedHandle) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrDeviceGone
	}
	return nil
}

// finish invalidates a transfer whose handle was closed while it was
// in flight, so a forced release never lets a late completion report
// success against a device the holder no longer owns.
func (h *simulatedHandle) finish(n int, err error) (int, error) {
	if err != nil {
		return n, err
	}
	if err := h.check(); err != nil {
		return 0, err
	}
	return n, nil
}

func (h *simulatedHandle) ControlTransfer(ctx context.Context, setup SetupPacket, data []byte) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.finish(h.device.transfer(ctx, 0, &setup, data))
}

func (h *simulatedHandle) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.finish(h.device.transfer(ctx, endpoint, nil, data))
}

func (h *simulatedHandle) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.finish(h.device.transfer(ctx, endpoint, nil, data))
}

func (h *simulatedHandle) IsochronousTransfer(ctx context.Context, endpoint uint8, data []byte, numPackets int) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	if numPackets < 0 {
		return 0, ErrInvalidParameter
	}
	return h.finish(h.device.transfer(ctx, endpoint, nil, data))
}

func (h *simulatedHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
