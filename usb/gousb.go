package usb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// GousbProvider is the real-hardware backend, implemented on libusb via
// gousb. Hotplug monitoring is delegated to the sysfs watcher.
type GousbProvider struct {
	ctx     *gousb.Context
	watcher *sysfsWatcher
	log     *logrus.Entry
}

func NewGousbProvider() *GousbProvider {
	return &GousbProvider{
		ctx:     gousb.NewContext(),
		watcher: newSysfsWatcher(),
		log:     logrus.WithField("component", "gousb"),
	}
}

func (p *GousbProvider) Enumerate() ([]*Device, error) {
	opened, err := p.ctx.OpenDevices(func(*gousb.DeviceDesc) bool { return true })
	// OpenDevices can return partial results alongside an error when
	// some devices are inaccessible; keep what opened.
	if err != nil && len(opened) == 0 {
		return nil, fmt.Errorf("gousb: enumerate: %w", err)
	}
	devices := make([]*Device, 0, len(opened))
	for _, dev := range opened {
		devices = append(devices, p.describe(dev))
		dev.Close()
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].BusID < devices[j].BusID })
	return devices, nil
}

func (p *GousbProvider) describe(dev *gousb.Device) *Device {
	desc := dev.Desc
	busID := fmt.Sprintf("%d-%d", desc.Bus, desc.Address)
	device := &Device{
		BusID:             busID,
		Path:              sysfsDevicePath(busID),
		BusNum:            uint32(desc.Bus),
		DevNum:            uint32(desc.Address),
		Speed:             mapGousbSpeed(desc.Speed),
		VendorID:          uint16(desc.Vendor),
		ProductID:         uint16(desc.Product),
		BcdDevice:         uint16(desc.Device),
		Class:             uint8(desc.Class),
		Subclass:          uint8(desc.SubClass),
		Protocol:          uint8(desc.Protocol),
		NumConfigurations: uint8(len(desc.Configs)),
	}
	if manufacturer, err := dev.Manufacturer(); err == nil {
		device.Manufacturer = manufacturer
	}
	if product, err := dev.Product(); err == nil {
		device.Product = product
	}
	if serial, err := dev.SerialNumber(); err == nil {
		device.Serial = serial
	}
	configNumbers := make([]int, 0, len(desc.Configs))
	for number := range desc.Configs {
		configNumbers = append(configNumbers, number)
	}
	sort.Ints(configNumbers)
	if len(configNumbers) > 0 {
		config := desc.Configs[configNumbers[0]]
		device.ConfigurationValue = uint8(config.Number)
		for _, iface := range config.Interfaces {
			if len(iface.AltSettings) == 0 {
				continue
			}
			alt := iface.AltSettings[0]
			device.Interfaces = append(device.Interfaces, Interface{
				Class:    uint8(alt.Class),
				Subclass: uint8(alt.SubClass),
				Protocol: uint8(alt.Protocol),
			})
		}
	}
	return device
}

func (p *GousbProvider) Open(busID string) (DeviceHandle, error) {
	busNum, devNum, err := ParseBusID(busID)
	if err != nil {
		return nil, err
	}
	opened, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint32(desc.Bus) == busNum && uint32(desc.Address) == devNum
	})
	if err != nil && len(opened) == 0 {
		return nil, fmt.Errorf("gousb: open %s: %w", busID, err)
	}
	if len(opened) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, busID)
	}
	dev := opened[0]
	for _, extra := range opened[1:] {
		extra.Close()
	}
	if err := dev.SetAutoDetach(true); err != nil {
		p.log.WithError(err).WithField("device", busID).Debug("auto-detach not available")
	}
	return &gousbHandle{dev: dev}, nil
}

func (p *GousbProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	return p.watcher.Watch(ctx)
}

func (p *GousbProvider) Close() error {
	return p.ctx.Close()
}

func mapGousbSpeed(speed gousb.Speed) Speed {
	switch speed {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

// mapGousbError folds libusb error and transfer-status codes onto the
// package's closed transfer error set. The original error stays in the
// chain for logging.
func mapGousbError(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	var code gousb.Error
	var status gousb.TransferStatus
	switch {
	case errors.As(err, &code):
		switch code {
		case gousb.ErrorNoDevice, gousb.ErrorNotFound, gousb.ErrorAccess:
			sentinel = ErrDeviceGone
		case gousb.ErrorTimeout:
			sentinel = ErrTransferTimeout
		case gousb.ErrorInterrupted:
			sentinel = ErrTransferCancelled
		case gousb.ErrorPipe:
			sentinel = ErrEndpointStalled
		case gousb.ErrorBusy, gousb.ErrorNoMem, gousb.ErrorOverflow:
			sentinel = ErrNoResources
		case gousb.ErrorInvalidParam, gousb.ErrorNotSupported:
			sentinel = ErrInvalidParameter
		default:
			sentinel = ErrDeviceGone
		}
	case errors.As(err, &status):
		switch status {
		case gousb.TransferCancelled:
			sentinel = ErrTransferCancelled
		case gousb.TransferTimedOut:
			sentinel = ErrTransferTimeout
		case gousb.TransferStall:
			sentinel = ErrEndpointStalled
		case gousb.TransferOverflow:
			sentinel = ErrNoResources
		case gousb.TransferNoDevice:
			sentinel = ErrDeviceGone
		default:
			sentinel = ErrDeviceGone
		}
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = ErrTransferTimeout
	case errors.Is(err, context.Canceled):
		sentinel = ErrTransferCancelled
	default:
		sentinel = ErrDeviceGone
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

type gousbHandle struct {
	dev *gousb.Device

	mu     sync.Mutex
	intf   *gousb.Interface
	done   func()
	closed bool
}

// claimInterface claims the default interface on first use so plain
// control traffic (descriptor reads) does not require a claim.
func (h *gousbHandle) claimInterface() (*gousb.Interface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDeviceGone
	}
	if h.intf != nil {
		return h.intf, nil
	}
	intf, done, err := h.dev.DefaultInterface()
	if err != nil {
		return nil, mapGousbError(err)
	}
	h.intf = intf
	h.done = done
	return intf, nil
}

func (h *gousbHandle) ControlTransfer(ctx context.Context, setup SetupPacket, data []byte) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrDeviceGone
	}
	if deadline, ok := ctx.Deadline(); ok {
		h.dev.ControlTimeout = time.Until(deadline)
	}
	h.mu.Unlock()
	n, err := h.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return n, mapGousbError(err)
	}
	return n, nil
}

func (h *gousbHandle) endpointTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	intf, err := h.claimInterface()
	if err != nil {
		return 0, err
	}
	number := int(endpoint &^ EndpointIn)
	var n int
	if endpoint&EndpointIn != 0 {
		ep, err := intf.InEndpoint(number)
		if err != nil {
			return 0, mapGousbError(err)
		}
		n, err = ep.ReadContext(ctx, data)
		if err != nil {
			return n, mapGousbError(err)
		}
		return n, nil
	}
	ep, err := intf.OutEndpoint(number)
	if err != nil {
		return 0, mapGousbError(err)
	}
	n, err = ep.WriteContext(ctx, data)
	if err != nil {
		return n, mapGousbError(err)
	}
	return n, nil
}

func (h *gousbHandle) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return h.endpointTransfer(ctx, endpoint, data)
}

func (h *gousbHandle) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return h.endpointTransfer(ctx, endpoint, data)
}

func (h *gousbHandle) IsochronousTransfer(ctx context.Context, endpoint uint8, data []byte, numPackets int) (int, error) {
	if numPackets < 0 {
		return 0, ErrInvalidParameter
	}
	return h.endpointTransfer(ctx, endpoint, data)
}

func (h *gousbHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.done != nil {
		h.done()
		h.intf = nil
		h.done = nil
	}
	return h.dev.Close()
}
