// Package usb models local USB devices and the hardware access layer
// behind the server: enumeration, per-device transfer handles, and the
// registry that tracks the currently visible device set.
package usb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beriberikix/usbipd-go/usbip"
)

// Speed is the USB connection speed, numbered as the wire protocol
// expects (enum usb_device_speed).
type Speed uint32

const (
	SpeedUnknown   Speed = 0
	SpeedLow       Speed = 1
	SpeedFull      Speed = 2
	SpeedHigh      Speed = 3
	SpeedWireless  Speed = 4
	SpeedSuper     Speed = 5
	SpeedSuperPlus Speed = 6
)

var speedNames = map[Speed]string{
	SpeedUnknown:   "unknown",
	SpeedLow:       "1.5Mbps",
	SpeedFull:      "12Mbps",
	SpeedHigh:      "480Mbps",
	SpeedWireless:  "wireless",
	SpeedSuper:     "5Gbps",
	SpeedSuperPlus: "10Gbps",
}

func (s Speed) String() string {
	if name, ok := speedNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Speed(%d)", uint32(s))
}

// Interface describes one interface of a device's active configuration.
type Interface struct {
	Class    uint8
	Subclass uint8
	Protocol uint8
}

// Device is an immutable snapshot of one visible USB device. Discovery
// produces fresh records; a record is never mutated after creation.
type Device struct {
	BusID              string
	Path               string
	BusNum             uint32
	DevNum             uint32
	Speed              Speed
	VendorID           uint16
	ProductID          uint16
	BcdDevice          uint16
	Class              uint8
	Subclass           uint8
	Protocol           uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	Interfaces         []Interface
	Manufacturer       string
	Product            string
	Serial             string
}

// ID packs bus and device number the way CMD_SUBMIT's devid field does.
func (d *Device) ID() uint32 {
	return d.BusNum<<16 | (d.DevNum & 0xffff)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s: %04x:%04x (%s)", d.BusID, d.VendorID, d.ProductID, d.Speed)
}

// SummaryHeader builds the exported-device record for this device.
func (d *Device) SummaryHeader() usbip.DeviceSummaryHeader {
	header := usbip.DeviceSummaryHeader{
		Busnum:             d.BusNum,
		Devnum:             d.DevNum,
		Speed:              uint32(d.Speed),
		IDVendor:           d.VendorID,
		IDProduct:          d.ProductID,
		BcdDevice:          d.BcdDevice,
		DeviceClass:        d.Class,
		DeviceSubclass:     d.Subclass,
		DeviceProtocol:     d.Protocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
		NumInterfaces:      uint8(len(d.Interfaces)),
	}
	header.SetPath(d.Path)
	header.SetBusID(d.BusID)
	return header
}

// Summary builds the device-list record, interfaces included.
func (d *Device) Summary() usbip.DeviceSummary {
	summary := usbip.DeviceSummary{Header: d.SummaryHeader()}
	for _, iface := range d.Interfaces {
		summary.Interfaces = append(summary.Interfaces, usbip.DeviceInterface{
			InterfaceClass:    iface.Class,
			InterfaceSubclass: iface.Subclass,
			InterfaceProtocol: iface.Protocol,
		})
	}
	return summary
}

// Device lookup errors.
var (
	ErrDeviceNotFound  = errors.New("usb: device not found")
	ErrInvalidIDFormat = errors.New("usb: invalid device id format")
)

// Transfer errors surfaced by hardware backends. Every backend maps its
// native error codes onto this closed set; nothing above the usb
// package inspects backend-specific codes.
var (
	ErrDeviceGone        = errors.New("usb: device no longer available")
	ErrTransferTimeout   = errors.New("usb: transfer timed out")
	ErrTransferCancelled = errors.New("usb: transfer cancelled")
	ErrEndpointStalled   = errors.New("usb: endpoint stalled")
	ErrNoResources       = errors.New("usb: no resources for transfer")
	ErrInvalidParameter  = errors.New("usb: invalid transfer parameter")
)

// SetupPacket is a USB control setup packet. Fields are little-endian
// on the wire per the USB specification, unlike the USB/IP framing
// around them.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup unpacks the raw 8 setup bytes carried by CMD_SUBMIT.
func ParseSetup(raw [8]byte) SetupPacket {
	return SetupPacket{
		RequestType: raw[0],
		Request:     raw[1],
		Value:       binary.LittleEndian.Uint16(raw[2:4]),
		Index:       binary.LittleEndian.Uint16(raw[4:6]),
		Length:      binary.LittleEndian.Uint16(raw[6:8]),
	}
}

// Bytes packs the setup packet back into its raw wire form.
func (s SetupPacket) Bytes() [8]byte {
	var raw [8]byte
	raw[0] = s.RequestType
	raw[1] = s.Request
	binary.LittleEndian.PutUint16(raw[2:4], s.Value)
	binary.LittleEndian.PutUint16(raw[4:6], s.Index)
	binary.LittleEndian.PutUint16(raw[6:8], s.Length)
	return raw
}

// DirectionIn reports whether the data stage moves device-to-host.
func (s SetupPacket) DirectionIn() bool {
	return s.RequestType&0x80 != 0
}

// EndpointIn is the direction bit of an endpoint address.
const EndpointIn uint8 = 0x80

// DeviceHandle is an open hardware device. The endpoint argument
// carries the direction bit (0x80 for IN). For IN transfers data is the
// buffer to fill; for OUT it is the payload. All methods suspend only
// the calling goroutine and honor context cancellation and deadlines.
type DeviceHandle interface {
	ControlTransfer(ctx context.Context, setup SetupPacket, data []byte) (int, error)
	BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
	InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
	IsochronousTransfer(ctx context.Context, endpoint uint8, data []byte, numPackets int) (int, error)
	Close() error
}

// Provider is the hardware access capability: enumeration plus opening
// per-device transfer handles. The backend (real hardware or simulated)
// is chosen once at construction; nothing downstream branches on which
// variant is active.
type Provider interface {
	Enumerate() ([]*Device, error)
	Open(busID string) (DeviceHandle, error)
	Close() error
}

// Watcher is implemented by providers that can report device hotplug.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// ParseBusID splits a "<bus>-<device>" bus id such as "20-1".
func ParseBusID(busID string) (uint32, uint32, error) {
	return splitDeviceID(busID, "-")
}

// ParseCompositeID splits a "bus:device" composite id such as "20:1".
func ParseCompositeID(id string) (uint32, uint32, error) {
	return splitDeviceID(id, ":")
}

func splitDeviceID(id, separator string) (uint32, uint32, error) {
	parts := strings.Split(id, separator)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q is missing the %q separator", ErrInvalidIDFormat, id, separator)
	}
	bus, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bus component of %q is not numeric", ErrInvalidIDFormat, id)
	}
	dev, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: device component of %q is not numeric", ErrInvalidIDFormat, id)
	}
	return uint32(bus), uint32(dev), nil
}
