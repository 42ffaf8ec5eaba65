// Package transfer executes USB transfers against claimed devices. It
// owns the closed transfer status set: every hardware-layer error is
// folded into it before results reach protocol code.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beriberikix/usbipd-go/usb"
	"github.com/beriberikix/usbipd-go/usbip"
)

// Status is the outcome of one transfer.
type Status int

const (
	StatusSuccess Status = iota
	StatusDeviceNotAvailable
	StatusTimeout
	StatusCancelled
	StatusStall
	StatusNoResources
	StatusInvalidParameter
)

var statusNames = map[Status]string{
	StatusSuccess:            "success",
	StatusDeviceNotAvailable: "device not available",
	StatusTimeout:            "timeout",
	StatusCancelled:          "cancelled",
	StatusStall:              "stall",
	StatusNoResources:        "no resources",
	StatusInvalidParameter:   "invalid parameter",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// URBStatus maps the status onto the errno value carried in RET_SUBMIT.
func (s Status) URBStatus() int32 {
	switch s {
	case StatusSuccess:
		return usbip.StatusOK
	case StatusDeviceNotAvailable:
		return usbip.StatusENODEV
	case StatusTimeout:
		return usbip.StatusETIMEDOUT
	case StatusCancelled:
		return usbip.StatusECONNRESET
	case StatusStall:
		return usbip.StatusEPIPE
	case StatusNoResources:
		return usbip.StatusENOMEM
	default:
		return usbip.StatusEINVAL
	}
}

// Kind is the transfer operation kind.
type Kind int

const (
	KindControl Kind = iota
	KindBulk
	KindInterrupt
	KindIsochronous
)

var kindNames = map[Kind]string{
	KindControl:     "control",
	KindBulk:        "bulk",
	KindInterrupt:   "interrupt",
	KindIsochronous: "isochronous",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Direction of a transfer as seen from the host.
type Direction int

const (
	DirOut Direction = iota
	DirIn
)

// Request describes one transfer. Data carries the OUT payload; Length
// is the requested IN length. Endpoint is the endpoint number without
// the direction bit and is implicit (zero) for control transfers.
type Request struct {
	Kind       Kind
	Endpoint   uint8
	Direction  Direction
	Setup      [8]byte
	Data       []byte
	Length     int
	Timeout    time.Duration
	NumPackets int
}

// Result is the outcome of one transfer. Data is present only for
// successful IN transfers and never exceeds the requested length.
type Result struct {
	Status       Status
	ActualLength int
	Data         []byte
}

// Executor runs transfers against an open device handle. Calls suspend
// only the invoking goroutine; unrelated transfers on other devices or
// endpoints proceed concurrently. On timeout the underlying operation
// is cancelled and the partial length reported by the hardware layer is
// returned without fabricated data.
type Executor interface {
	Control(ctx context.Context, dev usb.DeviceHandle, req *Request) Result
	Bulk(ctx context.Context, dev usb.DeviceHandle, req *Request) Result
	Interrupt(ctx context.Context, dev usb.DeviceHandle, req *Request) Result
	Isochronous(ctx context.Context, dev usb.DeviceHandle, req *Request) Result
}

// Dispatch routes a request to the executor operation matching its
// declared kind.
func Dispatch(ctx context.Context, exec Executor, dev usb.DeviceHandle, req *Request) Result {
	switch req.Kind {
	case KindControl:
		return exec.Control(ctx, dev, req)
	case KindBulk:
		return exec.Bulk(ctx, dev, req)
	case KindInterrupt:
		return exec.Interrupt(ctx, dev, req)
	default:
		return exec.Isochronous(ctx, dev, req)
	}
}

// mapStatus folds hardware-layer errors and context outcomes into the
// closed status set. The mapping is total and deterministic.
func mapStatus(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, usb.ErrTransferTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, usb.ErrTransferCancelled), errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(err, usb.ErrEndpointStalled):
		return StatusStall
	case errors.Is(err, usb.ErrNoResources):
		return StatusNoResources
	case errors.Is(err, usb.ErrInvalidParameter):
		return StatusInvalidParameter
	default:
		// ErrDeviceGone and anything unclassified: the device is not
		// usable for this transfer.
		return StatusDeviceNotAvailable
	}
}
