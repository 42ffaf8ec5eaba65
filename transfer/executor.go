package transfer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beriberikix/usbipd-go/usb"
)

// DefaultTimeout bounds transfers whose request carries no timeout.
const DefaultTimeout = 5 * time.Second

type executor struct {
	log *logrus.Entry
}

// NewExecutor returns the hardware-backed Executor. The device handle
// passed to each call decides which backend actually runs the transfer.
func NewExecutor() Executor {
	return &executor{log: logrus.WithField("component", "executor")}
}

// buffer builds the transfer buffer: the OUT payload as-is, or a fresh
// buffer of the requested length for IN.
func (e *executor) buffer(req *Request) []byte {
	if req.Direction == DirOut {
		return req.Data
	}
	return make([]byte, req.Length)
}

// finish clamps the reported length and folds the backend error into a
// Result. IN data beyond the actual transferred length is never
// returned.
func (e *executor) finish(req *Request, buffer []byte, n int, err error) Result {
	status := mapStatus(err)
	if n < 0 {
		n = 0
	}
	if n > len(buffer) {
		n = len(buffer)
	}
	result := Result{Status: status, ActualLength: n}
	if req.Direction == DirIn && n > 0 {
		result.Data = buffer[:n]
	}
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"kind":     req.Kind,
			"endpoint": req.Endpoint,
			"status":   status,
		}).WithError(err).Debug("transfer failed")
	}
	return result
}

// withTimeout applies the request timeout, falling back to the default
// so no transfer can hang a session forever.
func (e *executor) withTimeout(ctx context.Context, req *Request) (context.Context, context.CancelFunc) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *executor) Control(ctx context.Context, dev usb.DeviceHandle, req *Request) Result {
	ctx, cancel := e.withTimeout(ctx, req)
	defer cancel()
	buffer := e.buffer(req)
	n, err := dev.ControlTransfer(ctx, usb.ParseSetup(req.Setup), buffer)
	return e.finish(req, buffer, n, err)
}

func (e *executor) Bulk(ctx context.Context, dev usb.DeviceHandle, req *Request) Result {
	ctx, cancel := e.withTimeout(ctx, req)
	defer cancel()
	buffer := e.buffer(req)
	n, err := dev.BulkTransfer(ctx, e.address(req), buffer)
	return e.finish(req, buffer, n, err)
}

func (e *executor) Interrupt(ctx context.Context, dev usb.DeviceHandle, req *Request) Result {
	ctx, cancel := e.withTimeout(ctx, req)
	defer cancel()
	buffer := e.buffer(req)
	n, err := dev.InterruptTransfer(ctx, e.address(req), buffer)
	return e.finish(req, buffer, n, err)
}

func (e *executor) Isochronous(ctx context.Context, dev usb.DeviceHandle, req *Request) Result {
	ctx, cancel := e.withTimeout(ctx, req)
	defer cancel()
	buffer := e.buffer(req)
	n, err := dev.IsochronousTransfer(ctx, e.address(req), buffer, req.NumPackets)
	return e.finish(req, buffer, n, err)
}

// address combines endpoint number and direction bit.
func (e *executor) address(req *Request) uint8 {
	address := req.Endpoint & 0x0f
	if req.Direction == DirIn {
		address |= usb.EndpointIn
	}
	return address
}
