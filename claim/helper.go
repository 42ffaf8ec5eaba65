package claim

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// Helper protocol operations.
const (
	helperOpClaim   = "claim"
	helperOpRelease = "release"
	helperOpHealth  = "health"
)

// Helper protocol failure codes.
const (
	helperCodeBusy   = "busy"
	helperCodeDenied = "denied"
)

type helperRequest struct {
	Op    string `cbor:"op"`
	BusID string `cbor:"bus_id,omitempty"`
}

type helperResponse struct {
	OK      bool   `cbor:"ok"`
	Code    string `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`
}

// maxHelperFrame bounds response frames from the helper socket.
const maxHelperFrame = 1 << 16

// HelperClient talks to the out-of-process privileged helper over a
// unix socket. Each request is one length-prefixed CBOR record followed
// by one length-prefixed CBOR response. Any transport failure is
// reported as ErrProviderUnavailable.
type HelperClient struct {
	socketPath string
	timeout    time.Duration
	encMode    cbor.EncMode
	log        *logrus.Entry
}

func NewHelperClient(socketPath string, timeout time.Duration) (*HelperClient, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("claim: cbor encoder: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HelperClient{
		socketPath: socketPath,
		timeout:    timeout,
		encMode:    encMode,
		log:        logrus.WithField("component", "claim-helper"),
	}, nil
}

func (c *HelperClient) Claim(ctx context.Context, busID string) error {
	return c.call(ctx, helperRequest{Op: helperOpClaim, BusID: busID})
}

func (c *HelperClient) Release(ctx context.Context, busID string) error {
	return c.call(ctx, helperRequest{Op: helperOpRelease, BusID: busID})
}

func (c *HelperClient) Health(ctx context.Context) error {
	return c.call(ctx, helperRequest{Op: helperOpHealth})
}

func (c *HelperClient) call(ctx context.Context, request helperRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrProviderUnavailable, c.socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := c.writeFrame(conn, request); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	response, err := c.readFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if response.OK {
		return nil
	}
	switch response.Code {
	case helperCodeBusy:
		return fmt.Errorf("%w: %s", ErrDeviceBusy, response.Message)
	case helperCodeDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, response.Message)
	default:
		return fmt.Errorf("claim: helper rejected %s: %s %s", request.Op, response.Code, response.Message)
	}
}

func (c *HelperClient) writeFrame(conn net.Conn, request helperRequest) error {
	body, err := c.encMode.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *HelperClient) readFrame(conn net.Conn) (*helperResponse, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(conn, lengthBytes[:]); err != nil {
		return nil, fmt.Errorf("read response length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length > maxHelperFrame {
		return nil, fmt.Errorf("response frame of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var response helperResponse
	if err := cbor.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}
