package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beriberikix/usbipd-go/claim"
	"github.com/beriberikix/usbipd-go/usb"
	"github.com/beriberikix/usbipd-go/usbip"
)

// session is the per-connection state: the device list the client was
// shown, the devices it has imported, and (through the shared pending
// table, keyed by its session id) the requests it owns.
type session struct {
	id       uint32
	conn     net.Conn
	registry *usb.Registry
	claims   *claim.Manager
	proc     *processor
	log      *logrus.Entry

	writeMu sync.Mutex

	mu       sync.Mutex
	shown    map[string]*usb.Device
	imported map[uint32]*claim.Handle

	// inflight counts transfer goroutines so teardown can wait for
	// replies to drain before the connection goes away.
	inflight sync.WaitGroup
}

func newSession(id uint32, conn net.Conn, registry *usb.Registry, claims *claim.Manager, proc *processor) *session {
	return &session{
		id:       id,
		conn:     conn,
		registry: registry,
		claims:   claims,
		proc:     proc,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"session":   id,
			"remote":    conn.RemoteAddr().String(),
		}),
		shown:    make(map[string]*usb.Device),
		imported: make(map[uint32]*claim.Handle),
	}
}

// run drives the connection: the operation phase until a successful
// import, then the URB phase until disconnect. The returned error is
// nil for a clean remote close.
func (s *session) run(ctx context.Context) error {
	for {
		msg, err := usbip.ReadOpMessage(s.conn)
		if err != nil {
			return ignoreDisconnect(err)
		}
		switch m := msg.(type) {
		case *usbip.OpReqDevlist:
			if err := s.handleDevlist(); err != nil {
				return ignoreDisconnect(err)
			}
		case *usbip.OpReqImport:
			imported, err := s.handleImport(ctx, m)
			if err != nil {
				return ignoreDisconnect(err)
			}
			if imported {
				return s.commandLoop(ctx)
			}
		default:
			// A reply message from a client makes no sense; the stream
			// is not trustworthy past this point.
			s.log.WithField("message", msg).Warn("unexpected message in operation phase")
			return errors.New("server: unexpected operation-phase message")
		}
	}
}

func (s *session) handleDevlist() error {
	devices, err := s.registry.Devices()
	if err != nil {
		s.log.WithError(err).Error("device discovery failed")
		return s.writeReply(&usbip.OpRepDevlist{Status: 1})
	}
	reply := &usbip.OpRepDevlist{}
	s.mu.Lock()
	s.shown = make(map[string]*usb.Device, len(devices))
	for _, device := range devices {
		s.shown[device.BusID] = device
		reply.Devices = append(reply.Devices, device.Summary())
	}
	s.mu.Unlock()
	s.log.WithField("devices", len(devices)).Debug("device list sent")
	return s.writeReply(reply)
}

// handleImport resolves the requested bus id, claims the device for
// this session, and acknowledges. It reports whether the session moved
// to the URB phase.
func (s *session) handleImport(ctx context.Context, msg *usbip.OpReqImport) (bool, error) {
	device, err := s.resolveDevice(msg.BusID)
	if err != nil {
		s.log.WithField("busid", msg.BusID).WithError(err).Warn("import: unknown device")
		return false, s.writeReply(&usbip.OpRepImport{Status: usbip.ImportStatusError})
	}
	handle, err := s.claims.Claim(ctx, device.BusID, s.id)
	if err != nil {
		s.log.WithField("busid", device.BusID).WithError(err).Warn("import: claim failed")
		return false, s.writeReply(&usbip.OpRepImport{Status: usbip.ImportStatusError})
	}
	s.mu.Lock()
	s.imported[device.ID()] = handle
	s.mu.Unlock()
	header := device.SummaryHeader()
	s.log.WithField("busid", device.BusID).Info("device imported")
	return true, s.writeReply(&usbip.OpRepImport{Status: usbip.ImportStatusOK, Device: &header})
}

// resolveDevice accepts both the "<bus>-<device>" bus id and the
// composite "bus:device" form, preferring the snapshot this client was
// shown so an import cannot race a concurrent rescan.
func (s *session) resolveDevice(id string) (*usb.Device, error) {
	if strings.Contains(id, ":") {
		return s.registry.GetByCompositeID(id)
	}
	s.mu.Lock()
	device, ok := s.shown[id]
	s.mu.Unlock()
	if ok {
		return device, nil
	}
	return s.registry.Get(id)
}

func (s *session) commandLoop(ctx context.Context) error {
	for {
		msg, err := usbip.ReadCmdMessage(s.conn)
		if err != nil {
			return ignoreDisconnect(err)
		}
		// Registration happens here, on the read loop, so SUBMIT and
		// UNLINK for one session take effect in arrival order.
		switch m := msg.(type) {
		case *usbip.CmdSubmit:
			s.proc.handleSubmit(ctx, s, m)
		case *usbip.CmdUnlink:
			s.proc.handleUnlink(s, m)
		}
	}
}

// deviceFor resolves a SUBMIT devid to an imported claim handle.
func (s *session) deviceFor(devID uint32) *claim.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imported[devID]
}

// dropDevice forgets an imported device whose claim was lost.
func (s *session) dropDevice(busID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for devID, handle := range s.imported {
		if handle.BusID() == busID {
			delete(s.imported, devID)
		}
	}
}

func (s *session) writeReply(msg usbip.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(writeDeadline()); err != nil {
		return err
	}
	if _, err := s.conn.Write(msg.Encode()); err != nil {
		s.log.WithError(err).Debug("reply write failed")
		return err
	}
	return nil
}

// writeDeadline bounds reply writes so one stalled client cannot pin a
// transfer goroutine forever.
func writeDeadline() time.Time {
	return time.Now().Add(30 * time.Second)
}

// ignoreDisconnect maps remote-close errors to nil so ordinary client
// disconnects are not reported as failures.
func ignoreDisconnect(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return nil
	}
	return err
}
