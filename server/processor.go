package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beriberikix/usbipd-go/transfer"
	"github.com/beriberikix/usbipd-go/usbip"
)

// processor turns decoded SUBMIT/UNLINK messages into transfer
// executions and wire replies. Decoding and registration happen on the
// session's read loop in arrival order; execution and the reply run on
// their own goroutine so transfers never serialize behind each other.
type processor struct {
	exec    transfer.Executor
	pending *pendingTable
	timeout time.Duration
	log     *logrus.Entry
}

func newProcessor(exec transfer.Executor, pending *pendingTable, timeout time.Duration) *processor {
	return &processor{
		exec:    exec,
		pending: pending,
		timeout: timeout,
		log:     logrus.WithField("component", "processor"),
	}
}

func (p *processor) handleSubmit(ctx context.Context, s *session, msg *usbip.CmdSubmit) {
	handle := s.deviceFor(msg.DevID)
	if handle == nil || !s.claims.IsClaimedBy(handle.BusID(), s.id) {
		// Not claimed through this session: reply immediately, the
		// executor is never involved.
		s.writeReply(&usbip.RetSubmit{SeqNum: msg.SeqNum, Status: usbip.StatusENODEV})
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if err := p.pending.add(s.id, msg.SeqNum, handle.BusID(), cancel); err != nil {
		cancel()
		p.log.WithFields(logrus.Fields{"session": s.id, "seq": msg.SeqNum}).Warn("duplicate sequence number")
		s.writeReply(&usbip.RetSubmit{SeqNum: msg.SeqNum, Status: usbip.StatusEINVAL})
		return
	}

	request := p.requestFromSubmit(msg)
	device := handle.Device()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		result := transfer.Dispatch(reqCtx, p.exec, device, request)
		// Whichever of completion and unlink reaches the table first
		// wins; the loser's outcome is discarded, never both reported.
		if p.pending.take(s.id, msg.SeqNum) == nil {
			return
		}
		s.writeReply(&usbip.RetSubmit{
			SeqNum:          msg.SeqNum,
			Status:          result.Status.URBStatus(),
			ActualLength:    uint32(result.ActualLength),
			NumberOfPackets: msg.NumberOfPackets,
			Data:            result.Data,
		})
	}()
}

func (p *processor) handleUnlink(s *session, msg *usbip.CmdUnlink) {
	status := usbip.StatusENOENT
	if entry := p.pending.take(s.id, msg.UnlinkSeqNum); entry != nil {
		entry.cancel()
		status = usbip.StatusECONNRESET
	}
	// An absent entry means the request already completed or was never
	// seen; ENOENT here is a normal outcome, not a failure.
	s.writeReply(&usbip.RetUnlink{SeqNum: msg.SeqNum, Status: status})
}

// requestFromSubmit derives the transfer request. The wire format does
// not name the transfer kind; it follows from the endpoint and the
// scheduling fields the client set, the way the kernel's vhci driver
// fills them: endpoint zero is control, a packet count means
// isochronous, an interval means interrupt, anything else is bulk.
func (p *processor) requestFromSubmit(msg *usbip.CmdSubmit) *transfer.Request {
	request := &transfer.Request{
		Endpoint:   uint8(msg.Endpoint),
		Setup:      msg.Setup,
		Length:     int(msg.TransferBufferLength),
		Timeout:    p.timeout,
		NumPackets: int(msg.NumberOfPackets),
	}
	if msg.Direction == usbip.DirIn {
		request.Direction = transfer.DirIn
	} else {
		request.Direction = transfer.DirOut
		request.Data = msg.Data
	}
	switch {
	case msg.Endpoint == 0:
		request.Kind = transfer.KindControl
	case msg.NumberOfPackets > 0:
		request.Kind = transfer.KindIsochronous
	case msg.Interval > 0:
		request.Kind = transfer.KindInterrupt
	default:
		request.Kind = transfer.KindBulk
	}
	return request
}
