package usbip

import (
	"fmt"

	"github.com/beriberikix/usbipd-go/util"
)

// Message is any wire message this package can encode and decode.
type Message interface {
	Encode() []byte
}

// DeviceSummaryHeader is the fixed-size portion of an exported-device
// record as it appears in OP_REP_DEVLIST and OP_REP_IMPORT.
type DeviceSummaryHeader struct {
	Path               [256]byte
	BusID              [32]byte
	Busnum             uint32
	Devnum             uint32
	Speed              uint32
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	DeviceClass        uint8
	DeviceSubclass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

// SetPath stores a null-terminated sysfs path.
func (h *DeviceSummaryHeader) SetPath(path string) { util.PutCString(h.Path[:], path) }

// SetBusID stores a null-terminated bus id such as "3-1".
func (h *DeviceSummaryHeader) SetBusID(busID string) { util.PutCString(h.BusID[:], busID) }

// PathString returns the sysfs path without trailing nulls.
func (h *DeviceSummaryHeader) PathString() string { return util.CString(h.Path[:]) }

// BusIDString returns the bus id without trailing nulls.
func (h *DeviceSummaryHeader) BusIDString() string { return util.CString(h.BusID[:]) }

func (h DeviceSummaryHeader) String() string {
	return fmt.Sprintf("DeviceSummaryHeader{ BusID: %q, Busnum: %d, Devnum: %d, Speed: %d, IDVendor: 0x%04x, IDProduct: 0x%04x, Class: %d/%d/%d, NumInterfaces: %d }",
		h.BusIDString(), h.Busnum, h.Devnum, h.Speed,
		h.IDVendor, h.IDProduct,
		h.DeviceClass, h.DeviceSubclass, h.DeviceProtocol,
		h.NumInterfaces)
}

// DeviceInterface is one per-interface record following the device
// summary header in OP_REP_DEVLIST.
type DeviceInterface struct {
	InterfaceClass    uint8
	InterfaceSubclass uint8
	InterfaceProtocol uint8
	Padding           uint8
}

// DeviceSummary is one exported-device record: the fixed header plus
// one record per interface.
type DeviceSummary struct {
	Header     DeviceSummaryHeader
	Interfaces []DeviceInterface
}

func (s DeviceSummary) encode() []byte {
	out := util.ToBE(s.Header)
	for _, iface := range s.Interfaces {
		out = append(out, util.ToBE(iface)...)
	}
	return out
}

// OpReqDevlist requests the list of exported devices.
type OpReqDevlist struct {
	Status uint32
}

func (m *OpReqDevlist) Encode() []byte {
	return util.ToBE(header{Version: Version, Command: OpCommandReqDevlist, Status: m.Status})
}

// OpRepDevlist carries the exported-device snapshot.
type OpRepDevlist struct {
	Status  uint32
	Devices []DeviceSummary
}

func (m *OpRepDevlist) Encode() []byte {
	out := util.ToBE(header{Version: Version, Command: OpCommandRepDevlist, Status: m.Status})
	out = append(out, util.ToBE(uint32(len(m.Devices)))...)
	for _, device := range m.Devices {
		out = append(out, device.encode()...)
	}
	return out
}

// OpReqImport asks to import one exported device by bus id.
type OpReqImport struct {
	Status uint32
	BusID  string
}

func (m *OpReqImport) Encode() []byte {
	out := util.ToBE(header{Version: Version, Command: OpCommandReqImport, Status: m.Status})
	busID := make([]byte, busIDSize)
	util.PutCString(busID, m.BusID)
	return append(out, busID...)
}

// OpRepImport acknowledges an import request. Device is present only on
// success (Status == ImportStatusOK).
type OpRepImport struct {
	Status uint32
	Device *DeviceSummaryHeader
}

func (m *OpRepImport) Encode() []byte {
	out := util.ToBE(header{Version: Version, Command: OpCommandRepImport, Status: m.Status})
	if m.Status == ImportStatusOK && m.Device != nil {
		out = append(out, util.ToBE(*m.Device)...)
	}
	return out
}

// CmdSubmit is one URB submission. Data carries the OUT payload and is
// empty for IN transfers, where TransferBufferLength is the requested
// read length instead.
type CmdSubmit struct {
	SeqNum               uint32
	DevID                uint32
	Direction            Direction
	Endpoint             uint32
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
	Data                 []byte
}

func (m *CmdSubmit) Encode() []byte {
	out := util.ToBE(cmdHeader{
		Command:   CommandSubmit,
		SeqNum:    m.SeqNum,
		DevID:     m.DevID,
		Direction: m.Direction,
		Endpoint:  m.Endpoint,
	})
	out = append(out, util.ToBE(cmdSubmitBody{
		TransferFlags:        m.TransferFlags,
		TransferBufferLength: m.TransferBufferLength,
		StartFrame:           m.StartFrame,
		NumberOfPackets:      m.NumberOfPackets,
		Interval:             m.Interval,
		Setup:                m.Setup,
	})...)
	if m.Direction == DirOut {
		out = append(out, m.Data...)
	}
	return out
}

func (m *CmdSubmit) String() string {
	return fmt.Sprintf("CmdSubmit{ Seq: %d, DevID: 0x%08x, Dir: %s, Endpoint: %d, Length: %d }",
		m.SeqNum, m.DevID, m.Direction, m.Endpoint, m.TransferBufferLength)
}

// RetSubmit is the completion reply for one URB. Data is present only
// for IN transfers; the sequence number correlates the reply with its
// submission.
type RetSubmit struct {
	SeqNum          uint32
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Data            []byte
}

func (m *RetSubmit) Encode() []byte {
	out := util.ToBE(cmdHeader{Command: CommandRetSubmit, SeqNum: m.SeqNum})
	out = append(out, util.ToBE(retSubmitBody{
		Status:          m.Status,
		ActualLength:    m.ActualLength,
		StartFrame:      m.StartFrame,
		NumberOfPackets: m.NumberOfPackets,
		ErrorCount:      m.ErrorCount,
	})...)
	return append(out, m.Data...)
}

// CmdUnlink requests best-effort cancellation of a pending URB.
type CmdUnlink struct {
	SeqNum       uint32
	DevID        uint32
	Direction    Direction
	Endpoint     uint32
	UnlinkSeqNum uint32
}

func (m *CmdUnlink) Encode() []byte {
	out := util.ToBE(cmdHeader{
		Command:   CommandUnlink,
		SeqNum:    m.SeqNum,
		DevID:     m.DevID,
		Direction: m.Direction,
		Endpoint:  m.Endpoint,
	})
	return append(out, util.ToBE(cmdUnlinkBody{UnlinkSeqNum: m.UnlinkSeqNum})...)
}

// RetUnlink acknowledges an unlink: StatusECONNRESET when the pending
// request was cancelled, StatusENOENT when it was already gone.
type RetUnlink struct {
	SeqNum uint32
	Status int32
}

func (m *RetUnlink) Encode() []byte {
	out := util.ToBE(cmdHeader{Command: CommandRetUnlink, SeqNum: m.SeqNum})
	return append(out, util.ToBE(retUnlinkBody{Status: m.Status})...)
}
