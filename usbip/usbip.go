// Package usbip implements the USB/IP wire protocol: the binary codec
// for the operation phase (device list, device import) and the URB
// phase (SUBMIT/UNLINK and their replies). The format is the standard
// one spoken by the Linux usbip client, version 0x0111, all multi-byte
// integers big-endian.
package usbip

import "fmt"

// Version is the protocol version sent in every operation-phase header.
const Version uint16 = 0x0111

// OpCommand identifies an operation-phase message.
type OpCommand uint16

const (
	OpCommandReqDevlist OpCommand = 0x8005
	OpCommandRepDevlist OpCommand = 0x0005
	OpCommandReqImport  OpCommand = 0x8003
	OpCommandRepImport  OpCommand = 0x0003
)

var opCommandNames = map[OpCommand]string{
	OpCommandReqDevlist: "OP_REQ_DEVLIST",
	OpCommandRepDevlist: "OP_REP_DEVLIST",
	OpCommandReqImport:  "OP_REQ_IMPORT",
	OpCommandRepImport:  "OP_REP_IMPORT",
}

func (c OpCommand) String() string {
	if name, ok := opCommandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("OpCommand(0x%04x)", uint16(c))
}

// Command identifies a URB-phase message.
type Command uint32

const (
	CommandSubmit    Command = 0x1
	CommandUnlink    Command = 0x2
	CommandRetSubmit Command = 0x3
	CommandRetUnlink Command = 0x4
)

var commandNames = map[Command]string{
	CommandSubmit:    "USBIP_CMD_SUBMIT",
	CommandUnlink:    "USBIP_CMD_UNLINK",
	CommandRetSubmit: "USBIP_RET_SUBMIT",
	CommandRetUnlink: "USBIP_RET_UNLINK",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%x)", uint32(c))
}

// Direction is the transfer direction seen from the host.
type Direction uint32

const (
	DirOut Direction = 0x0
	DirIn  Direction = 0x1
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// URB status values carried in RET_SUBMIT and RET_UNLINK. The wire
// protocol speaks Linux errno conventions regardless of the host
// platform, so these are hard-coded rather than taken from syscall.
const (
	StatusOK         int32 = 0
	StatusENOENT     int32 = -2   // unlink target not found
	StatusENOMEM     int32 = -12  // no resources
	StatusENODEV     int32 = -19  // device not available
	StatusEINVAL     int32 = -22  // invalid parameter
	StatusEPIPE      int32 = -32  // endpoint stall
	StatusECONNRESET int32 = -104 // request unlinked
	StatusETIMEDOUT  int32 = -110 // transfer timed out
)

// Operation-phase header status codes for OP_REP_IMPORT.
const (
	ImportStatusOK    uint32 = 0
	ImportStatusError uint32 = 1
)

// header is the operation-phase wire header.
type header struct {
	Version uint16
	Command OpCommand
	Status  uint32
}

// cmdHeader is the URB-phase wire header shared by all four commands.
type cmdHeader struct {
	Command   Command
	SeqNum    uint32
	DevID     uint32
	Direction Direction
	Endpoint  uint32
}

type cmdSubmitBody struct {
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

type retSubmitBody struct {
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         uint64
}

type cmdUnlinkBody struct {
	UnlinkSeqNum uint32
	Padding      [24]byte
}

type retUnlinkBody struct {
	Status  int32
	Padding [24]byte
}

const (
	opHeaderSize  = 8
	busIDSize     = 32
	cmdHeaderSize = 20
	cmdBodySize   = 28
	urbSize       = cmdHeaderSize + cmdBodySize

	// maxTransferLength bounds the transfer buffer length accepted from
	// the wire so a corrupt length field cannot trigger an allocation of
	// arbitrary size.
	maxTransferLength = 1 << 23
)
