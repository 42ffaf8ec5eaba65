package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/beriberikix/usbipd-go/util"
)

// Protocol decode errors. Wrapped values carry detail; classify with
// errors.Is.
var (
	ErrInvalidDataLength  = errors.New("usbip: data shorter than message length")
	ErrUnsupportedCommand = errors.New("usbip: unsupported command")
	ErrMalformedField     = errors.New("usbip: malformed message field")
)

// Decode parses one complete wire message from a byte buffer. The two
// protocol phases are distinguished by the leading 16 bits: operation
// messages start with the protocol version, URB messages with the high
// half of a small command word. Decode never panics on malformed input.
func Decode(data []byte) (Message, error) {
	if len(data) < opHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidDataLength, len(data))
	}
	if binary.BigEndian.Uint16(data) == Version {
		return decodeOp(data)
	}
	return decodeCmd(data)
}

func decodeOp(data []byte) (Message, error) {
	command := OpCommand(binary.BigEndian.Uint16(data[2:4]))
	status := binary.BigEndian.Uint32(data[4:8])
	payload := data[opHeaderSize:]
	switch command {
	case OpCommandReqDevlist:
		return &OpReqDevlist{Status: status}, nil
	case OpCommandReqImport:
		if len(payload) < busIDSize {
			return nil, fmt.Errorf("%w: OP_REQ_IMPORT bus id", ErrInvalidDataLength)
		}
		return &OpReqImport{Status: status, BusID: util.CString(payload[:busIDSize])}, nil
	case OpCommandRepDevlist:
		return decodeRepDevlist(status, payload)
	case OpCommandRepImport:
		return decodeRepImport(status, payload)
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnsupportedCommand, uint16(command))
	}
}

func decodeRepDevlist(status uint32, payload []byte) (Message, error) {
	reader := bytes.NewReader(payload)
	count, err := util.ReadBE[uint32](reader)
	if err != nil {
		return nil, fmt.Errorf("%w: OP_REP_DEVLIST device count", ErrInvalidDataLength)
	}
	reply := &OpRepDevlist{Status: status}
	for i := uint32(0); i < count; i++ {
		device, err := readDeviceSummary(reader)
		if err != nil {
			return nil, err
		}
		reply.Devices = append(reply.Devices, device)
	}
	return reply, nil
}

func decodeRepImport(status uint32, payload []byte) (Message, error) {
	reply := &OpRepImport{Status: status}
	if status != ImportStatusOK {
		return reply, nil
	}
	device, err := util.FromBE[DeviceSummaryHeader](payload)
	if err != nil {
		return nil, fmt.Errorf("%w: OP_REP_IMPORT device record", ErrInvalidDataLength)
	}
	reply.Device = &device
	return reply, nil
}

func readDeviceSummary(reader io.Reader) (DeviceSummary, error) {
	var summary DeviceSummary
	header, err := util.ReadBE[DeviceSummaryHeader](reader)
	if err != nil {
		return summary, fmt.Errorf("%w: device record", ErrInvalidDataLength)
	}
	summary.Header = header
	for i := uint8(0); i < header.NumInterfaces; i++ {
		iface, err := util.ReadBE[DeviceInterface](reader)
		if err != nil {
			return summary, fmt.Errorf("%w: interface record", ErrInvalidDataLength)
		}
		summary.Interfaces = append(summary.Interfaces, iface)
	}
	return summary, nil
}

func decodeCmd(data []byte) (Message, error) {
	command := Command(binary.BigEndian.Uint32(data))
	switch command {
	case CommandSubmit, CommandUnlink, CommandRetSubmit, CommandRetUnlink:
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnsupportedCommand, uint32(command))
	}
	if len(data) < urbSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidDataLength, command, urbSize, len(data))
	}
	hdr, _ := util.FromBE[cmdHeader](data[:cmdHeaderSize])
	body := data[cmdHeaderSize:urbSize]
	rest := data[urbSize:]
	switch command {
	case CommandSubmit:
		return decodeSubmit(hdr, body, rest)
	case CommandUnlink:
		unlink, _ := util.FromBE[cmdUnlinkBody](body)
		return &CmdUnlink{
			SeqNum:       hdr.SeqNum,
			DevID:        hdr.DevID,
			Direction:    hdr.Direction,
			Endpoint:     hdr.Endpoint,
			UnlinkSeqNum: unlink.UnlinkSeqNum,
		}, nil
	case CommandRetSubmit:
		ret, _ := util.FromBE[retSubmitBody](body)
		msg := &RetSubmit{
			SeqNum:          hdr.SeqNum,
			Status:          ret.Status,
			ActualLength:    ret.ActualLength,
			StartFrame:      ret.StartFrame,
			NumberOfPackets: ret.NumberOfPackets,
			ErrorCount:      ret.ErrorCount,
		}
		if len(rest) > 0 {
			msg.Data = rest
		}
		return msg, nil
	default:
		ret, _ := util.FromBE[retUnlinkBody](body)
		return &RetUnlink{SeqNum: hdr.SeqNum, Status: ret.Status}, nil
	}
}

func decodeSubmit(hdr cmdHeader, body, rest []byte) (Message, error) {
	submit, _ := util.FromBE[cmdSubmitBody](body)
	msg := &CmdSubmit{
		SeqNum:               hdr.SeqNum,
		DevID:                hdr.DevID,
		Direction:            hdr.Direction,
		Endpoint:             hdr.Endpoint,
		TransferFlags:        submit.TransferFlags,
		TransferBufferLength: submit.TransferBufferLength,
		StartFrame:           submit.StartFrame,
		NumberOfPackets:      submit.NumberOfPackets,
		Interval:             submit.Interval,
		Setup:                submit.Setup,
	}
	if submit.TransferBufferLength > maxTransferLength {
		return nil, fmt.Errorf("%w: transfer length %d exceeds limit", ErrMalformedField, submit.TransferBufferLength)
	}
	if hdr.Direction == DirOut && submit.TransferBufferLength > 0 {
		if uint32(len(rest)) < submit.TransferBufferLength {
			return nil, fmt.Errorf("%w: OUT payload truncated", ErrInvalidDataLength)
		}
		msg.Data = rest[:submit.TransferBufferLength]
	}
	return msg, nil
}

// ReadOpMessage reads one operation-phase message from a stream.
func ReadOpMessage(reader io.Reader) (Message, error) {
	hdr, err := util.ReadBE[header](reader)
	if err != nil {
		return nil, fmt.Errorf("usbip: read op header: %w", err)
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: protocol version 0x%04x", ErrMalformedField, hdr.Version)
	}
	switch hdr.Command {
	case OpCommandReqDevlist:
		return &OpReqDevlist{Status: hdr.Status}, nil
	case OpCommandReqImport:
		busID, err := util.ReadFull(reader, busIDSize)
		if err != nil {
			return nil, fmt.Errorf("%w: OP_REQ_IMPORT bus id", ErrInvalidDataLength)
		}
		return &OpReqImport{Status: hdr.Status, BusID: util.CString(busID)}, nil
	case OpCommandRepDevlist:
		count, err := util.ReadBE[uint32](reader)
		if err != nil {
			return nil, fmt.Errorf("%w: OP_REP_DEVLIST device count", ErrInvalidDataLength)
		}
		reply := &OpRepDevlist{Status: hdr.Status}
		for i := uint32(0); i < count; i++ {
			device, err := readDeviceSummary(reader)
			if err != nil {
				return nil, err
			}
			reply.Devices = append(reply.Devices, device)
		}
		return reply, nil
	case OpCommandRepImport:
		reply := &OpRepImport{Status: hdr.Status}
		if hdr.Status != ImportStatusOK {
			return reply, nil
		}
		device, err := util.ReadBE[DeviceSummaryHeader](reader)
		if err != nil {
			return nil, fmt.Errorf("%w: OP_REP_IMPORT device record", ErrInvalidDataLength)
		}
		reply.Device = &device
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnsupportedCommand, uint16(hdr.Command))
	}
}

// ReadCmdMessage reads one URB-phase command (CMD_SUBMIT or CMD_UNLINK)
// from a stream. An unknown command code is unrecoverable because the
// stream cannot be resynchronized; callers should close the connection.
func ReadCmdMessage(reader io.Reader) (Message, error) {
	hdr, err := util.ReadBE[cmdHeader](reader)
	if err != nil {
		return nil, fmt.Errorf("usbip: read command header: %w", err)
	}
	switch hdr.Command {
	case CommandSubmit:
		submit, err := util.ReadBE[cmdSubmitBody](reader)
		if err != nil {
			return nil, fmt.Errorf("%w: CMD_SUBMIT body", ErrInvalidDataLength)
		}
		if submit.TransferBufferLength > maxTransferLength {
			return nil, fmt.Errorf("%w: transfer length %d exceeds limit", ErrMalformedField, submit.TransferBufferLength)
		}
		msg := &CmdSubmit{
			SeqNum:               hdr.SeqNum,
			DevID:                hdr.DevID,
			Direction:            hdr.Direction,
			Endpoint:             hdr.Endpoint,
			TransferFlags:        submit.TransferFlags,
			TransferBufferLength: submit.TransferBufferLength,
			StartFrame:           submit.StartFrame,
			NumberOfPackets:      submit.NumberOfPackets,
			Interval:             submit.Interval,
			Setup:                submit.Setup,
		}
		if hdr.Direction == DirOut && submit.TransferBufferLength > 0 {
			msg.Data, err = util.ReadFull(reader, int(submit.TransferBufferLength))
			if err != nil {
				return nil, fmt.Errorf("%w: OUT payload truncated", ErrInvalidDataLength)
			}
		}
		return msg, nil
	case CommandUnlink:
		unlink, err := util.ReadBE[cmdUnlinkBody](reader)
		if err != nil {
			return nil, fmt.Errorf("%w: CMD_UNLINK body", ErrInvalidDataLength)
		}
		return &CmdUnlink{
			SeqNum:       hdr.SeqNum,
			DevID:        hdr.DevID,
			Direction:    hdr.Direction,
			Endpoint:     hdr.Endpoint,
			UnlinkSeqNum: unlink.UnlinkSeqNum,
		}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnsupportedCommand, uint32(hdr.Command))
	}
}

// ReadRetMessage reads one URB-phase reply from a stream. The caller
// supplies the direction of the original submission because RET_SUBMIT
// carries a data stage only for IN transfers.
func ReadRetMessage(reader io.Reader, direction Direction) (Message, error) {
	hdr, err := util.ReadBE[cmdHeader](reader)
	if err != nil {
		return nil, fmt.Errorf("usbip: read reply header: %w", err)
	}
	switch hdr.Command {
	case CommandRetSubmit:
		ret, err := util.ReadBE[retSubmitBody](reader)
		if err != nil {
			return nil, fmt.Errorf("%w: RET_SUBMIT body", ErrInvalidDataLength)
		}
		msg := &RetSubmit{
			SeqNum:          hdr.SeqNum,
			Status:          ret.Status,
			ActualLength:    ret.ActualLength,
			StartFrame:      ret.StartFrame,
			NumberOfPackets: ret.NumberOfPackets,
			ErrorCount:      ret.ErrorCount,
		}
		if direction == DirIn && ret.ActualLength > 0 {
			msg.Data, err = util.ReadFull(reader, int(ret.ActualLength))
			if err != nil {
				return nil, fmt.Errorf("%w: IN data truncated", ErrInvalidDataLength)
			}
		}
		return msg, nil
	case CommandRetUnlink:
		ret, err := util.ReadBE[retUnlinkBody](reader)
		if err != nil {
			return nil, fmt.Errorf("%w: RET_UNLINK body", ErrInvalidDataLength)
		}
		return &RetUnlink{SeqNum: hdr.SeqNum, Status: ret.Status}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnsupportedCommand, uint32(hdr.Command))
	}
}
