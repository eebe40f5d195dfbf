package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/howeyc/crc16"
)

const (
	StartOfFrame byte = 0xAA
	Version      byte = 1

	HeaderLen   = 11
	TrailerLen  = 4
	OverheadLen = HeaderLen + TrailerLen

	// MaxFrameSize bounds every encoded frame, header and trailer included.
	MaxFrameSize   = 1536
	MaxPayloadSize = MaxFrameSize - OverheadLen

	headerCRCSeed uint16 = 0x4c49
	frameCRCSeed  uint32 = 0x564f580a
)

var (
	ErrFrameTooLarge = errors.New("frame: frame too large")
	ErrDecode        = errors.New("frame: decode error")
)

var (
	headerTable = crc16.MakeTable(crc16.CCITT)
	frameTable  = crc32.MakeTable(crc32.IEEE)
)

// Type is the frame's role on the control channel.
type Type uint8

const (
	TypeCmd Type = 0
	TypeAck Type = 1
	TypeMsg Type = 2
)

func (t Type) Valid() bool {
	return t <= TypeMsg
}

func (t Type) String() string {
	switch t {
	case TypeCmd:
		return "cmd"
	case TypeAck:
		return "ack"
	case TypeMsg:
		return "msg"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Frame is one decoded control-channel frame.
type Frame struct {
	Command  command.Command
	Type     Type
	Sequence uint16
	Payload  []byte
}

// CheckPayload reports ErrFrameTooLarge when n payload bytes cannot fit.
func CheckPayload(n int) error {
	if n > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrFrameTooLarge, n, MaxPayloadSize)
	}
	return nil
}

// Encode serialises f. The command must be in range for its set.
func Encode(f Frame) ([]byte, error) {
	if err := f.Command.Validate(); err != nil {
		return nil, err
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %d", command.ErrInvalidCommand, uint8(f.Type))
	}
	if err := CheckPayload(len(f.Payload)); err != nil {
		return nil, err
	}

	total := OverheadLen + len(f.Payload)
	buf := make([]byte, total)
	buf[0] = StartOfFrame
	buf[1] = Version
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = byte(f.Type)
	binary.LittleEndian.PutUint16(buf[5:7], f.Sequence)
	binary.LittleEndian.PutUint16(buf[7:9], headerChecksum(buf[0:7]))
	buf[9] = byte(f.Command.Set())
	buf[10] = f.Command.ID()
	copy(buf[HeaderLen:], f.Payload)
	binary.LittleEndian.PutUint32(buf[total-TrailerLen:], frameChecksum(buf[:total-TrailerLen]))
	return buf, nil
}

// Decode parses one complete frame. Every failure wraps ErrDecode. Command
// ids are not range checked; that belongs to the registry.
func Decode(b []byte) (Frame, error) {
	if len(b) < OverheadLen {
		return Frame{}, fmt.Errorf("%w: short frame (%d bytes)", ErrDecode, len(b))
	}
	if len(b) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame %d bytes exceeds %d", ErrDecode, len(b), MaxFrameSize)
	}
	if b[0] != StartOfFrame {
		return Frame{}, fmt.Errorf("%w: bad start of frame 0x%02x", ErrDecode, b[0])
	}
	if b[1] != Version {
		return Frame{}, fmt.Errorf("%w: unsupported version %d", ErrDecode, b[1])
	}
	length := int(binary.LittleEndian.Uint16(b[2:4]))
	if length != len(b) {
		return Frame{}, fmt.Errorf("%w: length field %d, got %d bytes", ErrDecode, length, len(b))
	}
	if got, want := binary.LittleEndian.Uint16(b[7:9]), headerChecksum(b[0:7]); got != want {
		return Frame{}, fmt.Errorf("%w: header checksum 0x%04x, want 0x%04x", ErrDecode, got, want)
	}
	end := length - TrailerLen
	if got, want := binary.LittleEndian.Uint32(b[end:]), frameChecksum(b[:end]); got != want {
		return Frame{}, fmt.Errorf("%w: frame checksum 0x%08x, want 0x%08x", ErrDecode, got, want)
	}
	t := Type(b[4])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrDecode, b[4])
	}
	set := command.Set(b[9])
	if !set.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown command set %d", ErrDecode, b[9])
	}

	var payload []byte
	if n := end - HeaderLen; n > 0 {
		payload = make([]byte, n)
		copy(payload, b[HeaderLen:end])
	}
	return Frame{
		Command:  command.Raw(set, b[10]),
		Type:     t,
		Sequence: binary.LittleEndian.Uint16(b[5:7]),
		Payload:  payload,
	}, nil
}

func headerChecksum(b []byte) uint16 {
	return crc16.Update(headerCRCSeed, headerTable, b)
}

func frameChecksum(b []byte) uint32 {
	return crc32.Update(frameCRCSeed, frameTable, b)
}
