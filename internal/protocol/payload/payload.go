// Package payload encodes and decodes the bodies of common control commands.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortPayload = errors.New("payload: short payload")
	ErrInvalidValue = errors.New("payload: invalid value")
)

// ReturnCode is the first byte of most acks.
type ReturnCode uint8

const (
	ReturnSuccess ReturnCode = 0
	ReturnFailure ReturnCode = 1
)

func (r ReturnCode) OK() bool {
	return r == ReturnSuccess
}

func (r ReturnCode) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("payload: device returned code %d", uint8(r))
}

// DecodeReturnCode reads the leading return code of an ack.
func DecodeReturnCode(b []byte) (ReturnCode, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("%w: return code needs 1 byte", ErrShortPayload)
	}
	return ReturnCode(b[0]), nil
}

// Mode is a lidar working mode.
type Mode uint8

const (
	ModeNormal      Mode = 1
	ModePowerSaving Mode = 2
	ModeStandby     Mode = 3
)

func EncodeSetMode(m Mode) ([]byte, error) {
	if m < ModeNormal || m > ModeStandby {
		return nil, fmt.Errorf("%w: mode %d", ErrInvalidValue, m)
	}
	return []byte{byte(m)}, nil
}

// EncodeSwitch encodes the single on/off byte used by sampling control,
// rain/fog suppression and similar toggles.
func EncodeSwitch(on bool) []byte {
	if on {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeSwitch(b []byte) (bool, error) {
	if len(b) < 1 {
		return false, fmt.Errorf("%w: switch needs 1 byte", ErrShortPayload)
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: switch value %d", ErrInvalidValue, b[0])
	}
}

// CoordinateSystem selects how point data is expressed.
type CoordinateSystem uint8

const (
	Cartesian CoordinateSystem = 0
	Spherical CoordinateSystem = 1
)

func EncodeCoordinateSystem(c CoordinateSystem) ([]byte, error) {
	if c > Spherical {
		return nil, fmt.Errorf("%w: coordinate system %d", ErrInvalidValue, c)
	}
	return []byte{byte(c)}, nil
}

// SlotPower switches the power supply of one hub slot.
type SlotPower struct {
	Slot uint8
	On   bool
}

func (p SlotPower) Encode() []byte {
	return append([]byte{p.Slot}, EncodeSwitch(p.On)...)
}

const extrinsicLen = 24

// Extrinsic is the mounting pose of a lidar: angles in degrees, offsets in
// millimetres.
type Extrinsic struct {
	Roll  float32
	Pitch float32
	Yaw   float32
	X     int32
	Y     int32
	Z     int32
}

func (e Extrinsic) Encode() []byte {
	buf := make([]byte, extrinsicLen)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(e.Roll))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(e.Pitch))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(e.Yaw))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.X))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Y))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(e.Z))
	return buf
}

func DecodeExtrinsic(b []byte) (Extrinsic, error) {
	if len(b) < extrinsicLen {
		return Extrinsic{}, fmt.Errorf("%w: extrinsic needs %d bytes, got %d", ErrShortPayload, extrinsicLen, len(b))
	}
	return Extrinsic{
		Roll:  math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Pitch: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Yaw:   math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		X:     int32(binary.LittleEndian.Uint32(b[12:16])),
		Y:     int32(binary.LittleEndian.Uint32(b[16:20])),
		Z:     int32(binary.LittleEndian.Uint32(b[20:24])),
	}, nil
}

// DecodeExtrinsicAck reads the return code followed by the pose.
func DecodeExtrinsicAck(b []byte) (ReturnCode, Extrinsic, error) {
	rc, err := DecodeReturnCode(b)
	if err != nil {
		return 0, Extrinsic{}, err
	}
	ext, err := DecodeExtrinsic(b[1:])
	return rc, ext, err
}

// FirmwareVersion is the four-part version reported by device info.
type FirmwareVersion [4]uint8

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%02d.%02d.%04d", v[0], v[1], uint16(v[2])<<8|uint16(v[3]))
}

func DecodeDeviceInfoAck(b []byte) (ReturnCode, FirmwareVersion, error) {
	if len(b) < 5 {
		return 0, FirmwareVersion{}, fmt.Errorf("%w: device info needs 5 bytes, got %d", ErrShortPayload, len(b))
	}
	var v FirmwareVersion
	copy(v[:], b[1:5])
	return ReturnCode(b[0]), v, nil
}
