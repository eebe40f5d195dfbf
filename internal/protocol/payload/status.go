package payload

import (
	"encoding/binary"
	"fmt"
)

// WorkState is the lidar state reported in heartbeat acks.
type WorkState uint8

const (
	StateInitializing WorkState = 0
	StateNormal       WorkState = 1
	StatePowerSaving  WorkState = 2
	StateStandby      WorkState = 3
	StateError        WorkState = 4
)

func (s WorkState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateNormal:
		return "normal"
	case StatePowerSaving:
		return "power_saving"
	case StateStandby:
		return "standby"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Level grades one status field of the status word.
type Level uint8

const (
	LevelNormal  Level = 0
	LevelWarning Level = 1
	LevelError   Level = 2
)

// StatusCode is the 32-bit device status word carried by heartbeat acks and
// abnormal-state messages.
type StatusCode uint32

func (c StatusCode) bits(shift, width uint) uint32 {
	return (uint32(c) >> shift) & (1<<width - 1)
}

func (c StatusCode) Temperature() Level  { return Level(c.bits(0, 2)) }
func (c StatusCode) Voltage() Level      { return Level(c.bits(2, 2)) }
func (c StatusCode) Motor() Level        { return Level(c.bits(4, 2)) }
func (c StatusCode) Dirty() Level        { return Level(c.bits(6, 2)) }
func (c StatusCode) FirmwareError() bool { return c.bits(8, 1) == 1 }
func (c StatusCode) PPSLost() bool       { return c.bits(9, 1) == 1 }
func (c StatusCode) DeviceFault() bool   { return c.bits(10, 1) == 1 }
func (c StatusCode) FanWarning() bool    { return c.bits(11, 1) == 1 }
func (c StatusCode) SelfHeating() bool   { return c.bits(12, 1) == 1 }
func (c StatusCode) PTPLost() bool       { return c.bits(13, 1) == 1 }
func (c StatusCode) TimeSync() uint8     { return uint8(c.bits(14, 3)) }
func (c StatusCode) System() Level       { return Level(c.bits(30, 2)) }

// Abnormal reports whether any field is out of its normal range.
func (c StatusCode) Abnormal() bool {
	return c.System() != LevelNormal ||
		c.Temperature() != LevelNormal ||
		c.Voltage() != LevelNormal ||
		c.Motor() != LevelNormal ||
		c.Dirty() != LevelNormal ||
		c.FirmwareError() || c.DeviceFault() || c.FanWarning()
}

// DecodeAbnormalState reads the status word of a push_abnormal_state message.
func DecodeAbnormalState(b []byte) (StatusCode, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: status word needs 4 bytes, got %d", ErrShortPayload, len(b))
	}
	return StatusCode(binary.LittleEndian.Uint32(b[0:4])), nil
}

const heartbeatAckLen = 7

// HeartbeatAck is the device's reply to a heartbeat.
type HeartbeatAck struct {
	Code       ReturnCode
	State      WorkState
	FeatureMsg uint8
	Status     StatusCode
}

func (h HeartbeatAck) Encode() []byte {
	buf := make([]byte, heartbeatAckLen)
	buf[0] = byte(h.Code)
	buf[1] = byte(h.State)
	buf[2] = h.FeatureMsg
	binary.LittleEndian.PutUint32(buf[3:7], uint32(h.Status))
	return buf
}

func DecodeHeartbeatAck(b []byte) (HeartbeatAck, error) {
	if len(b) < heartbeatAckLen {
		return HeartbeatAck{}, fmt.Errorf("%w: heartbeat ack needs %d bytes, got %d", ErrShortPayload, heartbeatAckLen, len(b))
	}
	return HeartbeatAck{
		Code:       ReturnCode(b[0]),
		State:      WorkState(b[1]),
		FeatureMsg: b[2],
		Status:     StatusCode(binary.LittleEndian.Uint32(b[3:7])),
	}, nil
}
