// Package transport moves encoded control frames between the engine and
// devices over UDP, a serial line, or an in-memory loopback.
package transport

import (
	"errors"

	"github.com/danmuck/rangectl/internal/protocol/session"
)

var (
	ErrUnknownDevice = errors.New("transport: unknown device")
	ErrClosed        = errors.New("transport: closed")
)

// Sender hands one encoded frame to a device. Send must not block for long;
// a lost frame is recovered by the engine's resend path.
type Sender interface {
	Send(device session.DeviceID, raw []byte) error
}

// Receiver accepts raw frames read from a device.
type Receiver interface {
	OnFrameReceived(device session.DeviceID, raw []byte)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(device session.DeviceID, raw []byte)

func (f ReceiverFunc) OnFrameReceived(device session.DeviceID, raw []byte) {
	f(device, raw)
}
