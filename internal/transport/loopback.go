package transport

import (
	"sync"

	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Packet is one frame captured by a Loopback.
type Packet struct {
	Device session.DeviceID
	Raw    []byte
}

// ReplyFunc computes the frames a simulated device answers with.
type ReplyFunc func(p Packet) [][]byte

// Loopback is an in-memory transport. It records every frame it is asked to
// send and, when attached to a receiver, feeds back the replies of a
// simulated device synchronously.
type Loopback struct {
	mu       sync.Mutex
	sent     []Packet
	err      error
	receiver Receiver
	reply    ReplyFunc
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// Attach routes replies computed by reply back into r.
func (l *Loopback) Attach(r Receiver, reply ReplyFunc) {
	l.mu.Lock()
	l.receiver = r
	l.reply = reply
	l.mu.Unlock()
}

// SetError makes every following Send fail with err until cleared with nil.
func (l *Loopback) SetError(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *Loopback) Send(device session.DeviceID, raw []byte) error {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return err
	}
	p := Packet{Device: device, Raw: append([]byte(nil), raw...)}
	l.sent = append(l.sent, p)
	receiver, reply := l.receiver, l.reply
	l.mu.Unlock()

	if receiver == nil || reply == nil {
		return nil
	}
	for _, out := range reply(p) {
		receiver.OnFrameReceived(device, out)
	}
	return nil
}

// Sent returns a copy of every recorded frame.
func (l *Loopback) Sent() []Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Packet(nil), l.sent...)
}

func (l *Loopback) Reset() {
	l.mu.Lock()
	l.sent = nil
	l.mu.Unlock()
}

// AutoAck simulates a device that acknowledges every command with the same
// command and sequence. payload chooses the ack body; nil means a single
// success return code.
func AutoAck(payload func(f frame.Frame) []byte) ReplyFunc {
	return func(p Packet) [][]byte {
		f, err := frame.Decode(p.Raw)
		if err != nil || f.Type != frame.TypeCmd {
			return nil
		}
		body := []byte{0}
		if payload != nil {
			body = payload(f)
		}
		ack, err := frame.Encode(frame.Frame{
			Command:  f.Command,
			Type:     frame.TypeAck,
			Sequence: f.Sequence,
			Payload:  body,
		})
		if err != nil {
			log.Warn().Err(err).Stringer("command", f.Command).Msg("loopback.ack encode failed")
			return nil
		}
		return [][]byte{ack}
	}
}
