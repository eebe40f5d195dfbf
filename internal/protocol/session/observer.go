package session

import "github.com/danmuck/rangectl/internal/protocol/frame"

// Observer is told about control-channel activity. Implementations must be
// safe for concurrent use and must not block.
//
// Sent fires before the frame is handed to the transport, so it precedes the
// Resolved of an ack the transport delivers synchronously. SendFailed follows
// Sent when the transport refuses the frame.
type Observer interface {
	Sent(device DeviceID, f frame.Frame, raw []byte, attempt int)
	SendFailed(device DeviceID, f frame.Frame, err error)
	Received(device DeviceID, raw []byte)
	DecodeFailed(device DeviceID, err error)
	Resolved(r Result)
	AckDiscarded(device DeviceID, f frame.Frame)
	MessageRouted(m Message, handlers int)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Sent(DeviceID, frame.Frame, []byte, int) {}
func (NopObserver) SendFailed(DeviceID, frame.Frame, error) {}
func (NopObserver) Received(DeviceID, []byte)               {}
func (NopObserver) DecodeFailed(DeviceID, error)            {}
func (NopObserver) Resolved(Result)                         {}
func (NopObserver) AckDiscarded(DeviceID, frame.Frame)      {}
func (NopObserver) MessageRouted(Message, int)              {}

// Observers fans every call out in order.
type Observers []Observer

func (o Observers) Sent(device DeviceID, f frame.Frame, raw []byte, attempt int) {
	for _, ob := range o {
		ob.Sent(device, f, raw, attempt)
	}
}

func (o Observers) SendFailed(device DeviceID, f frame.Frame, err error) {
	for _, ob := range o {
		ob.SendFailed(device, f, err)
	}
}

func (o Observers) Received(device DeviceID, raw []byte) {
	for _, ob := range o {
		ob.Received(device, raw)
	}
}

func (o Observers) DecodeFailed(device DeviceID, err error) {
	for _, ob := range o {
		ob.DecodeFailed(device, err)
	}
}

func (o Observers) Resolved(r Result) {
	for _, ob := range o {
		ob.Resolved(r)
	}
}

func (o Observers) AckDiscarded(device DeviceID, f frame.Frame) {
	for _, ob := range o {
		ob.AckDiscarded(device, f)
	}
}

func (o Observers) MessageRouted(m Message, handlers int) {
	for _, ob := range o {
		ob.MessageRouted(m, handlers)
	}
}
