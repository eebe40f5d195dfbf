package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Message is one unsolicited frame from a device.
type Message struct {
	Device     DeviceID
	Command    command.Command
	Sequence   uint16
	Payload    []byte
	ReceivedAt time.Time
}

// MessageHandler is called on the receive goroutine and must not block.
type MessageHandler func(Message)

// DispatchStats counts what the dispatcher did with incoming frames.
type DispatchStats struct {
	Decoded         uint64
	DecodeErrors    uint64
	AcksMatched     uint64
	AcksDiscarded   uint64
	MessagesRouted  uint64
	MessagesDropped uint64
	CommandsIgnored uint64
}

type subscription struct {
	id      uint64
	handler MessageHandler
}

// Dispatcher routes decoded frames: acks to the table, messages to their
// subscribers. Device-bound commands are ignored on the host side.
type Dispatcher struct {
	table    *Table
	registry *command.Registry
	observer Observer
	now      func() time.Time

	mu      sync.RWMutex
	subs    map[command.Command][]subscription
	nextSub uint64

	decoded         atomic.Uint64
	decodeErrors    atomic.Uint64
	acksMatched     atomic.Uint64
	acksDiscarded   atomic.Uint64
	messagesRouted  atomic.Uint64
	messagesDropped atomic.Uint64
	commandsIgnored atomic.Uint64
}

func NewDispatcher(table *Table, registry *command.Registry, observer Observer) *Dispatcher {
	if observer == nil {
		observer = NopObserver{}
	}
	if registry == nil {
		registry = command.DefaultRegistry()
	}
	return &Dispatcher{
		table:    table,
		registry: registry,
		observer: observer,
		now:      time.Now,
		subs:     make(map[command.Command][]subscription),
	}
}

// Subscribe registers h for messages carrying cmd. The returned function
// removes the subscription and is safe to call more than once.
func (d *Dispatcher) Subscribe(cmd command.Command, h MessageHandler) (func(), error) {
	if err := d.registry.Validate(cmd); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("session: nil message handler")
	}
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[cmd] = append(d.subs[cmd], subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			list := d.subs[cmd]
			for i, s := range list {
				if s.id == id {
					d.subs[cmd] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(d.subs[cmd]) == 0 {
				delete(d.subs, cmd)
			}
		})
	}, nil
}

// OnFrameReceived decodes raw and routes it. Malformed frames are logged and
// dropped; nothing here returns an error to the transport.
func (d *Dispatcher) OnFrameReceived(device DeviceID, raw []byte) {
	d.observer.Received(device, raw)
	f, err := frame.Decode(raw)
	if err != nil {
		d.decodeErrors.Add(1)
		d.observer.DecodeFailed(device, err)
		log.Warn().Err(err).Str("device", string(device)).Int("bytes", len(raw)).Msg("dispatch.decode dropped")
		return
	}
	d.decoded.Add(1)
	d.Dispatch(device, f)
}

// Dispatch routes an already decoded frame.
func (d *Dispatcher) Dispatch(device DeviceID, f frame.Frame) {
	switch f.Type {
	case frame.TypeAck:
		if d.table.Complete(device, f.Sequence, f.Command, f.Payload) {
			d.acksMatched.Add(1)
			return
		}
		d.acksDiscarded.Add(1)
		d.observer.AckDiscarded(device, f)
		log.Debug().
			Str("device", string(device)).
			Stringer("command", f.Command).
			Uint16("seq", f.Sequence).
			Msg("dispatch.ack discarded")
	case frame.TypeMsg:
		d.route(device, f)
	default:
		d.commandsIgnored.Add(1)
		log.Debug().
			Str("device", string(device)).
			Stringer("command", f.Command).
			Uint16("seq", f.Sequence).
			Msg("dispatch.cmd ignored")
	}
}

func (d *Dispatcher) route(device DeviceID, f frame.Frame) {
	msg := Message{
		Device:     device,
		Command:    f.Command,
		Sequence:   f.Sequence,
		Payload:    f.Payload,
		ReceivedAt: d.now(),
	}
	if err := d.registry.Validate(f.Command); err != nil {
		d.messagesDropped.Add(1)
		d.observer.MessageRouted(msg, 0)
		log.Debug().Err(err).Str("device", string(device)).Msg("dispatch.msg unknown command")
		return
	}

	d.mu.RLock()
	list := append([]subscription(nil), d.subs[f.Command]...)
	d.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	d.observer.MessageRouted(msg, len(list))
	if len(list) == 0 {
		d.messagesDropped.Add(1)
		log.Debug().
			Str("device", string(device)).
			Stringer("command", f.Command).
			Msg("dispatch.msg no subscriber")
		return
	}
	d.messagesRouted.Add(1)
	for _, s := range list {
		s.handler(msg)
	}
}

func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Decoded:         d.decoded.Load(),
		DecodeErrors:    d.decodeErrors.Load(),
		AcksMatched:     d.acksMatched.Load(),
		AcksDiscarded:   d.acksDiscarded.Load(),
		MessagesRouted:  d.messagesRouted.Load(),
		MessagesDropped: d.messagesDropped.Load(),
		CommandsIgnored: d.commandsIgnored.Load(),
	}
}
