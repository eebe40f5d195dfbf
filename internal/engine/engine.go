// Package engine ties the command registry, codec, request table, scheduler
// and dispatcher into one control channel for a fleet of devices.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("engine: closed")

// Options carries optional collaborators. The zero value is usable.
type Options struct {
	// Observer receives every send, receive and resolution.
	Observer session.Observer
	// Now replaces time.Now, mainly for tests driving Tick by hand.
	Now func() time.Time
	// SessionID tags log lines and journal entries; a random one is used
	// when unset.
	SessionID uuid.UUID
}

// Engine is the host side of the control channel.
type Engine struct {
	id         uuid.UUID
	cfg        session.Config
	registry   *command.Registry
	sender     session.Sender
	observer   session.Observer
	table      *session.Table
	scheduler  *session.Scheduler
	dispatcher *session.Dispatcher
	now        func() time.Time
	logger     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// New validates cfg against registry and builds an engine that transmits
// through sender.
func New(cfg session.Config, registry *command.Registry, sender session.Sender, opts Options) (*Engine, error) {
	if registry == nil {
		registry = command.DefaultRegistry()
	}
	if sender == nil {
		return nil, errors.New("engine: nil sender")
	}
	if err := cfg.Validate(registry); err != nil {
		return nil, err
	}
	observer := opts.Observer
	if observer == nil {
		observer = session.NopObserver{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := opts.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	}

	table := session.NewTable(registry, cfg.Retry)
	e := &Engine{
		id:         id,
		cfg:        cfg,
		registry:   registry,
		sender:     sender,
		observer:   observer,
		table:      table,
		scheduler:  session.NewScheduler(table, sender, cfg.TickInterval, observer),
		dispatcher: session.NewDispatcher(table, registry, observer),
		now:        now,
		logger:     log.With().Str("session", id.String()).Logger(),
	}
	e.logger.Info().
		Dur("tick", cfg.TickInterval).
		Int("max_attempts", cfg.Retry.MaxAttempts).
		Msg("engine.new")
	return e, nil
}

func (e *Engine) SessionID() uuid.UUID          { return e.id }
func (e *Engine) Registry() *command.Registry   { return e.registry }
func (e *Engine) Scheduler() *session.Scheduler { return e.scheduler }

// Run drives the timeout scheduler until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Debug().Msg("engine.run start")
	err := e.scheduler.Run(ctx)
	e.logger.Debug().Msg("engine.run stop")
	return err
}

// Send registers and transmits cmd to device. Invalid commands and oversized
// payloads fail synchronously and nothing is sent. Once Send returns a
// sequence, sink is called exactly once: with the ack payload, ErrTimeout
// or ErrCancelled. A failed first transmission is left to the scheduler.
func (e *Engine) Send(device session.DeviceID, cmd command.Command, payload []byte, sink session.Sink) (uint16, error) {
	if err := e.registry.Validate(cmd); err != nil {
		return 0, err
	}
	if err := frame.CheckPayload(len(payload)); err != nil {
		return 0, err
	}

	now := e.now()
	// Register under the read lock so Close either rejects this send or
	// finds the entry when it cancels the table.
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return 0, ErrClosed
	}
	p, err := e.table.Register(session.Request{
		Device:  device,
		Command: cmd,
		Payload: payload,
		Sink:    e.resolve(sink),
	}, now)
	e.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	f := frame.Frame{
		Command:  cmd,
		Type:     frame.TypeCmd,
		Sequence: p.Sequence,
		Payload:  p.Payload,
	}
	raw, err := frame.Encode(f)
	if err != nil {
		e.table.Cancel(device, p.Sequence)
		return 0, fmt.Errorf("engine: encode %s: %w", cmd, err)
	}
	e.observer.Sent(device, f, raw, p.Attempts)
	if err := e.sender.Send(device, raw); err != nil {
		e.logger.Warn().
			Err(err).
			Str("device", string(device)).
			Stringer("command", cmd).
			Uint16("seq", p.Sequence).
			Msg("engine.send failed, left to scheduler")
		e.observer.SendFailed(device, f, err)
		e.table.ResendFailed(device, p.Sequence, p.Epoch, now)
		return p.Sequence, nil
	}
	e.logger.Debug().
		Str("device", string(device)).
		Stringer("command", cmd).
		Uint16("seq", p.Sequence).
		Msg("engine.send")
	return p.Sequence, nil
}

// Request sends cmd and waits for its outcome. When ctx ends first the
// request is cancelled and ctx.Err() returned, unless the outcome won the
// race, in which case that outcome is returned.
func (e *Engine) Request(ctx context.Context, device session.DeviceID, cmd command.Command, payload []byte) (session.Result, error) {
	fut := session.NewFuture()
	seq, err := e.Send(device, cmd, payload, fut.Sink())
	if err != nil {
		return session.Result{}, err
	}
	r, err := fut.Await(ctx)
	if err == nil || errors.Is(err, session.ErrTimeout) || errors.Is(err, session.ErrCancelled) {
		return r, err
	}
	if e.table.Cancel(device, seq) {
		return session.Result{}, err
	}
	r = <-fut.Done()
	return r, r.Err
}

// Cancel withdraws one outstanding request.
func (e *Engine) Cancel(device session.DeviceID, seq uint16) bool {
	return e.table.Cancel(device, seq)
}

// Disconnect cancels every outstanding request of device.
func (e *Engine) Disconnect(device session.DeviceID) int {
	n := e.table.CancelDevice(device)
	if n > 0 {
		e.logger.Info().Str("device", string(device)).Int("cancelled", n).Msg("engine.disconnect")
	}
	return n
}

// OnFrameReceived hands a raw frame from the transport to the dispatcher.
func (e *Engine) OnFrameReceived(device session.DeviceID, raw []byte) {
	e.dispatcher.OnFrameReceived(device, raw)
}

// Subscribe registers h for unsolicited messages carrying cmd.
func (e *Engine) Subscribe(cmd command.Command, h session.MessageHandler) (func(), error) {
	return e.dispatcher.Subscribe(cmd, h)
}

// Pending lists outstanding requests.
func (e *Engine) Pending() []session.Pending {
	return e.table.Snapshot()
}

func (e *Engine) Stats() session.DispatchStats {
	return e.dispatcher.Stats()
}

// Close rejects further sends and cancels everything outstanding. Sends that
// registered before Close are cancelled with the rest.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	devices := make(map[session.DeviceID]struct{})
	for _, p := range e.table.Snapshot() {
		devices[p.Device] = struct{}{}
	}
	n := 0
	for d := range devices {
		n += e.table.CancelDevice(d)
	}
	e.logger.Info().Int("cancelled", n).Msg("engine.close")
	return nil
}

func (e *Engine) resolve(sink session.Sink) session.Sink {
	return func(r session.Result) {
		e.observer.Resolved(r)
		if sink != nil {
			sink(r)
		}
	}
}
