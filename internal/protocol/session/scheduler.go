package session

import (
	"context"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Sender hands one encoded frame to the transport. Implementations bound the
// time spent on a single send.
type Sender interface {
	Send(device DeviceID, raw []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(device DeviceID, raw []byte) error

func (f SenderFunc) Send(device DeviceID, raw []byte) error {
	return f(device, raw)
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	Resent      int
	ResendFails int
	Expired     int
}

// Scheduler is the only retry logic: on every tick it resends re-armed
// requests and reports ErrTimeout for the ones out of attempts.
type Scheduler struct {
	table    *Table
	sender   Sender
	observer Observer
	interval time.Duration
}

func NewScheduler(table *Table, sender Sender, interval time.Duration, observer Observer) *Scheduler {
	if observer == nil {
		observer = NopObserver{}
	}
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	return &Scheduler{
		table:    table,
		sender:   sender,
		observer: observer,
		interval: interval,
	}
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Debug().Dur("interval", s.interval).Msg("scheduler.run start")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("scheduler.run stop")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick runs one expiry pass at now.
func (s *Scheduler) Tick(now time.Time) TickReport {
	var report TickReport
	expiry := s.table.DrainExpired(now)

	for _, p := range expiry.Resend {
		f := frame.Frame{
			Command:  p.Command,
			Type:     frame.TypeCmd,
			Sequence: p.Sequence,
			Payload:  p.Payload,
		}
		raw, err := frame.Encode(f)
		if err == nil {
			s.observer.Sent(p.Device, f, raw, p.Attempts)
			err = s.sender.Send(p.Device, raw)
		}
		if err != nil {
			log.Warn().
				Err(err).
				Str("device", string(p.Device)).
				Stringer("command", p.Command).
				Uint16("seq", p.Sequence).
				Msg("scheduler.resend failed")
			s.observer.SendFailed(p.Device, f, err)
			s.table.ResendFailed(p.Device, p.Sequence, p.Epoch, now)
			report.ResendFails++
			continue
		}
		log.Debug().
			Str("device", string(p.Device)).
			Stringer("command", p.Command).
			Uint16("seq", p.Sequence).
			Int("attempt", p.Attempts).
			Msg("scheduler.resend")
		report.Resent++
	}

	for _, e := range expiry.Expired {
		log.Warn().
			Str("device", string(e.Device)).
			Stringer("command", e.Command).
			Uint16("seq", e.Sequence).
			Int("attempts", e.Attempts).
			Msg("scheduler.timeout")
		e.Report(ErrTimeout)
		report.Expired++
	}
	return report
}
