package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// PortOptions describes the line settings of a serial-attached device.
type PortOptions struct {
	BaudRate int    `toml:"baud_rate"`
	DataBits int    `toml:"data_bits"`
	StopBits int    `toml:"stop_bits"`
	Parity   string `toml:"parity"`
}

// Normalize validates the options and fills unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("transport: invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("transport: invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("transport: unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Serial carries the control channel of one device over a serial line.
type Serial struct {
	device session.DeviceID
	port   io.ReadWriteCloser

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens path with opts for device.
func OpenSerial(path string, device session.DeviceID, opts PortOptions) (*Serial, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("device", string(device)).Int("baud", mode.BaudRate).Msg("serial.open")
	return NewSerial(device, port), nil
}

// NewSerial wraps an already open port.
func NewSerial(device session.DeviceID, port io.ReadWriteCloser) *Serial {
	return &Serial{device: device, port: port}
}

func (s *Serial) Device() session.DeviceID {
	return s.device
}

func (s *Serial) Send(device session.DeviceID, raw []byte) error {
	if device != s.device {
		return fmt.Errorf("%w: %s is not on this line", ErrUnknownDevice, device)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.port.Write(raw); err != nil {
		return fmt.Errorf("transport: serial write: %w", err)
	}
	return nil
}

// Serve splits the byte stream into frames and hands them to r until ctx
// ends or the port fails. Noise between frames is skipped.
func (s *Serial) Serve(ctx context.Context, r Receiver) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	fr := frame.NewReader(s.port)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: serial read: %w", err)
		}
		r.OnFrameReceived(s.device, raw)
		if n := fr.Skipped(); n > 0 {
			log.Trace().Uint64("skipped", n).Str("device", string(s.device)).Msg("serial.resync")
		}
	}
}

func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
