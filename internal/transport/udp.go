package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// UDPConfig configures the host control socket.
type UDPConfig struct {
	Listen       string
	WriteTimeout time.Duration
	PollInterval time.Duration
	ReadBuffer   int
}

func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		Listen:       "0.0.0.0:55000",
		WriteTimeout: 20 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}
}

// UDP is a single control socket shared by every device. Devices are
// addressed through a table of known endpoints.
type UDP struct {
	cfg  UDPConfig
	conn *net.UDPConn

	mu       sync.RWMutex
	byDevice map[session.DeviceID]*net.UDPAddr
	byAddr   map[string]session.DeviceID
	closed   bool
}

// ListenUDP binds the control socket.
func ListenUDP(cfg UDPConfig) (*UDP, error) {
	def := DefaultUDPConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", cfg.Listen, err)
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			log.Warn().Err(err).Int("bytes", cfg.ReadBuffer).Msg("udp.read buffer not applied")
		}
	}
	log.Info().Str("listen", conn.LocalAddr().String()).Msg("udp.listen")
	return &UDP{
		cfg:      cfg,
		conn:     conn,
		byDevice: make(map[session.DeviceID]*net.UDPAddr),
		byAddr:   make(map[string]session.DeviceID),
	}, nil
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// AddDevice maps device to a remote endpoint, replacing any earlier mapping
// for either side.
func (u *UDP) AddDevice(device session.DeviceID, addr string) error {
	if device == "" {
		return fmt.Errorf("%w: empty device id", ErrUnknownDevice)
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve device %s at %q: %w", device, addr, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if old, ok := u.byDevice[device]; ok {
		delete(u.byAddr, old.String())
	}
	if prev, ok := u.byAddr[ua.String()]; ok {
		delete(u.byDevice, prev)
	}
	u.byDevice[device] = ua
	u.byAddr[ua.String()] = device
	return nil
}

// RemoveDevice forgets a device.
func (u *UDP) RemoveDevice(device session.DeviceID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if ua, ok := u.byDevice[device]; ok {
		delete(u.byAddr, ua.String())
		delete(u.byDevice, device)
	}
}

// Lookup returns the device bound to a remote address.
func (u *UDP) Lookup(addr *net.UDPAddr) (session.DeviceID, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	d, ok := u.byAddr[addr.String()]
	return d, ok
}

// Send writes raw to device with a short write deadline. Delivery is best
// effort.
func (u *UDP) Send(device session.DeviceID, raw []byte) error {
	u.mu.RLock()
	ua, ok := u.byDevice[device]
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	if err := u.conn.SetWriteDeadline(time.Now().Add(u.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if _, err := u.conn.WriteToUDP(raw, ua); err != nil {
		return fmt.Errorf("transport: send to %s: %w", device, err)
	}
	return nil
}

// Serve reads datagrams until ctx ends, handing frames from known devices to
// r. Datagrams from unknown addresses are dropped.
func (u *UDP) Serve(ctx context.Context, r Receiver) error {
	buf := make([]byte, frame.MaxFrameSize+1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.conn.SetReadDeadline(time.Now().Add(u.cfg.PollInterval)); err != nil {
			return fmt.Errorf("transport: set read deadline: %w", err)
		}
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrClosed
			}
			log.Warn().Err(err).Msg("udp.read failed")
			continue
		}
		device, ok := u.Lookup(from)
		if !ok {
			log.Debug().Str("from", from.String()).Int("bytes", n).Msg("udp.unknown source dropped")
			continue
		}
		r.OnFrameReceived(device, append([]byte(nil), buf[:n]...))
	}
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}
