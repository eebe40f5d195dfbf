package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/danmuck/rangectl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type collector struct {
	mu     sync.Mutex
	frames []Packet
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) OnFrameReceived(device session.DeviceID, raw []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, Packet{Device: device, Raw: raw})
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
}

func mustEncode(t *testing.T, f frame.Frame) []byte {
	t.Helper()
	raw, err := frame.Encode(f)
	require.NoError(t, err)
	return raw
}

func TestLoopbackAutoAck(t *testing.T) {
	testlog.Start(t)
	lb := NewLoopback()
	c := newCollector()
	lb.Attach(c, AutoAck(nil))

	cmd := mustEncode(t, frame.Frame{Command: command.LidarSetMode.Command(), Type: frame.TypeCmd, Sequence: 9, Payload: []byte{1}})
	require.NoError(t, lb.Send("lidar.a", cmd))
	c.wait(t)

	require.Len(t, lb.Sent(), 1)
	ack, err := frame.Decode(c.frames[0].Raw)
	require.NoError(t, err)
	assert.Equal(t, frame.TypeAck, ack.Type)
	assert.Equal(t, uint16(9), ack.Sequence)
	assert.Equal(t, command.LidarSetMode.Command(), ack.Command)
	assert.Equal(t, []byte{0}, ack.Payload)

	boom := errors.New("link down")
	lb.SetError(boom)
	assert.ErrorIs(t, lb.Send("lidar.a", cmd), boom)
	assert.Len(t, lb.Sent(), 1)
}

func TestUDPRoundTrip(t *testing.T) {
	testlog.Start(t)
	host, err := ListenUDP(UDPConfig{Listen: "127.0.0.1:0", PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer host.Close()

	dev, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer dev.Close()
	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stranger.Close()

	require.NoError(t, host.AddDevice("lidar.a", dev.LocalAddr().String()))
	assert.ErrorIs(t, host.Send("lidar.b", []byte{1}), ErrUnknownDevice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- host.Serve(ctx, c) }()

	cmd := mustEncode(t, frame.Frame{Command: command.GeneralHeartbeat.Command(), Type: frame.TypeCmd, Sequence: 3})
	require.NoError(t, host.Send("lidar.a", cmd))
	buf := make([]byte, frame.MaxFrameSize)
	require.NoError(t, dev.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := dev.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, cmd, buf[:n])

	hostAddr := host.LocalAddr().(*net.UDPAddr)
	_, err = stranger.WriteToUDP([]byte("noise"), hostAddr)
	require.NoError(t, err)
	ack := mustEncode(t, frame.Frame{Command: command.GeneralHeartbeat.Command(), Type: frame.TypeAck, Sequence: 3, Payload: []byte{0}})
	_, err = dev.WriteToUDP(ack, hostAddr)
	require.NoError(t, err)

	c.wait(t)
	c.mu.Lock()
	require.Len(t, c.frames, 1)
	assert.Equal(t, session.DeviceID("lidar.a"), c.frames[0].Device)
	assert.Equal(t, ack, c.frames[0].Raw)
	c.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, host.Close())
	assert.ErrorIs(t, host.Send("lidar.a", cmd), ErrClosed)
}

func TestUDPAddDeviceRebinds(t *testing.T) {
	testlog.Start(t)
	host, err := ListenUDP(UDPConfig{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	defer host.Close()

	require.NoError(t, host.AddDevice("lidar.a", "127.0.0.1:56001"))
	require.NoError(t, host.AddDevice("lidar.b", "127.0.0.1:56001"))
	d, ok := host.Lookup(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 56001})
	require.True(t, ok)
	assert.Equal(t, session.DeviceID("lidar.b"), d)
	assert.ErrorIs(t, host.Send("lidar.a", []byte{1}), ErrUnknownDevice)

	host.RemoveDevice("lidar.b")
	_, ok = host.Lookup(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 56001})
	assert.False(t, ok)
}

func TestPortOptions(t *testing.T) {
	testlog.Start(t)
	opts, err := PortOptions{Parity: "even", StopBits: 2}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 2, Parity: "E"}, opts)

	mode, err := opts.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)
}

func TestSerialServeAndSend(t *testing.T) {
	testlog.Start(t)
	hostEnd, devEnd := net.Pipe()
	defer devEnd.Close()
	s := NewSerial("hub.a", hostEnd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, c) }()

	msg := mustEncode(t, frame.Frame{Command: command.GeneralPushAbnormalState.Command(), Type: frame.TypeMsg, Payload: []byte{1, 0, 0, 0}})
	go func() {
		_, _ = devEnd.Write(append([]byte{0x00, 0xAA, 0x07}, msg...))
	}()
	c.wait(t)
	c.mu.Lock()
	assert.Equal(t, session.DeviceID("hub.a"), c.frames[0].Device)
	assert.Equal(t, msg, c.frames[0].Raw)
	c.mu.Unlock()

	cmd := mustEncode(t, frame.Frame{Command: command.HubSetMode.Command(), Type: frame.TypeCmd, Sequence: 1, Payload: []byte{1}})
	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(cmd))
		n, _ := devEnd.Read(buf)
		read <- buf[:n]
	}()
	require.NoError(t, s.Send("hub.a", cmd))
	assert.Equal(t, cmd, <-read)
	assert.ErrorIs(t, s.Send("lidar.x", cmd), ErrUnknownDevice)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
