package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/danmuck/rangectl/internal/testutil/testlog"
	"github.com/danmuck/rangectl/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type results struct {
	mu  sync.Mutex
	out []session.Result
}

func (r *results) sink(res session.Result) {
	r.mu.Lock()
	r.out = append(r.out, res)
	r.mu.Unlock()
}

func (r *results) all() []session.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Result(nil), r.out...)
}

type resolvedObserver struct {
	session.NopObserver
	mu       sync.Mutex
	resolved []session.Result
	sent     []int
}

func (o *resolvedObserver) Resolved(r session.Result) {
	o.mu.Lock()
	o.resolved = append(o.resolved, r)
	o.mu.Unlock()
}

func (o *resolvedObserver) Sent(_ session.DeviceID, _ frame.Frame, _ []byte, attempt int) {
	o.mu.Lock()
	o.sent = append(o.sent, attempt)
	o.mu.Unlock()
}

func newEngine(t *testing.T, lb *transport.Loopback, obs session.Observer) (*Engine, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1700000000, 0)}
	e, err := New(session.DefaultConfig(), command.DefaultRegistry(), lb, Options{Observer: obs, Now: clk.Now})
	require.NoError(t, err)
	return e, clk
}

func ackFor(t *testing.T, raw []byte, payload []byte) []byte {
	t.Helper()
	f, err := frame.Decode(raw)
	require.NoError(t, err)
	out, err := frame.Encode(frame.Frame{Command: f.Command, Type: frame.TypeAck, Sequence: f.Sequence, Payload: payload})
	require.NoError(t, err)
	return out
}

func TestNewRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.TickInterval = time.Second
	_, err := New(cfg, command.DefaultRegistry(), transport.NewLoopback(), Options{})
	assert.Error(t, err)

	_, err = New(session.DefaultConfig(), nil, nil, Options{})
	assert.Error(t, err)

	id := uuid.New()
	e, err := New(session.DefaultConfig(), nil, transport.NewLoopback(), Options{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, id, e.SessionID())
}

func TestSendValidatesSynchronously(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	e, _ := newEngine(t, lb, nil)

	bad := command.Raw(command.SetLidar, 200)
	_, err := e.Send("lidar.a", bad, nil, nil)
	assert.ErrorIs(t, err, command.ErrInvalidCommand)

	_, err = e.Send("lidar.a", command.LidarSetMode.Command(), make([]byte, frame.MaxPayloadSize+1), nil)
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)

	assert.Empty(t, lb.Sent())
	assert.Empty(t, e.Pending())
}

func TestSendAckResolvesSink(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	obs := &resolvedObserver{}
	e, _ := newEngine(t, lb, obs)
	var res results

	seq, err := e.Send("lidar.a", command.LidarSetMode.Command(), []byte{1}, res.sink)
	require.NoError(t, err)
	require.Len(t, lb.Sent(), 1)
	assert.Len(t, e.Pending(), 1)

	e.OnFrameReceived("lidar.a", ackFor(t, lb.Sent()[0].Raw, []byte{0}))
	e.OnFrameReceived("lidar.a", ackFor(t, lb.Sent()[0].Raw, []byte{0}))

	got := res.all()
	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)
	assert.Equal(t, seq, got[0].Sequence)
	assert.Equal(t, []byte{0}, got[0].Payload)
	assert.Empty(t, e.Pending())
	assert.Len(t, obs.resolved, 1)
	assert.Equal(t, uint64(1), e.Stats().AcksDiscarded)
}

func TestSetModeTimesOutAfterTwoResends(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	obs := &resolvedObserver{}
	e, clk := newEngine(t, lb, obs)
	var res results

	_, err := e.Send("lidar.a", command.LidarSetMode.Command(), []byte{3}, res.sink)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		e.Scheduler().Tick(clk.Advance(50 * time.Millisecond))
	}

	sent := lb.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, sent[0].Raw, sent[1].Raw)
	assert.Equal(t, sent[0].Raw, sent[2].Raw)
	assert.Equal(t, []int{1, 2, 3}, obs.sent)

	got := res.all()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, session.ErrTimeout)
	assert.Equal(t, 3, got[0].Attempts)
}

func TestFailedFirstSendIsRetried(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	e, clk := newEngine(t, lb, nil)
	var res results

	lb.SetError(errors.New("no route"))
	_, err := e.Send("lidar.a", command.GeneralHeartbeat.Command(), nil, res.sink)
	require.NoError(t, err)
	assert.Empty(t, lb.Sent())

	lb.SetError(nil)
	e.Scheduler().Tick(clk.Advance(50 * time.Millisecond))
	require.Len(t, lb.Sent(), 1)
	p := e.Pending()
	require.Len(t, p, 1)
	assert.Equal(t, 1, p[0].Attempts)

	e.OnFrameReceived("lidar.a", ackFor(t, lb.Sent()[0].Raw, []byte{0}))
	require.Len(t, res.all(), 1)
	assert.NoError(t, res.all()[0].Err)
}

func TestRequestWithAutoAck(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	e, _ := newEngine(t, lb, nil)
	lb.Attach(e, transport.AutoAck(func(f frame.Frame) []byte { return []byte{0, 1, 2} }))

	r, err := e.Request(context.Background(), "hub.a", command.HubQueryLidarInformation.Command(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, r.Payload)
	assert.Equal(t, 1, r.Attempts)
}

func TestRequestContextCancelWithdraws(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	obs := &resolvedObserver{}
	e, _ := newEngine(t, lb, obs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Request(ctx, "lidar.a", command.LidarSetMode.Command(), []byte{1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.Pending())
	require.Len(t, obs.resolved, 1)
	assert.ErrorIs(t, obs.resolved[0].Err, session.ErrCancelled)
}

func TestSubscribeAndDisconnect(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	e, _ := newEngine(t, lb, nil)

	var msgs []session.Message
	unsub, err := e.Subscribe(command.GeneralPushAbnormalState.Command(), func(m session.Message) {
		msgs = append(msgs, m)
	})
	require.NoError(t, err)
	raw, err := frame.Encode(frame.Frame{Command: command.GeneralPushAbnormalState.Command(), Type: frame.TypeMsg, Payload: []byte{4, 0, 0, 0}})
	require.NoError(t, err)
	e.OnFrameReceived("lidar.a", raw)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.DeviceID("lidar.a"), msgs[0].Device)
	unsub()
	e.OnFrameReceived("lidar.a", raw)
	assert.Len(t, msgs, 1)

	var res results
	for i := 0; i < 3; i++ {
		_, err := e.Send("lidar.a", command.GeneralHeartbeat.Command(), nil, res.sink)
		require.NoError(t, err)
	}
	_, err = e.Send("lidar.b", command.GeneralHeartbeat.Command(), nil, res.sink)
	require.NoError(t, err)

	assert.Equal(t, 3, e.Disconnect("lidar.a"))
	assert.Len(t, e.Pending(), 1)
	for _, r := range res.all() {
		assert.ErrorIs(t, r.Err, session.ErrCancelled)
	}

	require.NoError(t, e.Close())
	assert.Empty(t, e.Pending())
	assert.Len(t, res.all(), 4)
	_, err = e.Send("lidar.b", command.GeneralHeartbeat.Command(), nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

type eventObserver struct {
	session.NopObserver
	mu     sync.Mutex
	events []string
}

func (o *eventObserver) add(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *eventObserver) Sent(session.DeviceID, frame.Frame, []byte, int) { o.add("sent") }
func (o *eventObserver) SendFailed(session.DeviceID, frame.Frame, error) { o.add("send_failed") }
func (o *eventObserver) Resolved(session.Result)                         { o.add("resolved") }

func TestObserverSeesSentBeforeSynchronousAck(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	obs := &eventObserver{}
	e, _ := newEngine(t, lb, obs)
	lb.Attach(e, transport.AutoAck(nil))

	_, err := e.Request(context.Background(), "lidar.a", command.GeneralHeartbeat.Command(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sent", "resolved"}, obs.events)

	obs.events = nil
	lb.SetError(errors.New("no route"))
	_, err = e.Send("lidar.a", command.GeneralHeartbeat.Command(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sent", "send_failed"}, obs.events)
}

func TestSendRejectedWhenCloseWinsRace(t *testing.T) {
	testlog.Start(t)
	lb := transport.NewLoopback()
	var e *Engine
	start := time.Unix(1700000000, 0)
	e, err := New(session.DefaultConfig(), command.DefaultRegistry(), lb, Options{
		Now: func() time.Time {
			require.NoError(t, e.Close())
			return start
		},
	})
	require.NoError(t, err)

	var res results
	_, err = e.Send("lidar.a", command.LidarSetMode.Command(), []byte{1}, res.sink)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, lb.Sent())
	assert.Empty(t, e.Pending())
	assert.Empty(t, res.all())
}

func TestConcurrentSendAndCloseResolveEverySink(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < 50; i++ {
		lb := transport.NewLoopback()
		e, _ := newEngine(t, lb, nil)
		var res results
		var mu sync.Mutex
		n := 0

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 10; k++ {
					if _, err := e.Send("lidar.a", command.GeneralHeartbeat.Command(), nil, res.sink); err == nil {
						mu.Lock()
						n++
						mu.Unlock()
					}
				}
			}()
		}
		require.NoError(t, e.Close())
		wg.Wait()

		assert.Empty(t, e.Pending(), "iteration %d", i)
		got := res.all()
		require.Len(t, got, n, "iteration %d", i)
		for _, r := range got {
			assert.ErrorIs(t, r.Err, session.ErrCancelled)
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, transport.NewLoopback(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Run(ctx), context.DeadlineExceeded)
}
