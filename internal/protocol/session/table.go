package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/frame"
)

var (
	ErrTimeout           = errors.New("session: request timed out")
	ErrCancelled         = errors.New("session: request cancelled")
	ErrSequenceExhausted = errors.New("session: no free sequence for device")
	ErrInvalidRequest    = errors.New("session: invalid request")
)

// DeviceID identifies one sensor or hub, normally by its broadcast code.
type DeviceID string

// Result is what a request's sink receives exactly once. Err is nil for an
// ack, ErrTimeout or ErrCancelled otherwise.
type Result struct {
	Device   DeviceID
	Command  command.Command
	Sequence uint16
	Payload  []byte
	Attempts int
	Err      error
}

// Sink receives the outcome of one outstanding request. It runs on the
// goroutine that resolved the request and must not block.
type Sink func(Result)

// Request describes a command about to be sent.
type Request struct {
	Device  DeviceID
	Command command.Command
	Payload []byte
	Sink    Sink
}

// Pending is a snapshot of one outstanding request.
type Pending struct {
	Device      DeviceID
	Command     command.Command
	Sequence    uint16
	Payload     []byte
	Attempts    int
	FirstSentAt time.Time
	LastSentAt  time.Time
	Deadline    time.Time
	GiveUpAt    time.Time
	Epoch       uint64
}

// Expired is a request the table has removed after its last attempt.
type Expired struct {
	Pending
	sink Sink
}

// Report delivers err to the request's sink.
func (e Expired) Report(err error) {
	if e.sink == nil {
		return
	}
	e.sink(Result{
		Device:   e.Device,
		Command:  e.Command,
		Sequence: e.Sequence,
		Attempts: e.Attempts,
		Err:      err,
	})
}

// Expiry is the outcome of one DrainExpired pass.
type Expiry struct {
	// Resend holds requests re-armed in place that must be transmitted again.
	Resend []Pending
	// Expired holds requests removed from the table.
	Expired []Expired
}

type pendingKey struct {
	device DeviceID
	seq    uint16
}

type entry struct {
	Pending
	sink Sink
}

// Table tracks outstanding requests keyed by device and sequence. All
// resolution paths (ack, expiry, cancel) go through removeLocked under the
// same mutex, so exactly one of them wins for a given entry.
type Table struct {
	registry *command.Registry
	policy   RetryPolicy

	mu      sync.Mutex
	items   map[pendingKey]*entry
	nextSeq map[DeviceID]uint16
	epoch   uint64
	rng     *rand.Rand
}

func NewTable(registry *command.Registry, policy RetryPolicy) *Table {
	if registry == nil {
		registry = command.DefaultRegistry()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Table{
		registry: registry,
		policy:   policy,
		items:    make(map[pendingKey]*entry),
		nextSeq:  make(map[DeviceID]uint16),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register stores a new outstanding request with one attempt and returns its
// snapshot. The sequence is unique among the device's outstanding requests.
func (t *Table) Register(req Request, now time.Time) (Pending, error) {
	device := req.Device
	if strings.TrimSpace(string(device)) == "" {
		return Pending{}, fmt.Errorf("%w: missing device", ErrInvalidRequest)
	}
	timeout, err := t.registry.TimeoutFor(req.Command)
	if err != nil {
		return Pending{}, err
	}
	if err := frame.CheckPayload(len(req.Payload)); err != nil {
		return Pending{}, err
	}
	payload := append([]byte(nil), req.Payload...)

	t.mu.Lock()
	defer t.mu.Unlock()

	seq, err := t.allocSequenceLocked(device)
	if err != nil {
		return Pending{}, err
	}
	t.epoch++
	e := &entry{
		Pending: Pending{
			Device:      device,
			Command:     req.Command,
			Sequence:    seq,
			Payload:     payload,
			Attempts:    1,
			FirstSentAt: now,
			LastSentAt:  now,
			Deadline:    now.Add(timeout),
			GiveUpAt:    retryBudget(now, timeout, t.policy),
			Epoch:       t.epoch,
		},
		sink: req.Sink,
	}
	t.items[pendingKey{device: device, seq: seq}] = e
	return e.snapshot(), nil
}

func (t *Table) allocSequenceLocked(device DeviceID) (uint16, error) {
	next := t.nextSeq[device]
	for i := 0; i <= 0xffff; i++ {
		seq := next
		next++
		if _, busy := t.items[pendingKey{device: device, seq: seq}]; !busy {
			t.nextSeq[device] = next
			return seq, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSequenceExhausted, device)
}

// Complete resolves the matching request with an ack payload. It returns
// false, without side effects, for unknown, duplicate or late acks and for
// acks whose command differs from the outstanding one.
func (t *Table) Complete(device DeviceID, seq uint16, cmd command.Command, payload []byte) bool {
	t.mu.Lock()
	e, ok := t.removeLocked(pendingKey{device: device, seq: seq}, func(e *entry) bool {
		return e.Command == cmd
	})
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.deliver(Result{
		Device:   e.Device,
		Command:  e.Command,
		Sequence: e.Sequence,
		Payload:  payload,
		Attempts: e.Attempts,
	})
	return true
}

// Cancel withdraws one request and reports ErrCancelled to its sink.
func (t *Table) Cancel(device DeviceID, seq uint16) bool {
	t.mu.Lock()
	e, ok := t.removeLocked(pendingKey{device: device, seq: seq}, nil)
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.fail(ErrCancelled)
	return true
}

// CancelDevice withdraws every request of device, for example on disconnect.
func (t *Table) CancelDevice(device DeviceID) int {
	t.mu.Lock()
	var removed []*entry
	for k := range t.items {
		if k.device != device {
			continue
		}
		if e, ok := t.removeLocked(k, nil); ok {
			removed = append(removed, e)
		}
	}
	delete(t.nextSeq, device)
	t.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].Epoch < removed[j].Epoch })
	for _, e := range removed {
		e.fail(ErrCancelled)
	}
	return len(removed)
}

// DrainExpired handles every request whose deadline has passed. Requests with
// attempts left are re-armed in place, so a racing ack can still complete
// them; the rest are removed and returned for final reporting. GiveUpAt is
// fixed at registration, so a request whose transmissions started late can
// expire with fewer than MaxAttempts.
func (t *Table) DrainExpired(now time.Time) Expiry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out Expiry
	for k, e := range t.items {
		if now.Before(e.Deadline) {
			continue
		}
		if e.Attempts >= t.policy.MaxAttempts || !now.Before(e.GiveUpAt) {
			if removed, ok := t.removeLocked(k, nil); ok {
				out.Expired = append(out.Expired, Expired{Pending: removed.snapshot(), sink: removed.sink})
			}
			continue
		}
		timeout, _ := t.registry.TimeoutFor(e.Command)
		e.Attempts++
		e.LastSentAt = now
		e.Deadline = now.Add(timeout + RetryDelay(t.policy.Backoff, e.Attempts, t.rng))
		out.Resend = append(out.Resend, e.snapshot())
	}
	sort.Slice(out.Resend, func(i, j int) bool { return out.Resend[i].Epoch < out.Resend[j].Epoch })
	sort.Slice(out.Expired, func(i, j int) bool { return out.Expired[i].Epoch < out.Expired[j].Epoch })
	return out
}

// ResendFailed returns a transmission attempt that never reached the wire:
// the attempt is not counted and the request is due again at now. It is a
// no-op once the request has been resolved.
func (t *Table) ResendFailed(device DeviceID, seq uint16, epoch uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[pendingKey{device: device, seq: seq}]
	if !ok || e.Epoch != epoch {
		return false
	}
	if e.Attempts > 0 {
		e.Attempts--
	}
	e.Deadline = now
	return true
}

// removeLocked is the single remove-if-present primitive. match may veto the
// removal; callers hold t.mu.
func (t *Table) removeLocked(k pendingKey, match func(*entry) bool) (*entry, bool) {
	e, ok := t.items[k]
	if !ok {
		return nil, false
	}
	if match != nil && !match(e) {
		return nil, false
	}
	delete(t.items, k)
	return e, true
}

func (t *Table) Get(device DeviceID, seq uint16) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[pendingKey{device: device, seq: seq}]
	if !ok {
		return Pending{}, false
	}
	return e.snapshot(), true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Snapshot lists outstanding requests ordered by device then registration.
func (t *Table) Snapshot() []Pending {
	t.mu.Lock()
	out := make([]Pending, 0, len(t.items))
	for _, e := range t.items {
		out = append(out, e.snapshot())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Epoch < out[j].Epoch
	})
	return out
}

func (e *entry) snapshot() Pending {
	p := e.Pending
	p.Payload = append([]byte(nil), e.Payload...)
	return p
}

func (e *entry) deliver(r Result) {
	if e.sink != nil {
		e.sink(r)
	}
}

func (e *entry) fail(err error) {
	e.deliver(Result{
		Device:   e.Device,
		Command:  e.Command,
		Sequence: e.Sequence,
		Attempts: e.Attempts,
		Err:      err,
	})
}
