// Package journal records control-channel traffic as an append-only stream
// of CBOR entries for later inspection.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("journal: cbor decoder mode: %v", err))
	}
}

// Direction of a journaled frame relative to the host.
type Direction uint8

const (
	Out Direction = 0
	In  Direction = 1
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Kind classifies an entry.
type Kind uint8

const (
	KindSent Kind = iota
	KindResent
	KindSendFailed
	KindReceived
	KindDecodeFailed
	KindResolved
	KindAckDiscarded
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindResent:
		return "resent"
	case KindSendFailed:
		return "send_failed"
	case KindReceived:
		return "received"
	case KindDecodeFailed:
		return "decode_failed"
	case KindResolved:
		return "resolved"
	case KindAckDiscarded:
		return "ack_discarded"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is one journal record. Integer keys keep the stream compact.
type Entry struct {
	Time      time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint"`
	Direction Direction `cbor:"3,keyasint"`
	Kind      Kind      `cbor:"4,keyasint"`
	Device    string    `cbor:"5,keyasint"`
	Command   string    `cbor:"6,keyasint,omitempty"`
	Sequence  uint16    `cbor:"7,keyasint,omitempty"`
	Attempt   int       `cbor:"8,keyasint,omitempty"`
	Frame     []byte    `cbor:"9,keyasint,omitempty"`
	Note      string    `cbor:"10,keyasint,omitempty"`
}

// Writer appends entries to an underlying stream. It implements
// session.Observer so it can be attached to an engine directly. Safe for
// concurrent use.
type Writer struct {
	session string
	now     func() time.Time

	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	closed bool
	failed bool
}

// NewWriter journals to w on behalf of session id. If w is an io.Closer it is
// closed by Close.
func NewWriter(w io.Writer, id uuid.UUID) *Writer {
	j := &Writer{
		session: id.String(),
		now:     time.Now,
		enc:     encMode.NewEncoder(w),
	}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	return j
}

// Open appends to the journal file at path, creating it when missing.
func Open(path string, id uuid.UUID) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return NewWriter(f, id), nil
}

// Record writes e, stamping the session and time when unset.
func (j *Writer) Record(e Entry) error {
	if e.Session == "" {
		e.Session = j.session
	}
	if e.Time.IsZero() {
		e.Time = j.now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.New("journal: closed")
	}
	return j.enc.Encode(e)
}

// record is the observer path: failures are logged once and otherwise
// ignored so journaling never disturbs the control channel.
func (j *Writer) record(e Entry) {
	if err := j.Record(e); err != nil {
		j.mu.Lock()
		first := !j.failed
		j.failed = true
		j.mu.Unlock()
		if first {
			log.Error().Err(err).Msg("journal.write failed")
		}
	}
}

func (j *Writer) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

func (j *Writer) Sent(device session.DeviceID, f frame.Frame, raw []byte, attempt int) {
	kind := KindSent
	if attempt > 1 {
		kind = KindResent
	}
	j.record(Entry{
		Direction: Out,
		Kind:      kind,
		Device:    string(device),
		Command:   f.Command.String(),
		Sequence:  f.Sequence,
		Attempt:   attempt,
		Frame:     raw,
	})
}

func (j *Writer) SendFailed(device session.DeviceID, f frame.Frame, err error) {
	j.record(Entry{
		Direction: Out,
		Kind:      KindSendFailed,
		Device:    string(device),
		Command:   f.Command.String(),
		Sequence:  f.Sequence,
		Note:      err.Error(),
	})
}

func (j *Writer) Received(device session.DeviceID, raw []byte) {
	j.record(Entry{Direction: In, Kind: KindReceived, Device: string(device), Frame: raw})
}

func (j *Writer) DecodeFailed(device session.DeviceID, err error) {
	j.record(Entry{Direction: In, Kind: KindDecodeFailed, Device: string(device), Note: err.Error()})
}

func (j *Writer) Resolved(r session.Result) {
	note := "ack"
	if r.Err != nil {
		note = r.Err.Error()
	}
	j.record(Entry{
		Direction: In,
		Kind:      KindResolved,
		Device:    string(r.Device),
		Command:   r.Command.String(),
		Sequence:  r.Sequence,
		Attempt:   r.Attempts,
		Note:      note,
	})
}

func (j *Writer) AckDiscarded(device session.DeviceID, f frame.Frame) {
	j.record(Entry{
		Direction: In,
		Kind:      KindAckDiscarded,
		Device:    string(device),
		Command:   f.Command.String(),
		Sequence:  f.Sequence,
	})
}

func (j *Writer) MessageRouted(m session.Message, handlers int) {
	j.record(Entry{
		Direction: In,
		Kind:      KindMessage,
		Device:    string(m.Device),
		Command:   m.Command.String(),
		Sequence:  m.Sequence,
		Note:      fmt.Sprintf("handlers=%d", handlers),
	})
}

var _ session.Observer = (*Writer)(nil)
