package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var frameOpts = cmp.Options{
	cmp.Comparer(func(a, b command.Command) bool { return a == b }),
	cmpopts.EquateEmpty(),
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []Frame{
		{Command: command.LidarSetMode.Command(), Type: TypeCmd, Sequence: 1, Payload: []byte{0x01}},
		{Command: command.GeneralHeartbeat.Command(), Type: TypeMsg, Sequence: 0xffff},
		{Command: command.HubRainFogSuppression.Command(), Type: TypeAck, Sequence: 42, Payload: []byte{0, 1, 2, 3}},
		{Command: command.GeneralDeviceInfo.Command(), Type: TypeCmd, Sequence: 7, Payload: bytes.Repeat([]byte{0x5a}, MaxPayloadSize)},
	}
	for _, in := range cases {
		raw, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Command, err)
		}
		if len(raw) > MaxFrameSize {
			t.Fatalf("frame %d bytes exceeds max", len(raw))
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Command, err)
		}
		if diff := cmp.Diff(in, out, frameOpts); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(Frame{
		Command: command.LidarSetMode.Command(),
		Type:    TypeCmd,
		Payload: make([]byte, MaxPayloadSize+1),
	})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := CheckPayload(MaxPayloadSize); err != nil {
		t.Fatalf("max payload should fit: %v", err)
	}
}

func TestEncodeRejectsInvalidCommand(t *testing.T) {
	testlog.Start(t)
	for _, c := range []command.Command{command.LidarID(4).Command(), command.Raw(command.SetHub, 8), command.Raw(3, 0)} {
		if _, err := Encode(Frame{Command: c, Type: TypeCmd}); !errors.Is(err, command.ErrInvalidCommand) {
			t.Fatalf("encode %s: expected ErrInvalidCommand, got %v", c, err)
		}
	}
	if _, err := Encode(Frame{Command: command.LidarSetMode.Command(), Type: Type(3)}); !errors.Is(err, command.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for bad type, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	good, err := Encode(Frame{Command: command.LidarSetMode.Command(), Type: TypeAck, Sequence: 9, Payload: []byte{0}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return fn(b)
	}
	cases := map[string][]byte{
		"short":       good[:OverheadLen-1],
		"truncated":   good[:len(good)-1],
		"bad sof":     mutate(func(b []byte) []byte { b[0] = 0x55; return b }),
		"bad version": mutate(func(b []byte) []byte { b[1] = 2; return b }),
		"bad length":  mutate(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[2:4], 99); return b }),
		"header crc":  mutate(func(b []byte) []byte { b[5] ^= 0xff; return b }),
		"frame crc":   mutate(func(b []byte) []byte { b[HeaderLen] ^= 0xff; return b }),
	}
	for name, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: expected ErrDecode, got %v", name, err)
		}
	}
}

func TestDecodeRejectsUnknownSetAndType(t *testing.T) {
	testlog.Start(t)
	unknownSet := rawFrame(t, 3, 0, byte(TypeAck), 1, nil)
	if _, err := Decode(unknownSet); !errors.Is(err, ErrDecode) {
		t.Fatalf("unknown set: expected ErrDecode, got %v", err)
	}
	unknownType := rawFrame(t, byte(command.SetLidar), 0, 9, 1, nil)
	if _, err := Decode(unknownType); !errors.Is(err, ErrDecode) {
		t.Fatalf("unknown type: expected ErrDecode, got %v", err)
	}
}

func TestDecodeAcceptsOutOfRangeID(t *testing.T) {
	testlog.Start(t)
	raw := rawFrame(t, byte(command.SetLidar), 200, byte(TypeMsg), 3, []byte{1})
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Command.ID() != 200 || f.Command.Valid() {
		t.Fatalf("unexpected command %s", f.Command)
	}
}

func TestReaderResynchronises(t *testing.T) {
	testlog.Start(t)
	a, _ := Encode(Frame{Command: command.GeneralHeartbeat.Command(), Type: TypeAck, Sequence: 1, Payload: []byte{0, 1}})
	b, _ := Encode(Frame{Command: command.HubSetMode.Command(), Type: TypeAck, Sequence: 2})

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13, StartOfFrame, 0x07})
	stream.Write(a)
	stream.Write([]byte{StartOfFrame, Version, 0xff, 0xff})
	stream.Write(b)

	r := NewReader(&stream)
	got1, err := r.ReadFrame()
	if err != nil || !bytes.Equal(got1, a) {
		t.Fatalf("first frame err=%v", err)
	}
	got2, err := r.ReadFrame()
	if err != nil || !bytes.Equal(got2, b) {
		t.Fatalf("second frame err=%v", err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if r.Skipped() != 8 {
		t.Fatalf("skipped=%d want 8", r.Skipped())
	}
}

func TestReaderTruncatedFrame(t *testing.T) {
	testlog.Start(t)
	a, _ := Encode(Frame{Command: command.GeneralHeartbeat.Command(), Type: TypeMsg, Payload: []byte{1, 2, 3}})
	r := NewReader(bytes.NewReader(a[:len(a)-2]))
	if _, err := r.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func rawFrame(t *testing.T, set, id, typ byte, seq uint16, payload []byte) []byte {
	t.Helper()
	total := OverheadLen + len(payload)
	buf := make([]byte, total)
	buf[0] = StartOfFrame
	buf[1] = Version
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = typ
	binary.LittleEndian.PutUint16(buf[5:7], seq)
	binary.LittleEndian.PutUint16(buf[7:9], headerChecksum(buf[0:7]))
	buf[9] = set
	buf[10] = id
	copy(buf[HeaderLen:], payload)
	binary.LittleEndian.PutUint32(buf[total-TrailerLen:], frameChecksum(buf[:total-TrailerLen]))
	return buf
}
