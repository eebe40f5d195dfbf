package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// Reader splits a byte stream into raw frames. Bytes that cannot start a
// frame are skipped until the next start-of-frame with a valid header.
type Reader struct {
	br      *bufio.Reader
	skipped uint64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 2*MaxFrameSize)}
}

// Skipped returns the number of bytes discarded while resynchronising.
func (r *Reader) Skipped() uint64 {
	return r.skipped
}

// ReadFrame returns the next complete raw frame. Only the header checksum is
// verified; Decode does the rest.
func (r *Reader) ReadFrame() ([]byte, error) {
	var head [HeaderLen]byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != StartOfFrame {
			r.skipped++
			continue
		}
		rest, err := r.br.Peek(HeaderLen - 1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		head[0] = b
		copy(head[1:], rest)
		if !plausibleHeader(head[:]) {
			r.skipped++
			continue
		}

		n := int(binary.LittleEndian.Uint16(head[2:4]))
		buf := make([]byte, n)
		buf[0] = b
		if _, err := io.ReadFull(r.br, buf[1:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return buf, nil
	}
}

func plausibleHeader(head []byte) bool {
	if head[1] != Version {
		return false
	}
	n := int(binary.LittleEndian.Uint16(head[2:4]))
	if n < OverheadLen || n > MaxFrameSize {
		return false
	}
	return binary.LittleEndian.Uint16(head[7:9]) == headerChecksum(head[0:7])
}
