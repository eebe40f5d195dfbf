package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Filter selects entries. Empty fields match everything.
type Filter struct {
	Session string
	Device  string
	Kinds   []Kind
}

func (f Filter) matches(e Entry) bool {
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Device != "" && e.Device != f.Device {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// ReadAll decodes every entry in r.
func ReadAll(r io.Reader) ([]Entry, error) {
	return ReadFiltered(r, Filter{})
}

// ReadFiltered decodes r and keeps the entries matching f. A truncated
// trailing entry, as left by a crash mid-write, ends the stream without error.
func ReadFiltered(r io.Reader, f Filter) ([]Entry, error) {
	dec := decMode.NewDecoder(r)
	var out []Entry
	for n := 0; ; n++ {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("journal: entry %d: %w", n, err)
		}
		if f.matches(e) {
			out = append(out, e)
		}
	}
}

// ReadFile reads a journal file from disk.
func ReadFile(path string, f Filter) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()
	return ReadFiltered(file, f)
}
