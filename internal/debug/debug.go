// Package debug is a process-wide binary trace of vCPU bring-up events.
//
// Every entry is a 16 byte header followed by the source name and the
// message:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve their slot by atomically advancing the file offset, so
// vCPU threads never contend on a lock.
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Uint64
)

// OpenFile truncates filename and directs the trace to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open directs the trace to w. A non-nil error means an earlier writer was
// replaced and may have lost entries; w is installed either way.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return errors.New("debug: already open, discarded old writer")
	}
	return nil
}

func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Buffer is an in-memory trace target, mostly useful in tests.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) []byte {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(ts.UnixNano()))
	return hdr
}

func decodeHeader(hdr []byte) (kind Kind, sourceLen uint16, dataLen uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(hdr[0:2]))
	sourceLen = binary.LittleEndian.Uint16(hdr[2:4])
	dataLen = binary.LittleEndian.Uint32(hdr[4:8])
	ts = int64(binary.LittleEndian.Uint64(hdr[8:16]))
	return
}

func write(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	entry := encodeHeader(kind, source, data, time.Now())
	entry = append(entry, source...)
	entry = append(entry, data...)

	size := uint64(len(entry))
	off := offset.Add(size) - size
	if _, err := s.w.WriteAt(entry, int64(off)); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) { write(KindBytes, source, data) }

func Write(source string, data string) { write(KindString, source, []byte(data)) }

func Writef(source string, format string, args ...any) {
	write(KindString, source, fmt.Appendf(nil, format, args...))
}

// Debug writes every entry under a fixed source.
type Debug interface {
	Write(data string)
	Writef(format string, args ...any)
}

type withSource string

func (s withSource) Write(data string) { Write(string(s), data) }

func (s withSource) Writef(format string, args ...any) { Writef(string(s), format, args...) }

func WithSource(source string) Debug { return withSource(source) }

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// ReadAll decodes every entry in r and returns them ordered by timestamp.
// Entries written concurrently may appear in the file out of time order.
func ReadAll(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, headerSize)

	var entries []Entry
	for {
		if _, err := io.ReadFull(br, hdr); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}

		kind, sourceLen, dataLen, ts := decodeHeader(hdr)
		if kind == KindInvalid {
			return nil, fmt.Errorf("debug: invalid entry after %d entries", len(entries))
		}

		body := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("debug: read entry: %w", err)
		}

		entries = append(entries, Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLen]),
			Data:   body[sourceLen:],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})

	return entries, nil
}

// ReadFile is ReadAll over a trace file.
func ReadFile(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadAll(f)
}
