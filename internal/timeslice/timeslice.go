// Package timeslice records how long each vCPU bring-up phase takes.
//
// A recording is a header, a JSON table of registered kinds, and a stream of
// fixed size (kind, duration) records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

var (
	kindsMu sync.Mutex
	kinds   = map[TimesliceID]string{}
)

// RegisterKind names a phase. Call it from package-level var blocks.
func RegisterKind(name string) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds[id] = name
	return id
}

type record struct {
	ID       TimesliceID
	CPU      int32
	Duration int64
}

type recording struct {
	mu     sync.Mutex
	w      *bufio.Writer
	err    error
	closed bool
}

var active atomic.Pointer[recording]

// Open writes the recording header to w and starts accepting records.
func Open(w io.Writer) (io.Closer, error) {
	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := bw.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	rec := &recording{w: bw}
	if !active.CompareAndSwap(nil, rec) {
		return nil, errors.New("timeslice: already open")
	}
	return rec, nil
}

func (r *recording) Close() error {
	active.CompareAndSwap(r, nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("timeslice: already closed")
	}
	r.closed = true

	if r.err != nil {
		return fmt.Errorf("timeslice: write record: %w", r.err)
	}
	return r.w.Flush()
}

func (r *recording) add(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		return
	}
	r.err = binary.Write(r.w, binary.LittleEndian, rec)
}

// Record stores a duration for kind on cpu if a recording is open.
func Record(id TimesliceID, cpu int, d time.Duration) {
	if r := active.Load(); r != nil {
		r.add(record{ID: id, CPU: int32(cpu), Duration: d.Nanoseconds()})
	}
}

// Recorder measures consecutive phases on one vCPU thread.
// It is not safe for concurrent use.
type Recorder struct {
	cpu  int
	last time.Time
}

func NewRecorder(cpu int) *Recorder {
	return &Recorder{cpu: cpu, last: time.Now()}
}

// Record stores the time elapsed since the previous call (or construction).
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, r.cpu, now.Sub(r.last))
	r.last = now
}

// ReadAllRecords decodes a recording, calling fn for every record in order.
func ReadAllRecords(r io.Reader, fn func(kind string, cpu int, d time.Duration) error) error {
	br := bufio.NewReader(r)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return errors.New("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]string
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		name, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(name, int(rec.CPU), time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
