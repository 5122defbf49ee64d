package timeslice

import (
	"bytes"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("a")
	timesliceB = RegisterKind("b")
)

func TestTimeslice(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, err := Open(&buf)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer w.Close()

		Record(timesliceA, 0, 100*time.Millisecond)
		Record(timesliceB, 3, 200*time.Millisecond)
	}()

	type seenRecord struct {
		kind string
		cpu  int
		d    time.Duration
	}
	var seen []seenRecord
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(kind string, cpu int, d time.Duration) error {
		seen = append(seen, seenRecord{kind, cpu, d})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	want := []seenRecord{
		{"a", 0, 100 * time.Millisecond},
		{"b", 3, 200 * time.Millisecond},
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestTimesliceAlreadyOpen(t *testing.T) {
	var buf bytes.Buffer
	w, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if _, err := Open(&buf); err == nil {
		t.Fatalf("second Open succeeded")
	}
}

func TestRecordWithoutRecordingIsDropped(t *testing.T) {
	r := NewRecorder(1)
	r.Record(timesliceA)
}

func TestReadAllRecordsBadMagic(t *testing.T) {
	if err := ReadAllRecords(bytes.NewReader(make([]byte, 12)), func(string, int, time.Duration) error {
		return nil
	}); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}
