package types

import (
	"bytes"
	"testing"
	"time"
)

func TestTimeUUIDGenerator_Generate(t *testing.T) {
	gen := NewTimeUUIDGenerator()

	id1, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}
	id2, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}

	if id1 == id2 {
		t.Error("expected different ids")
	}
	if bytes.Compare(id1[:], id2[:]) > 0 {
		t.Error("expected id2 >= id1 for bytewise ordering")
	}
}

func TestTimeUUIDGenerator_TimeOrdering(t *testing.T) {
	gen := NewTimeUUIDGenerator()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	t2 := t1 + 1000

	// Generate the later one first: order must follow the timestamp, not the call order.
	later, err := gen.GenerateAt(t2)
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}
	earlier, err := gen.GenerateAt(t1)
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}

	if earlier.Compare(later) >= 0 {
		t.Errorf("expected id at t1 < id at t2, got %s >= %s", earlier, later)
	}
}

func TestTimeUUIDGenerator_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewTimeUUIDGenerator()
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	var ids []TimeUUID
	for i := 0; i < 100; i++ {
		id, err := gen.GenerateAt(ts)
		if err != nil {
			t.Fatalf("failed to generate time uuid: %v", err)
		}
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i-1].Compare(ids[i]) >= 0 {
			t.Errorf("expected id[%d] < id[%d], got %s >= %s", i-1, i, ids[i-1], ids[i])
		}
	}
}

func TestTimeUUID_Timestamp(t *testing.T) {
	gen := NewTimeUUIDGenerator()
	ts := time.Date(2026, 2, 5, 10, 30, 0, 0, time.UTC)

	id, err := gen.GenerateAt(ts.UnixMilli())
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}

	if id.Timestamp() != ts.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", ts.UnixMilli(), id.Timestamp())
	}
	if !id.Time().Equal(ts) {
		t.Errorf("expected time %v, got %v", ts, id.Time())
	}
}

func TestTimeUUID_LowerBound(t *testing.T) {
	gen := NewTimeUUIDGenerator()
	ms := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	id, err := gen.GenerateAt(ms)
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}

	lower := TimeUUIDLowerBound(ms)
	if lower.Compare(id) > 0 {
		t.Error("lower bound must not exceed generated id of the same millisecond")
	}
	if TimeUUIDLowerBound(ms+1).Compare(id) <= 0 {
		t.Error("lower bound of the next millisecond must exceed the id")
	}
}

func TestTimeUUID_String(t *testing.T) {
	var zero TimeUUID
	if zero.String() != "00000000000000000000000000" {
		t.Errorf("unexpected zero string %q", zero.String())
	}

	gen := NewTimeUUIDGenerator()
	a, _ := gen.GenerateAt(1000)
	b, _ := gen.GenerateAt(2000)
	if len(a.String()) != 26 {
		t.Errorf("expected string length 26, got %d", len(a.String()))
	}
	if a.String() >= b.String() {
		t.Error("string form should sort like the bytes")
	}
}

func TestTimeUUID_BytesRoundTrip(t *testing.T) {
	gen := NewTimeUUIDGenerator()

	id1, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate time uuid: %v", err)
	}

	id2, err := TimeUUIDFromBytes(id1.Bytes())
	if err != nil {
		t.Fatalf("failed to create time uuid from bytes: %v", err)
	}
	if id1 != id2 {
		t.Errorf("round-trip failed: %v != %v", id1, id2)
	}

	if _, err := TimeUUIDFromBytes([]byte("short")); err != ErrInvalidTimeUUIDLength {
		t.Errorf("expected ErrInvalidTimeUUIDLength, got %v", err)
	}
}

func TestTimeUUIDGenerator_RejectsOutOfRange(t *testing.T) {
	gen := NewTimeUUIDGenerator()
	if _, err := gen.GenerateAt(-1); err != ErrTimestampOutOfRange {
		t.Errorf("expected ErrTimestampOutOfRange, got %v", err)
	}
	if _, err := gen.GenerateAt(maxTimestamp + 1); err != ErrTimestampOutOfRange {
		t.Errorf("expected ErrTimestampOutOfRange, got %v", err)
	}
}
