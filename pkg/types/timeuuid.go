package types

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// maxTimestamp is the largest millisecond value representable in 48 bits.
const maxTimestamp = 1<<48 - 1

// TimeUUID is a 128-bit time-ordered identifier used as the column name of
// timeline entries. Layout: 48-bit big-endian millisecond timestamp followed by
// an 80-bit component that increases monotonically within one millisecond.
// Bytewise order of two TimeUUIDs is therefore time order, with ties on the
// same millisecond broken by generation order.
type TimeUUID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U to avoid confusion)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// TimeUUIDGenerator generates TimeUUIDs that never repeat within a millisecond.
//
// TimeUUIDGenerator is safe for concurrent use.
type TimeUUIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewTimeUUIDGenerator creates a new generator.
func NewTimeUUIDGenerator() *TimeUUIDGenerator {
	return &TimeUUIDGenerator{}
}

// Generate creates a TimeUUID for the current wall clock.
func (g *TimeUUIDGenerator) Generate() (TimeUUID, error) {
	return g.GenerateAt(time.Now().UnixMilli())
}

// GenerateAt creates a TimeUUID for the given epoch milliseconds. Consecutive
// calls with the same millisecond return strictly increasing ids.
func (g *TimeUUIDGenerator) GenerateAt(ms int64) (TimeUUID, error) {
	if ms < 0 || ms > maxTimestamp {
		return TimeUUID{}, ErrTimestampOutOfRange
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := uint64(ms)
	id := TimeUUIDLowerBound(ms)

	if timestamp == g.lastTimestamp {
		g.incrementRandom()
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return TimeUUID{}, err
		}
		// Keep headroom so increments inside one millisecond do not wrap.
		g.lastRandom[0] &= 0x7F
		g.lastTimestamp = timestamp
	}
	copy(id[6:], g.lastRandom[:])

	return id, nil
}

// incrementRandom adds one to the 80-bit component as a big-endian integer.
func (g *TimeUUIDGenerator) incrementRandom() {
	for i := 9; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			break
		}
	}
}

// TimeUUIDLowerBound returns the smallest TimeUUID carrying timestamp ms.
// It is used as an inclusive range bound when scanning timeline rows.
func TimeUUIDLowerBound(ms int64) TimeUUID {
	var id TimeUUID
	if ms < 0 {
		return id
	}
	if ms > maxTimestamp {
		ms = maxTimestamp
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ms))
	copy(id[0:6], ts[2:8])
	return id
}

// Bytes returns the TimeUUID as a byte slice.
func (u TimeUUID) Bytes() []byte {
	return u[:]
}

// Timestamp returns the timestamp component as Unix milliseconds.
func (u TimeUUID) Timestamp() int64 {
	var ts [8]byte
	copy(ts[2:8], u[0:6])
	return int64(binary.BigEndian.Uint64(ts[:]))
}

// Time returns the timestamp component as a time.Time.
func (u TimeUUID) Time() time.Time {
	return time.UnixMilli(u.Timestamp()).UTC()
}

// String returns the TimeUUID as a 26-character Crockford Base32 string.
func (u TimeUUID) String() string {
	var buf [26]byte
	hi := binary.BigEndian.Uint64(u[0:8])
	lo := binary.BigEndian.Uint64(u[8:16])
	for i := 25; i >= 0; i-- {
		buf[i] = crockfordBase32[lo&31]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(buf[:])
}

// Compare compares two TimeUUIDs bytewise.
// Returns -1 if u < other, 0 if u == other, 1 if u > other.
func (u TimeUUID) Compare(other TimeUUID) int {
	for i := 0; i < 16; i++ {
		if u[i] < other[i] {
			return -1
		}
		if u[i] > other[i] {
			return 1
		}
	}
	return 0
}

// TimeUUIDFromBytes creates a TimeUUID from a 16-byte slice.
func TimeUUIDFromBytes(b []byte) (TimeUUID, error) {
	if len(b) != 16 {
		return TimeUUID{}, ErrInvalidTimeUUIDLength
	}
	var id TimeUUID
	copy(id[:], b)
	return id, nil
}
