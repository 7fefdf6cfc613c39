// Package clock isolates the wall-clock time source and ID generation so
// the rest of the orchestration core can be driven deterministically in
// tests.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Production code uses Real; tests use a
// Fake that can be advanced explicitly.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces new entity identifiers.
type IDGenerator interface {
	NewID() string
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// UUIDGenerator is the production IDGenerator, backed by google/uuid.
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Fake is a settable Clock for tests. The zero value reports the zero
// time.Time (January 1, year 1, UTC); call Set or Advance to move it.
type Fake struct {
	now time.Time
}

// NewFake returns a Fake clock set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time { return f.now }

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) { f.now = t }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.now = f.now.Add(d) }

// SequentialIDs is a deterministic IDGenerator for tests: it returns
// "00000000-0000-0000-0000-%012d" with an incrementing counter so assertions
// can reference IDs by call order.
type SequentialIDs struct {
	n int
}

// NewID returns the next sequential fake UUID.
func (s *SequentialIDs) NewID() string {
	s.n++
	return uuid.Nil.String()[:24] + padID(s.n)
}

func padID(n int) string {
	const width = 12
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	for len(digits) < width {
		digits = append([]byte{'0'}, digits...)
	}
	return string(digits)
}
