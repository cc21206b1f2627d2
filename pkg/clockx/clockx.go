// Package clockx provides injectable time and ID sources so that scheduling
// and retry logic stay deterministic under test.
package clockx

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Clock abstracts wall time. Components never read time.Now directly.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues entity and job identifiers.
type IDGenerator interface {
	// NewID returns a random UUID for entities.
	NewID() string
	// NewJobID returns a ULID, sortable by creation time.
	NewJobID() string
}

// Real is the production clock and ID source.
type Real struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewReal constructs a Real clock with monotonic ULID entropy.
func NewReal() *Real {
	return &Real{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)} //nolint:gosec // non-cryptographic IDs
}

// Now returns the current wall time in UTC.
func (r *Real) Now() time.Time { return time.Now().UTC() }

// NewID returns a random UUID string.
func (r *Real) NewID() string { return uuid.New().String() }

// NewJobID returns a monotonic ULID string.
func (r *Real) NewJobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

// Fake is a manually advanced clock with sequential IDs for tests.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	seq  int
	seed int64
}

// NewFake constructs a Fake clock frozen at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC(), seed: 1}
}

// Now returns the frozen instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// NewID returns a deterministic sequential UUID-shaped string.
func (f *Fake) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(f.seq), byte(f.seq >> 8)}).String()
}

// NewJobID returns a deterministic ULID derived from the fake time and a
// sequential entropy source.
func (f *Fake) NewJobID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ent := ulid.Monotonic(rand.New(rand.NewSource(f.seed+int64(f.seq))), 0) //nolint:gosec // test determinism
	return ulid.MustNew(ulid.Timestamp(f.now), ent).String()
}
