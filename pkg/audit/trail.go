package audit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/invariant-systems/chronicle/pkg/canonical"
)

// DefaultCapacity bounds a trail when no explicit capacity is configured.
const DefaultCapacity = 65536

// ErrCapacityExceeded is returned by Record when the trail bound is
// reached. The trail is capped, not evicting: the invocation is expected
// to terminate instead of silently dropping history.
var ErrCapacityExceeded = errors.New("audit trail capacity exceeded")

// ErrCountMismatch is returned by VerifyIntegrity when the atomic record
// counter disagrees with the physical sequence length. This detects
// concurrent-corruption bugs, not adversarial tampering.
var ErrCountMismatch = errors.New("audit trail count mismatch")

// Trail is the ordered, size-bounded sequence of instructions owned by
// one invocation. Appends are atomic; the recorded count always equals
// the sequence length.
type Trail struct {
	mu           sync.Mutex
	capacity     int
	count        atomic.Uint64
	instructions []Instruction
}

// NewTrail creates a trail bounded to capacity instructions.
// A capacity of zero or less uses DefaultCapacity.
func NewTrail(capacity int) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trail{
		capacity:     capacity,
		instructions: make([]Instruction, 0, min(capacity, 1024)),
	}
}

// Record appends an instruction, incrementing the atomic counter.
// Fails with ErrCapacityExceeded once the bound is reached.
func (t *Trail) Record(instr Instruction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.instructions) >= t.capacity {
		return fmt.Errorf("%w: capacity=%d", ErrCapacityExceeded, t.capacity)
	}
	t.instructions = append(t.instructions, instr)
	t.count.Add(1)
	return nil
}

// Len returns the number of recorded instructions.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instructions)
}

// Capacity returns the trail bound.
func (t *Trail) Capacity() int {
	return t.capacity
}

// Instructions returns a copy of the recorded sequence.
func (t *Trail) Instructions() []Instruction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Instruction, len(t.instructions))
	copy(out, t.instructions)
	return out
}

// ComputeHash serializes the full sequence to canonical form and returns
// the hex-encoded SHA-256 digest. A pure function of the sequence: two
// trails with identical instructions hash identically.
func (t *Trail) ComputeHash() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return canonical.Hash(t.instructions)
}

// VerifyIntegrity fails with ErrCountMismatch if the atomic counter
// disagrees with the physical sequence length.
func (t *Trail) VerifyIntegrity() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if got, want := t.count.Load(), uint64(len(t.instructions)); got != want {
		return fmt.Errorf("%w: counter=%d sequence=%d", ErrCountMismatch, got, want)
	}
	return nil
}
