package determinism

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/invariant-systems/chronicle/pkg/audit"
)

// IOFunc performs a real external operation and returns its result.
// It is only invoked when the owning Context permits execution.
type IOFunc func() (result string, data []byte, err error)

// ErrExecutionDisabled is wrapped into errors returned by I/O primitives
// when the context forbids real execution (verification-only replay).
type ErrExecutionDisabled struct {
	Op string
}

func (e *ErrExecutionDisabled) Error() string {
	return fmt.Sprintf("determinism: %s blocked, execution disabled in this context", e.Op)
}

// Context substitutes wall-clock time, randomness, and external I/O for
// one invocation. Every call mutates the owning audit trail. The
// primitives themselves never fail: trail overflow is reported by the
// trail and surfaced to the caller unchanged.
//
// The context is exclusively owned by the invocation that created it and
// is not safe for sharing across invocations.
type Context struct {
	mu      sync.Mutex
	seed    uint64
	clockNS int64
	trail   *audit.Trail

	// execute gates real I/O: false under verification-only replay,
	// true during live execution and Simulate/Audit replay.
	execute bool
}

// NewContext creates a live execution context. The seed is typically
// derived from the previous frame's content hash via SeedFromHash; the
// clock is the fixed wall-clock reading taken at invocation start.
func NewContext(seed uint64, clockNS int64, trail *audit.Trail) *Context {
	return &Context{seed: seed, clockNS: clockNS, trail: trail, execute: true}
}

// NewReplayContext creates a context that records but never performs
// real I/O. Used by the replay engine under Verify mode.
func NewReplayContext(seed uint64, clockNS int64, trail *audit.Trail) *Context {
	return &Context{seed: seed, clockNS: clockNS, trail: trail}
}

// CanExecute reports whether the context permits real I/O.
func (c *Context) CanExecute() bool {
	return c.execute
}

// Seed returns the current generator state.
func (c *Context) Seed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seed
}

// NextRandom advances the LCG and returns the new value, recording a
// RANDOM instruction with the pre-advance seed.
func (c *Context) NextRandom() (uint64, error) {
	c.mu.Lock()
	prev := c.seed
	c.seed = NextLCG(c.seed)
	value := c.seed
	c.mu.Unlock()

	err := c.trail.Record(audit.Instruction{
		Kind:        audit.KindRandom,
		Seed:        prev,
		Value:       value,
		TimestampNS: c.clockNS,
	})
	return value, err
}

// ReadClock returns the fixed invocation timestamp, never the system
// clock, recording a CLOCK instruction.
func (c *Context) ReadClock() (int64, error) {
	err := c.trail.Record(audit.Instruction{
		Kind:        audit.KindClock,
		TimestampNS: c.clockNS,
	})
	return c.clockNS, err
}

// MemAlloc records an allocation event.
func (c *Context) MemAlloc(size, address uint64) error {
	return c.trail.Record(audit.Instruction{
		Kind:        audit.KindMemAlloc,
		Size:        size,
		Address:     address,
		TimestampNS: c.clockNS,
	})
}

// SysCall performs fn (when execution is permitted) and appends the call
// and its result to the trail before returning control to the caller.
func (c *Context) SysCall(name string, args []string, fn IOFunc) (string, error) {
	result, _, execErr := c.perform("syscall "+name, fn)
	if recErr := c.trail.Record(audit.Instruction{
		Kind:        audit.KindSysCall,
		Name:        name,
		Args:        args,
		Result:      result,
		TimestampNS: c.clockNS,
	}); recErr != nil {
		return result, recErr
	}
	return result, execErr
}

// FileOp performs a file operation through fn and records it with the
// payload bytes and their content hash.
func (c *Context) FileOp(op, path string, fn IOFunc) (string, []byte, error) {
	result, data, execErr := c.perform(fmt.Sprintf("file %s %s", op, path), fn)
	if recErr := c.trail.Record(audit.Instruction{
		Kind:        audit.KindFileOp,
		Op:          op,
		Path:        path,
		Result:      result,
		Data:        data,
		DataHash:    hashPayload(data),
		TimestampNS: c.clockNS,
	}); recErr != nil {
		return result, data, recErr
	}
	return result, data, execErr
}

// NetworkOp performs a network operation through fn and records it with
// the payload bytes and their content hash.
func (c *Context) NetworkOp(netType, peer string, fn IOFunc) (string, []byte, error) {
	result, data, execErr := c.perform(fmt.Sprintf("network %s %s", netType, peer), fn)
	if recErr := c.trail.Record(audit.Instruction{
		Kind:        audit.KindNetworkOp,
		NetType:     netType,
		Peer:        peer,
		Result:      result,
		Data:        data,
		DataHash:    hashPayload(data),
		TimestampNS: c.clockNS,
	}); recErr != nil {
		return result, data, recErr
	}
	return result, data, execErr
}

func (c *Context) perform(op string, fn IOFunc) (string, []byte, error) {
	if !c.execute {
		return "", nil, &ErrExecutionDisabled{Op: op}
	}
	if fn == nil {
		return "", nil, nil
	}
	return fn()
}

func hashPayload(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
