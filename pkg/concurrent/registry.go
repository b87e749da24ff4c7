// Package concurrent holds the kernel's hot-path shared structures: the
// sharded session registry and the bounded lock-free frame queue. Both
// are built to avoid a single global lock, since invocation throughput
// is dominated by registry lookups and queue operations.
package concurrent

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/invariant-systems/chronicle/pkg/frame"
)

const DefaultShardCount = 16

var (
	ErrShardCountNotPowerOfTwo = errors.New("registry: shard count must be a power of two")
	ErrSessionNotFound         = errors.New("registry: session not found")
)

// SessionHandle is the shared per-session state. It is reference
// counted: Acquire pins it, Release unpins; the registry evicts a
// session only when its count drops to zero.
type SessionHandle struct {
	SessionID string

	refs atomic.Int64

	mu            sync.Mutex
	clock         frame.LogicalClock
	lastFrameHash string
}

// Acquire pins the handle against eviction.
func (h *SessionHandle) Acquire() { h.refs.Add(1) }

// Release unpins the handle. Returns the remaining reference count.
func (h *SessionHandle) Release() int64 { return h.refs.Add(-1) }

// Refs reports the current pin count.
func (h *SessionHandle) Refs() int64 { return h.refs.Load() }

// AdvanceClock ticks the session's logical clock against the given wall
// time and returns the resulting clock value.
func (h *SessionHandle) AdvanceClock(wallClockNS int64) frame.LogicalClock {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock.Tick()
	if wallClockNS > h.clock.WallClockNS {
		h.clock.WallClockNS = wallClockNS
	}
	return h.clock
}

// Observe folds a persisted clock in without ticking, so a fresh handle
// resumes after the session's last stored frame.
func (h *SessionHandle) Observe(other frame.LogicalClock) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if other.LogicalTick > h.clock.LogicalTick {
		h.clock.LogicalTick = other.LogicalTick
	}
	if other.WallClockNS > h.clock.WallClockNS {
		h.clock.WallClockNS = other.WallClockNS
	}
}

// Clock returns the session's current logical clock.
func (h *SessionHandle) Clock() frame.LogicalClock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

// SetLastFrameHash records the content hash of the most recently sealed
// frame for this session.
func (h *SessionHandle) SetLastFrameHash(hash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastFrameHash = hash
}

// LastFrameHash returns the content hash of the most recently sealed
// frame, or empty if no frame has been sealed yet.
func (h *SessionHandle) LastFrameHash() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFrameHash
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*SessionHandle
}

// SessionRegistry maps session ids to shared handles across a fixed
// number of independently locked shards. An operation locks exactly one
// shard, which rules out lock-ordering deadlocks.
type SessionRegistry struct {
	shards []*registryShard
	mask   uint32
}

// NewSessionRegistry builds a registry with the given shard count,
// which must be a power of two.
func NewSessionRegistry(shardCount int) (*SessionRegistry, error) {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrShardCountNotPowerOfTwo, shardCount)
	}
	shards := make([]*registryShard, shardCount)
	for i := range shards {
		shards[i] = &registryShard{sessions: make(map[string]*SessionHandle)}
	}
	return &SessionRegistry{shards: shards, mask: uint32(shardCount - 1)}, nil
}

// shardFor hashes the first four bytes of the id and masks into the
// shard table. Short ids hash whatever bytes they have.
func (r *SessionRegistry) shardFor(id string) *registryShard {
	prefix := id
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	h := fnv.New32a()
	h.Write([]byte(prefix))
	return r.shards[h.Sum32()&r.mask]
}

// GetOrCreate returns the handle for the session, creating it when
// absent. The returned handle is acquired; callers must Release it.
func (r *SessionRegistry) GetOrCreate(sessionID string) *SessionHandle {
	shard := r.shardFor(sessionID)

	shard.mu.RLock()
	if h, ok := shard.sessions[sessionID]; ok {
		h.Acquire()
		shard.mu.RUnlock()
		return h
	}
	shard.mu.RUnlock()

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if h, ok := shard.sessions[sessionID]; ok {
		h.Acquire()
		return h
	}
	h := &SessionHandle{SessionID: sessionID}
	h.Acquire()
	shard.sessions[sessionID] = h
	return h
}

// Get returns the handle for an existing session, acquired, or
// ErrSessionNotFound.
func (r *SessionRegistry) Get(sessionID string) (*SessionHandle, error) {
	shard := r.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	h, ok := shard.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	h.Acquire()
	return h, nil
}

// Evict removes the session if no invocation currently holds it.
// Returns true when the session was removed.
func (r *SessionRegistry) Evict(sessionID string) bool {
	shard := r.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	h, ok := shard.sessions[sessionID]
	if !ok || h.Refs() > 0 {
		return false
	}
	delete(shard.sessions, sessionID)
	return true
}

// Len counts sessions across all shards.
func (r *SessionRegistry) Len() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}
