package concurrent

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invariant-systems/chronicle/pkg/frame"
)

func TestNewSessionRegistry_RejectsNonPowerOfTwo(t *testing.T) {
	for _, n := range []int{0, -1, 3, 6, 1000} {
		_, err := NewSessionRegistry(n)
		require.ErrorIs(t, err, ErrShardCountNotPowerOfTwo, "shards=%d", n)
	}
	for _, n := range []int{1, 2, 16, 256} {
		_, err := NewSessionRegistry(n)
		require.NoError(t, err, "shards=%d", n)
	}
}

func TestSessionRegistry_GetOrCreate(t *testing.T) {
	reg, err := NewSessionRegistry(16)
	require.NoError(t, err)

	h1 := reg.GetOrCreate("session-a")
	h2 := reg.GetOrCreate("session-a")
	require.Same(t, h1, h2)
	require.Equal(t, int64(2), h1.Refs())
	require.Equal(t, 1, reg.Len())

	h1.Release()
	h2.Release()
}

func TestSessionRegistry_GetMissing(t *testing.T) {
	reg, err := NewSessionRegistry(16)
	require.NoError(t, err)

	_, err = reg.Get("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRegistry_EvictRespectsRefs(t *testing.T) {
	reg, err := NewSessionRegistry(16)
	require.NoError(t, err)

	h := reg.GetOrCreate("session-a")
	require.False(t, reg.Evict("session-a"))

	h.Release()
	require.True(t, reg.Evict("session-a"))
	require.Equal(t, 0, reg.Len())
}

func TestSessionRegistry_ConcurrentAccess(t *testing.T) {
	reg, err := NewSessionRegistry(8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("session-%d", i%10)
				h := reg.GetOrCreate(id)
				h.AdvanceClock(int64(i))
				h.Release()
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, 10, reg.Len())
	h, err := reg.Get("session-0")
	require.NoError(t, err)
	defer h.Release()
	// 16 goroutines ticked 20 times each.
	require.Equal(t, uint64(320), h.Clock().LogicalTick)
}

func TestSessionHandle_ClockAndFrameHash(t *testing.T) {
	h := &SessionHandle{SessionID: "s"}

	c := h.AdvanceClock(100)
	require.Equal(t, uint64(1), c.LogicalTick)
	require.Equal(t, int64(100), c.WallClockNS)

	// Wall clock never moves backwards.
	c = h.AdvanceClock(50)
	require.Equal(t, uint64(2), c.LogicalTick)
	require.Equal(t, int64(100), c.WallClockNS)

	h.SetLastFrameHash("abc")
	require.Equal(t, "abc", h.LastFrameHash())
}

func queueFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		FrameSchemaVersion: frame.SchemaVersion,
		CapabilityID:       "cap.test",
		LogicalClock:       frame.LogicalClock{LogicalTick: seq},
		Metadata:           frame.Metadata{FrameID: fmt.Sprintf("f-%d", seq), SessionID: "s"},
	}
}

func TestFrameQueue_FIFO(t *testing.T) {
	q, err := NewFrameQueue(2)
	require.NoError(t, err)

	f1, f2, f3 := queueFrame(1), queueFrame(2), queueFrame(3)

	_, err = q.Enqueue(f1)
	require.NoError(t, err)
	_, err = q.Enqueue(f2)
	require.NoError(t, err)

	rejected, err := q.Enqueue(f3)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Same(t, f3, rejected)

	got, err := q.Dequeue()
	require.NoError(t, err)
	require.Same(t, f1, got)

	_, err = q.Enqueue(f3)
	require.NoError(t, err)

	got, err = q.Dequeue()
	require.NoError(t, err)
	require.Same(t, f2, got)
	got, err = q.Dequeue()
	require.NoError(t, err)
	require.Same(t, f3, got)

	_, err = q.Dequeue()
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestFrameQueue_RejectsNonPowerOfTwo(t *testing.T) {
	_, err := NewFrameQueue(3)
	require.ErrorIs(t, err, ErrCapacityNotPowerOfTwo)
}

func TestFrameQueue_ConcurrentProducersConsumers(t *testing.T) {
	q, err := NewFrameQueue(64)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 500
	total := producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f := queueFrame(uint64(p*perProducer + i))
				for {
					if _, err := q.Enqueue(f); err == nil {
						break
					}
				}
			}
		}(p)
	}

	var consumed sync.WaitGroup
	var count int64
	var mu sync.Mutex
	seen := make(map[string]struct{}, total)
	for c := 0; c < 4; c++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				mu.Lock()
				if count >= int64(total) {
					mu.Unlock()
					return
				}
				mu.Unlock()
				f, err := q.Dequeue()
				if err != nil {
					continue
				}
				mu.Lock()
				seen[f.Metadata.FrameID] = struct{}{}
				count++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	consumed.Wait()
	require.Len(t, seen, total)
	require.Equal(t, 0, q.Len())
}
