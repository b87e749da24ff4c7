package audit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrail_RecordAndLen(t *testing.T) {
	trail := NewTrail(16)
	require.NoError(t, trail.Record(Instruction{Kind: KindClock, TimestampNS: 100}))
	require.NoError(t, trail.Record(Instruction{Kind: KindRandom, Seed: 42, Value: 7, TimestampNS: 100}))
	require.Equal(t, 2, trail.Len())
}

func TestTrail_CapacityExceeded(t *testing.T) {
	trail := NewTrail(2)
	require.NoError(t, trail.Record(Instruction{Kind: KindClock}))
	require.NoError(t, trail.Record(Instruction{Kind: KindClock}))

	err := trail.Record(Instruction{Kind: KindClock})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, trail.Len())
}

func TestTrail_ComputeHashIdempotent(t *testing.T) {
	trail := NewTrail(16)
	require.NoError(t, trail.Record(Instruction{
		Kind: KindFileOp, Op: "read", Path: "/etc/hosts", Data: []byte("127.0.0.1"), TimestampNS: 5,
	}))

	h1, err := trail.ComputeHash()
	require.NoError(t, err)
	h2, err := trail.ComputeHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestTrail_HashChangesWithContent(t *testing.T) {
	a := NewTrail(16)
	b := NewTrail(16)
	require.NoError(t, a.Record(Instruction{Kind: KindRandom, Seed: 1, Value: 2}))
	require.NoError(t, b.Record(Instruction{Kind: KindRandom, Seed: 1, Value: 3}))

	ha, _ := a.ComputeHash()
	hb, _ := b.ComputeHash()
	require.NotEqual(t, ha, hb)
}

func TestTrail_VerifyIntegrity(t *testing.T) {
	trail := NewTrail(16)
	require.NoError(t, trail.Record(Instruction{Kind: KindClock}))
	require.NoError(t, trail.VerifyIntegrity())

	// Simulate a corruption bug: counter drifts from the sequence.
	trail.count.Add(1)
	err := trail.VerifyIntegrity()
	require.ErrorIs(t, err, ErrCountMismatch)
}

func TestTrail_ConcurrentRecord(t *testing.T) {
	trail := NewTrail(1000)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = trail.Record(Instruction{Kind: KindClock, TimestampNS: int64(i)})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1000, trail.Len())
	require.NoError(t, trail.VerifyIntegrity())

	err := trail.Record(Instruction{Kind: KindClock})
	require.True(t, errors.Is(err, ErrCapacityExceeded))
}

func TestInstruction_Equal(t *testing.T) {
	a := Instruction{Kind: KindNetworkOp, NetType: "tcp", Peer: "10.0.0.1:443", Data: []byte("hello"), TimestampNS: 9}
	b := a
	require.True(t, a.Equal(b))

	b.Peer = "10.0.0.2:443"
	require.False(t, a.Equal(b))

	// Payload compared by content hash, so stub-store references match
	// inline payloads with the same bytes.
	c := a
	c.Data = nil
	c.DataHash = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	require.False(t, a.Equal(c)) // "hello\n" hash, deliberately different
}
