package determinism

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invariant-systems/chronicle/pkg/audit"
)

func TestNextLCG_KnownStep(t *testing.T) {
	// 42*1664525 + 1013904223
	require.Equal(t, uint64(1083814273), NextLCG(42))
}

func TestPRNG_SameSeedSameSequence(t *testing.T) {
	draw := func(seed uint64, n int) []uint64 {
		ctx := NewContext(seed, 0, audit.NewTrail(64))
		out := make([]uint64, n)
		for i := range out {
			v, err := ctx.NextRandom()
			require.NoError(t, err)
			out[i] = v
		}
		return out
	}

	first := draw(42, 5)
	second := draw(42, 5)
	require.Equal(t, first, second)

	other := draw(43, 5)
	require.NotEqual(t, first, other)
}

func TestSeedFromHash_Stable(t *testing.T) {
	h := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	require.Equal(t, SeedFromHash(h), SeedFromHash(h))
	require.NotEqual(t, SeedFromHash(h), SeedFromHash(h[:32]+"0"+h[33:]))
}

func TestDeriveChildSeed_LabelSensitive(t *testing.T) {
	require.Equal(t, DeriveChildSeed(7, "a"), DeriveChildSeed(7, "a"))
	require.NotEqual(t, DeriveChildSeed(7, "a"), DeriveChildSeed(7, "b"))
	require.NotEqual(t, DeriveChildSeed(7, "a"), DeriveChildSeed(8, "a"))
}

func TestReadClock_FixedTimestamp(t *testing.T) {
	trail := audit.NewTrail(8)
	ctx := NewContext(1, 1234567890, trail)

	ns, err := ctx.ReadClock()
	require.NoError(t, err)
	require.Equal(t, int64(1234567890), ns)

	ns2, err := ctx.ReadClock()
	require.NoError(t, err)
	require.Equal(t, ns, ns2)
	require.Equal(t, 2, trail.Len())
}

func TestSysCall_RecordsBeforeReturning(t *testing.T) {
	trail := audit.NewTrail(8)
	ctx := NewContext(1, 10, trail)

	result, err := ctx.SysCall("getpid", nil, func() (string, []byte, error) {
		return "4242", nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, "4242", result)

	instrs := trail.Instructions()
	require.Len(t, instrs, 1)
	require.Equal(t, audit.KindSysCall, instrs[0].Kind)
	require.Equal(t, "getpid", instrs[0].Name)
	require.Equal(t, "4242", instrs[0].Result)
}

func TestReplayContext_BlocksIO(t *testing.T) {
	trail := audit.NewTrail(8)
	ctx := NewReplayContext(1, 10, trail)
	require.False(t, ctx.CanExecute())

	executed := false
	_, _, err := ctx.NetworkOp("tcp", "10.0.0.1:443", func() (string, []byte, error) {
		executed = true
		return "ok", nil, nil
	})
	var blocked *ErrExecutionDisabled
	require.True(t, errors.As(err, &blocked))
	require.False(t, executed)

	// The blocked call is still recorded.
	require.Equal(t, 1, trail.Len())
	require.Equal(t, audit.KindNetworkOp, trail.Instructions()[0].Kind)
}

func TestFileOp_RecordsPayloadAndHash(t *testing.T) {
	trail := audit.NewTrail(8)
	ctx := NewContext(1, 10, trail)

	_, data, err := ctx.FileOp("read", "/tmp/x", func() (string, []byte, error) {
		return "ok", []byte("contents"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("contents"), data)

	instr := trail.Instructions()[0]
	require.Equal(t, "read", instr.Op)
	require.Equal(t, []byte("contents"), instr.Data)
	require.NotEmpty(t, instr.DataHash)
}

func TestNetworkOp_RecordsPayloadBytes(t *testing.T) {
	trail := audit.NewTrail(8)
	ctx := NewContext(1, 10, trail)

	_, _, err := ctx.NetworkOp("tcp", "db:5432", func() (string, []byte, error) {
		return "ok", []byte("response body"), nil
	})
	require.NoError(t, err)

	instr := trail.Instructions()[0]
	require.Equal(t, []byte("response body"), instr.Data)
	require.NotEmpty(t, instr.DataHash)
}

func TestFrameSeed_ChainsAndFallsBack(t *testing.T) {
	chained := FrameSeed("abc123", "s-1", "cap.x")
	require.Equal(t, SeedFromHash("abc123"), chained)

	first := FrameSeed("", "s-1", "cap.x")
	require.Equal(t, DeriveChildSeed(SeedFromHash("s-1"), "cap.x"), first)
	require.NotEqual(t, first, FrameSeed("", "s-2", "cap.x"))
	require.NotEqual(t, first, FrameSeed("", "s-1", "cap.y"))
}

func TestTrailOverflow_ReportedByTrailNotPrimitive(t *testing.T) {
	trail := audit.NewTrail(1)
	ctx := NewContext(1, 10, trail)

	_, err := ctx.NextRandom()
	require.NoError(t, err)

	_, err = ctx.NextRandom()
	require.ErrorIs(t, err, audit.ErrCapacityExceeded)
}
