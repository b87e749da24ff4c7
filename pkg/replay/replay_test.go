package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invariant-systems/chronicle/pkg/audit"
	"github.com/invariant-systems/chronicle/pkg/contract"
	"github.com/invariant-systems/chronicle/pkg/determinism"
	"github.com/invariant-systems/chronicle/pkg/frame"
)

func sealedFrame(t *testing.T, seq uint64) *frame.Frame {
	t.Helper()
	f := &frame.Frame{
		FrameSchemaVersion: frame.SchemaVersion,
		CapabilityID:       "cap.test",
		CapabilityVersion:  1,
		QuotaTier:          "standard",
		InputArgs:          map[string]any{"n": "3"},
		LogicalClock:       frame.LogicalClock{LogicalTick: seq, WallClockNS: 1700000000000000000},
		ExitCodeClass:      "success",
		Metadata:           frame.Metadata{FrameID: "f-1", SessionID: "s-1", AgentID: "a-1"},
	}
	require.NoError(t, f.Seal())
	return f
}

// drawingCapability draws three random values and reads the clock.
func drawingCapability(dc *determinism.Context, args map[string]any) (map[string]any, int, error) {
	var last uint64
	for i := 0; i < 3; i++ {
		v, err := dc.NextRandom()
		if err != nil {
			return nil, 1, err
		}
		last = v
	}
	if _, err := dc.ReadClock(); err != nil {
		return nil, 1, err
	}
	return map[string]any{"last": last}, 0, nil
}

func TestModeCapabilities(t *testing.T) {
	caps, err := ModeVerify.Capabilities()
	require.NoError(t, err)
	require.False(t, caps.CanExecute)
	require.False(t, caps.CollectsSideEffects)

	caps, err = ModeSimulate.Capabilities()
	require.NoError(t, err)
	require.True(t, caps.CanExecute)
	require.False(t, caps.CollectsSideEffects)

	caps, err = ModeAudit.Capabilities()
	require.NoError(t, err)
	require.True(t, caps.CanExecute)
	require.True(t, caps.CollectsSideEffects)

	_, err = Mode(99).Capabilities()
	require.Error(t, err)
}

func TestVerify_ReplayEquivalence(t *testing.T) {
	f := sealedFrame(t, 1)
	engine := NewEngine()

	// First pass stands in for the recorded run.
	first, err := engine.Run(Request{Mode: ModeVerify, Frame: f, Capability: drawingCapability})
	require.NoError(t, err)

	// Second pass must reproduce the identical instruction sequence.
	_, err = engine.Run(Request{
		Mode:       ModeVerify,
		Frame:      f,
		Recorded:   first.Trail.Instructions(),
		Capability: drawingCapability,
	})
	require.NoError(t, err)
}

func TestVerify_NoRecordedTrailSkipsComparison(t *testing.T) {
	f := sealedFrame(t, 1)

	// A recording pass carries no prior trail; it must succeed and
	// yield the instruction sequence for later comparison.
	res, err := NewEngine().Run(Request{Mode: ModeVerify, Frame: f, Capability: drawingCapability})
	require.NoError(t, err)
	require.Equal(t, 4, res.Trail.Len())
}

func TestVerify_CountMismatch(t *testing.T) {
	f := sealedFrame(t, 1)
	engine := NewEngine()

	_, err := engine.Run(Request{
		Mode:       ModeVerify,
		Frame:      f,
		Recorded:   []audit.Instruction{{Kind: audit.KindClock}},
		Capability: drawingCapability,
	})
	require.ErrorIs(t, err, ErrInstructionCountMismatch)
}

func TestVerify_Divergence(t *testing.T) {
	f := sealedFrame(t, 1)
	engine := NewEngine()

	first, err := engine.Run(Request{Mode: ModeVerify, Frame: f, Capability: drawingCapability})
	require.NoError(t, err)

	recorded := first.Trail.Instructions()
	recorded[1].Value++

	_, err = engine.Run(Request{
		Mode:       ModeVerify,
		Frame:      f,
		Recorded:   recorded,
		Capability: drawingCapability,
	})
	var div *InstructionDivergenceError
	require.ErrorAs(t, err, &div)
	require.Equal(t, 1, div.Index)
}

func TestVerify_TamperedFrameRejected(t *testing.T) {
	f := sealedFrame(t, 1)
	f.ExitCodeClass = "failure"

	_, err := NewEngine().Run(Request{Mode: ModeVerify, Frame: f})
	require.ErrorIs(t, err, ErrFrameHashMismatch)
}

func TestVerify_ExecutionDisabled(t *testing.T) {
	f := sealedFrame(t, 1)
	blocked := false
	cap := func(dc *determinism.Context, args map[string]any) (map[string]any, int, error) {
		_, err := dc.SysCall("getpid", nil, func() (string, []byte, error) {
			t.Fatal("syscall executed under verify")
			return "", nil, nil
		})
		var disabled *determinism.ErrExecutionDisabled
		blocked = errors.As(err, &disabled)
		return nil, 0, nil
	}

	res, err := NewEngine().Run(Request{Mode: ModeVerify, Frame: f, Capability: cap})
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 1, res.Trail.Len())
}

func TestSimulate_DeterministicAcrossRuns(t *testing.T) {
	f := sealedFrame(t, 1)
	engine := NewEngine()

	view := contract.NewRuntimeView(&contract.Contract{
		CapabilityID: "cap.test",
		Envelope:     contract.ResourceEnvelope{MaxRuntimeMS: contract.Limit(1)},
	})

	r1, err := engine.Run(Request{Mode: ModeSimulate, Frame: f, Capability: drawingCapability, View: view})
	require.NoError(t, err)
	r2, err := engine.Run(Request{Mode: ModeSimulate, Frame: f, Capability: drawingCapability, View: view})
	require.NoError(t, err)

	require.Equal(t, r1.Output, r2.Output)
	require.Empty(t, r1.Violations)
}

func TestSimulate_ReportsGrossOverrun(t *testing.T) {
	f := sealedFrame(t, 1)
	view := contract.NewRuntimeView(&contract.Contract{
		CapabilityID: "cap.test",
		Envelope:     contract.ResourceEnvelope{MaxIOOps: contract.Limit(0)},
	})

	cap := func(dc *determinism.Context, args map[string]any) (map[string]any, int, error) {
		if _, _, err := dc.FileOp("read", "/etc/hosts", func() (string, []byte, error) {
			return "ok", []byte("body"), nil
		}); err != nil {
			return nil, 1, err
		}
		return map[string]any{}, 0, nil
	}

	res, err := NewEngine().Run(Request{Mode: ModeSimulate, Frame: f, Capability: cap, View: view})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, contract.ViolationIOOpsExceeded, res.Violations[0].Kind)
}

func TestSimulate_RequiresCapability(t *testing.T) {
	f := sealedFrame(t, 1)
	_, err := NewEngine().Run(Request{Mode: ModeSimulate, Frame: f})
	require.ErrorIs(t, err, ErrMissingCapability)
}

func TestAudit_CollectsEffectSummary(t *testing.T) {
	f := sealedFrame(t, 1)
	cap := func(dc *determinism.Context, args map[string]any) (map[string]any, int, error) {
		if _, _, err := dc.FileOp("write", "/tmp/out.txt", func() (string, []byte, error) {
			return "ok", []byte("data"), nil
		}); err != nil {
			return nil, 1, err
		}
		if _, _, err := dc.NetworkOp("tcp", "db.internal:5432", nil); err != nil {
			return nil, 1, err
		}
		if _, err := dc.SysCall("spawn", []string{"worker"}, nil); err != nil {
			return nil, 1, err
		}
		return map[string]any{}, 0, nil
	}

	res, err := NewEngine().Run(Request{Mode: ModeAudit, Frame: f, Capability: cap})
	require.NoError(t, err)
	require.Equal(t, []string{"/tmp/out.txt"}, res.EffectSummary.FilesTouched)
	require.Equal(t, []string{"db.internal:5432"}, res.EffectSummary.NetworkConnections)
	require.Equal(t, []string{"spawn worker"}, res.EffectSummary.ProcessesSpawned)
}

type sliceSource struct {
	frames []*frame.Frame
	pos    int
}

func (s *sliceSource) Next(max int) ([]*frame.Frame, error) {
	if s.pos >= len(s.frames) {
		return nil, nil
	}
	end := s.pos + max
	if end > len(s.frames) {
		end = len(s.frames)
	}
	batch := s.frames[s.pos:end]
	s.pos = end
	return batch, nil
}

func TestBatchExecutor_ProcessesAllFrames(t *testing.T) {
	frames := make([]*frame.Frame, 7)
	for i := range frames {
		frames[i] = sealedFrame(t, uint64(i+1))
	}

	exec := NewBatchExecutor(NewEngine(), 3, 0)
	n, err := exec.Run(context.Background(), &sliceSource{frames: frames}, func(f *frame.Frame) Request {
		return Request{Mode: ModeVerify, Frame: f, Capability: drawingCapability}
	})
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestBatchExecutor_SequentialAndBounded(t *testing.T) {
	frames := make([]*frame.Frame, 7)
	for i := range frames {
		frames[i] = sealedFrame(t, uint64(i+1))
	}

	var order []string
	exec := NewBatchExecutor(NewEngine(), 3, 5)
	n, err := exec.Run(context.Background(), &sliceSource{frames: frames}, func(f *frame.Frame) Request {
		order = append(order, f.Metadata.FrameID)
		return Request{Mode: ModeVerify, Frame: f}
	})
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, order, 5)
}

func TestBatchExecutor_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewBatchExecutor(NewEngine(), 3, 0)
	_, err := exec.Run(ctx, &sliceSource{}, func(f *frame.Frame) Request {
		return Request{Mode: ModeVerify, Frame: f}
	})
	require.ErrorIs(t, err, context.Canceled)
}
