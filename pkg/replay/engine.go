package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/invariant-systems/chronicle/pkg/audit"
	"github.com/invariant-systems/chronicle/pkg/contract"
	"github.com/invariant-systems/chronicle/pkg/determinism"
	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
)

var (
	ErrFrameHashMismatch        = errors.New("replay: frame content hash mismatch")
	ErrInstructionCountMismatch = errors.New("replay: instruction count mismatch")
	ErrMissingCapability        = errors.New("replay: mode requires a capability function")
)

// InstructionDivergenceError reports the first instruction at which a
// fresh run diverged from the recorded trail.
type InstructionDivergenceError struct {
	Index    int
	Expected audit.Instruction
	Actual   audit.Instruction
}

func (e *InstructionDivergenceError) Error() string {
	return fmt.Sprintf("replay: instruction divergence at index %d: expected %s, got %s",
		e.Index, e.Expected.Kind, e.Actual.Kind)
}

// CapabilityFunc is the re-executable body of a capability. It must
// route all nondeterminism through the supplied context.
type CapabilityFunc func(dc *determinism.Context, args map[string]any) (map[string]any, int, error)

// Request describes one frame to replay.
type Request struct {
	Mode  Mode
	Frame *frame.Frame

	// Recorded is the original run's instruction sequence. When nil,
	// Verify only recomputes hashes and re-runs the capability without
	// comparison, which is the recording pass of a verify workflow.
	Recorded []audit.Instruction

	// Capability is required for Simulate and Audit; Verify re-runs it
	// with execution disabled when present, and otherwise only checks
	// the frame's hash.
	Capability CapabilityFunc

	// View carries the contract limits of the original run. Simulate
	// relaxes them before checking; Verify and Audit leave them alone.
	View *contract.RuntimeView
}

// Result is the outcome of one replay.
type Result struct {
	Mode          Mode
	Output        map[string]any
	ExitCode      int
	Trail         *audit.Trail
	EffectSummary receipt.EffectSummary
	Violations    []contract.UsageViolation
}

// Engine is the single entry point for all replay modes.
type Engine struct {
	logger *slog.Logger
}

func NewEngine() *Engine {
	return &Engine{logger: slog.Default().With("component", "replay")}
}

// Run replays one frame. The mode's capability descriptor is asserted
// here, once, before any work: a verification run gets a context that
// cannot execute, and execution modes fail early without a capability.
func (e *Engine) Run(req Request) (*Result, error) {
	start := time.Now()

	caps, err := req.Mode.Capabilities()
	if err != nil {
		return nil, err
	}
	if req.Frame == nil {
		return nil, errors.New("replay: nil frame")
	}
	if caps.CanExecute && req.Capability == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingCapability, req.Mode)
	}

	ok, err := req.Frame.VerifyHash()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: frame %s", ErrFrameHashMismatch, req.Frame.Metadata.FrameID)
	}

	// Seed exactly as the live run did: from the predecessor frame's
	// content hash carried in the chain field, or from the session
	// identity for a session's first frame. Replayed randomness and
	// clock reads then match the original run.
	seed := determinism.FrameSeed(req.Frame.AttestationChainHash, req.Frame.Metadata.SessionID, req.Frame.CapabilityID)
	clockNS := req.Frame.LogicalClock.WallClockNS
	trail := audit.NewTrail(audit.DefaultCapacity)

	var dc *determinism.Context
	if caps.CanExecute {
		dc = determinism.NewContext(seed, clockNS, trail)
	} else {
		dc = determinism.NewReplayContext(seed, clockNS, trail)
	}

	res := &Result{Mode: req.Mode, Trail: trail}

	if req.Capability != nil {
		output, exitCode, err := req.Capability(dc, req.Frame.InputArgs)
		if err != nil && caps.CanExecute {
			return nil, fmt.Errorf("replay %s: frame %s: %w", req.Mode, req.Frame.Metadata.FrameID, err)
		}
		res.Output = output
		res.ExitCode = exitCode
	}

	switch req.Mode {
	case ModeVerify:
		if req.Recorded != nil {
			if err := compareTrails(req.Recorded, trail.Instructions()); err != nil {
				return nil, err
			}
		}
	case ModeSimulate:
		if req.View != nil {
			usage := contract.UsageFromTrail(trail, time.Since(start))
			res.Violations = req.View.Relaxed().ValidateExecution(
				usage.RuntimeMS, usage.MemoryBytes, usage.IOOps, usage.NetworkBytes)
		}
	case ModeAudit:
		res.EffectSummary = summarizeEffects(trail.Instructions())
	}

	e.logger.Debug("replay complete",
		"mode", req.Mode.String(),
		"frame_id", req.Frame.Metadata.FrameID,
		"instructions", trail.Len(),
	)
	return res, nil
}

// compareTrails reports the first point of divergence between the
// recorded instruction sequence and a fresh one.
func compareTrails(recorded, fresh []audit.Instruction) error {
	if len(recorded) != len(fresh) {
		return fmt.Errorf("%w: recorded %d, fresh %d", ErrInstructionCountMismatch, len(recorded), len(fresh))
	}
	for i := range recorded {
		if !recorded[i].Equal(fresh[i]) {
			return &InstructionDivergenceError{Index: i, Expected: recorded[i], Actual: fresh[i]}
		}
	}
	return nil
}

func summarizeEffects(instructions []audit.Instruction) receipt.EffectSummary {
	files := map[string]struct{}{}
	procs := map[string]struct{}{}
	conns := map[string]struct{}{}
	envs := map[string]struct{}{}

	for _, ins := range instructions {
		switch ins.Kind {
		case audit.KindFileOp:
			if ins.Path != "" {
				files[ins.Path] = struct{}{}
			}
		case audit.KindNetworkOp:
			if ins.Peer != "" {
				conns[ins.Peer] = struct{}{}
			}
		case audit.KindSysCall:
			switch {
			case strings.HasPrefix(ins.Name, "spawn"), strings.HasPrefix(ins.Name, "exec"):
				procs[strings.TrimSpace(ins.Name+" "+strings.Join(ins.Args, " "))] = struct{}{}
			case strings.HasPrefix(ins.Name, "setenv") && len(ins.Args) > 0:
				envs[ins.Args[0]] = struct{}{}
			}
		}
	}

	return receipt.EffectSummary{
		FilesTouched:       sortedKeys(files),
		ProcessesSpawned:   sortedKeys(procs),
		NetworkConnections: sortedKeys(conns),
		EnvVarsModified:    sortedKeys(envs),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
