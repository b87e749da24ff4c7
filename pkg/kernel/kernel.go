// Package kernel coordinates one capability invocation end to end:
// admission, contract binding, deterministic execution, frame sealing,
// and receipt emission. It owns no storage and no keys; both come in as
// collaborators.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invariant-systems/chronicle/pkg/audit"
	"github.com/invariant-systems/chronicle/pkg/canonical"
	"github.com/invariant-systems/chronicle/pkg/concurrent"
	"github.com/invariant-systems/chronicle/pkg/contract"
	"github.com/invariant-systems/chronicle/pkg/determinism"
	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
	"github.com/invariant-systems/chronicle/pkg/replay"
	"github.com/invariant-systems/chronicle/pkg/signing"
	"github.com/invariant-systems/chronicle/pkg/store"
)

// KernelVersion is checked against contract engine constraints at
// registration time.
const KernelVersion = "1.0.0"

// Exit codes surfaced to the dispatch layer.
const (
	ExitSuccess           = 0
	ExitCapabilityFailure = 1
	ExitContractViolation = 2
	ExitAdmissionDenied   = 3
	ExitInternalError     = 4
)

var (
	ErrUnknownCapability = errors.New("kernel: unknown capability")
	ErrOperationDenied   = errors.New("kernel: operation denied by contract")
)

// Invocation is one request from the dispatch layer.
type Invocation struct {
	CapabilityID      string
	CapabilityVersion int
	SessionID         string
	TenantID          string
	AgentID           string
	NounID            string
	VerbID            string
	Args              map[string]any
	Env               map[string]string
	RequestedOps      []string
	QuotaTier         string
	PolicyID          string
	PolicyVersion     int
	Tags              []string
}

// InvokeResult carries the outcome back to the dispatch layer.
type InvokeResult struct {
	ExitCode    int
	Receipt     *receipt.Receipt
	Frame       *frame.Frame
	Attestation string
	Violations  []contract.UsageViolation
	Invariants  []contract.InvariantResult

	// Trail is the live run's recorded instruction sequence, the
	// Recorded input for a later verification replay of Frame.
	Trail *audit.Trail
}

// Metrics receives invocation outcomes. Implemented by the
// observability package; a nil Metrics disables reporting.
type Metrics interface {
	RecordInvocation(ctx context.Context, capabilityID string, success bool, duration time.Duration)
}

// Options wires the kernel's collaborators.
type Options struct {
	Contracts     contract.Registry
	Store         store.Store
	Stubs         store.StubStore
	Signer        signing.Signer
	Limiter       LimiterStore
	LimiterPolicy LimiterPolicy
	Metrics       Metrics

	ShardCount    int
	QueueCapacity int
	TrailCapacity int

	// Clock overrides wall-clock reads, for tests.
	Clock func() time.Time

	Logger *slog.Logger
}

// Kernel is the execution coordinator. Safe for concurrent use.
type Kernel struct {
	contracts contract.Registry
	store     store.Store
	stubs     store.StubStore
	signer    signing.Signer
	limiter   LimiterStore
	policy    LimiterPolicy
	metrics   Metrics

	sessions  *concurrent.SessionRegistry
	queue     *concurrent.FrameQueue
	evaluator *contract.InvariantEvaluator

	trailCapacity int
	clock         func() time.Time
	logger        *slog.Logger

	capabilities map[string]replay.CapabilityFunc
}

// New builds a kernel from options. Contracts and Store are required.
func New(opts Options) (*Kernel, error) {
	if opts.Contracts == nil {
		return nil, errors.New("kernel: contract registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("kernel: store is required")
	}
	shardCount := opts.ShardCount
	if shardCount <= 0 {
		shardCount = concurrent.DefaultShardCount
	}
	sessions, err := concurrent.NewSessionRegistry(shardCount)
	if err != nil {
		return nil, err
	}
	queueCapacity := opts.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	queue, err := concurrent.NewFrameQueue(queueCapacity)
	if err != nil {
		return nil, err
	}
	evaluator, err := contract.NewInvariantEvaluator()
	if err != nil {
		return nil, err
	}
	trailCapacity := opts.TrailCapacity
	if trailCapacity <= 0 {
		trailCapacity = audit.DefaultCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "kernel")
	}
	return &Kernel{
		contracts:     opts.Contracts,
		store:         opts.Store,
		stubs:         opts.Stubs,
		signer:        opts.Signer,
		limiter:       opts.Limiter,
		policy:        opts.LimiterPolicy,
		metrics:       opts.Metrics,
		sessions:      sessions,
		queue:         queue,
		evaluator:     evaluator,
		trailCapacity: trailCapacity,
		clock:         clock,
		logger:        logger,
		capabilities:  make(map[string]replay.CapabilityFunc),
	}, nil
}

// RegisterCapability binds an executable body to a capability id.
func (k *Kernel) RegisterCapability(capabilityID string, fn replay.CapabilityFunc) {
	k.capabilities[capabilityID] = fn
}

// Queue exposes the sealed-frame queue for downstream consumers.
func (k *Kernel) Queue() *concurrent.FrameQueue { return k.queue }

// Invoke runs one capability invocation end to end. The returned exit
// code is also available on the result; a non-nil error means the
// invocation produced no frame and no receipt.
func (k *Kernel) Invoke(ctx context.Context, inv *Invocation) (*InvokeResult, error) {
	start := time.Now()

	if k.limiter != nil {
		actor := inv.TenantID
		if actor == "" {
			actor = inv.AgentID
		}
		if err := Admit(ctx, k.limiter, actor, k.policy); err != nil {
			k.logger.Warn("admission denied", "capability", inv.CapabilityID, "actor", actor, "error", err)
			return &InvokeResult{ExitCode: ExitAdmissionDenied}, err
		}
	}

	fn, ok := k.capabilities[inv.CapabilityID]
	if !ok {
		return &InvokeResult{ExitCode: ExitInternalError}, fmt.Errorf("%w: %s", ErrUnknownCapability, inv.CapabilityID)
	}

	c, err := k.contracts.Lookup(inv.CapabilityID, inv.CapabilityVersion)
	if err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}
	view := contract.NewRuntimeView(c)

	// Every requested operation must clear the contract before any
	// execution happens.
	for _, op := range inv.RequestedOps {
		if v := view.CheckOperation(op); v != nil {
			return &InvokeResult{
				ExitCode:   ExitContractViolation,
				Violations: []contract.UsageViolation{*v},
			}, fmt.Errorf("%w: %s", ErrOperationDenied, op)
		}
	}

	handle := k.sessions.GetOrCreate(inv.SessionID)
	defer handle.Release()

	previous, err := k.store.GetPreviousFrame(ctx, inv.SessionID)
	if err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}

	seed := k.deriveSeed(inv, previous)
	wallNS := k.frameWallClock(previous)
	trail := audit.NewTrail(k.trailCapacity)
	dc := determinism.NewContext(seed, wallNS, trail)

	output, capExit, capErr := fn(dc, inv.Args)
	elapsed := time.Since(start)

	usage := contract.UsageFromTrail(trail, elapsed)
	violations := view.ValidateExecution(usage.RuntimeMS, usage.MemoryBytes, usage.IOOps, usage.NetworkBytes)
	invariants := k.evaluator.Evaluate(c, usage)

	if err := trail.VerifyIntegrity(); err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}
	if k.stubs != nil {
		if err := k.archivePayloads(ctx, trail); err != nil {
			return &InvokeResult{ExitCode: ExitInternalError}, err
		}
	}
	trailHash, err := trail.ComputeHash()
	if err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}

	f, err := k.buildFrame(inv, previous, handle, wallNS, output, trailHash, trail.Len(), capExit, capErr)
	if err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}
	if err := k.store.AppendFrame(ctx, f); err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}
	handle.SetLastFrameHash(f.ContentHash)

	if rejected, err := k.queue.Enqueue(f); err != nil {
		// Consumers are behind; the frame is already durable.
		k.logger.Warn("frame queue full", "frame_id", rejected.Metadata.FrameID)
	}

	rcpt, attestation, err := k.emitReceipt(ctx, inv, f, capExit, capErr, violations, invariants)
	if err != nil {
		return &InvokeResult{ExitCode: ExitInternalError}, err
	}

	exitCode := k.exitCode(capExit, capErr, rcpt.Success)
	if k.metrics != nil {
		k.metrics.RecordInvocation(ctx, inv.CapabilityID, rcpt.Success, elapsed)
	}
	k.logger.Info("invocation complete",
		"capability", inv.CapabilityID,
		"session", inv.SessionID,
		"exit_code", exitCode,
		"success", rcpt.Success,
		"violations", len(violations),
	)

	return &InvokeResult{
		ExitCode:    exitCode,
		Receipt:     rcpt,
		Frame:       f,
		Attestation: attestation,
		Violations:  violations,
		Invariants:  invariants,
		Trail:       trail,
	}, nil
}

// deriveSeed chains determinism across a session: each frame's seed
// comes from its predecessor's content hash, and the first frame's from
// the session identity. The replay engine derives the same seed from
// the sealed frame's chain field.
func (k *Kernel) deriveSeed(inv *Invocation, previous *frame.Frame) uint64 {
	var chainHash string
	if previous != nil {
		chainHash = previous.ContentHash
	}
	return determinism.FrameSeed(chainHash, inv.SessionID, inv.CapabilityID)
}

// frameWallClock reads the clock, clamping the advance over the
// previous frame so consecutive frames always satisfy the skew bound.
func (k *Kernel) frameWallClock(previous *frame.Frame) int64 {
	now := k.clock().UnixNano()
	if previous == nil {
		return now
	}
	prev := previous.LogicalClock.WallClockNS
	if now < prev {
		return prev
	}
	if now-prev > frame.MaxClockSkewNS {
		return prev + frame.MaxClockSkewNS
	}
	return now
}

func (k *Kernel) buildFrame(inv *Invocation, previous *frame.Frame, handle *concurrent.SessionHandle, wallNS int64, output map[string]any, trailHash string, trailLen int, capExit int, capErr error) (*frame.Frame, error) {
	// A fresh handle (after restart) resumes behind the stored log;
	// fold the persisted clock in before ticking.
	if previous != nil {
		handle.Observe(previous.LogicalClock)
	}
	clock := handle.AdvanceClock(wallNS)

	exitClass := "success"
	if capErr != nil || capExit != 0 {
		exitClass = "failure"
	}

	var chainHash string
	if previous != nil {
		chainHash = previous.ContentHash
	}

	outputResult := output
	if capErr != nil {
		outputResult = map[string]any{"error": capErr.Error()}
	}

	f := &frame.Frame{
		FrameSchemaVersion:   frame.SchemaVersion,
		NounID:               inv.NounID,
		VerbID:               inv.VerbID,
		CapabilityID:         inv.CapabilityID,
		CapabilityVersion:    inv.CapabilityVersion,
		AttestationChainHash: chainHash,
		QuotaTier:            inv.QuotaTier,
		QuotaFootprint:       map[string]any{"trail_instructions": trailLen},
		InputArgs:            inv.Args,
		EnvVars:              inv.Env,
		LogicalClock:         clock,
		OutputResult:         outputResult,
		ExitCodeClass:        exitClass,
		TelemetryProfile:     map[string]any{"trail_hash": trailHash},
		Metadata: frame.Metadata{
			FrameID:   uuid.NewString(),
			SessionID: inv.SessionID,
			AgentID:   inv.AgentID,
			Tags:      inv.Tags,
		},
	}
	f.NormalizeEnv()

	if err := f.ValidateAgainstPrevious(previous); err != nil {
		return nil, fmt.Errorf("kernel: frame validation: %w", err)
	}
	if err := f.Seal(); err != nil {
		return nil, err
	}
	return f, nil
}

// archivePayloads copies instruction payloads into the content store.
// The trail carries only hashes of large bodies; replays and audits
// fetch the bytes from here.
func (k *Kernel) archivePayloads(ctx context.Context, trail *audit.Trail) error {
	for _, ins := range trail.Instructions() {
		if len(ins.Data) == 0 {
			continue
		}
		if _, err := k.stubs.Put(ctx, ins.Data); err != nil {
			return fmt.Errorf("kernel: archive payload: %w", err)
		}
	}
	return nil
}

func (k *Kernel) emitReceipt(ctx context.Context, inv *Invocation, f *frame.Frame, capExit int, capErr error, violations []contract.UsageViolation, invariants []contract.InvariantResult) (*receipt.Receipt, string, error) {
	success := capErr == nil && capExit == 0 && len(violations) == 0
	for _, res := range invariants {
		if res.Blocking() {
			success = false
		}
	}

	invocationHash, err := canonical.Hash(map[string]any{
		"capability_id": inv.CapabilityID,
		"session_id":    inv.SessionID,
		"tenant_id":     inv.TenantID,
		"agent_id":      inv.AgentID,
		"args":          inv.Args,
	})
	if err != nil {
		return nil, "", err
	}

	r := &receipt.Receipt{
		ReceiptID:                 uuid.NewString(),
		CapabilityID:              inv.CapabilityID,
		CapabilityVersion:         inv.CapabilityVersion,
		TenantID:                  inv.TenantID,
		AgentID:                   inv.AgentID,
		InvocationAttestationHash: invocationHash,
		QuotaTier:                 inv.QuotaTier,
		QuotaFootprint:            f.QuotaFootprint,
		PolicyID:                  inv.PolicyID,
		PolicyVersion:             inv.PolicyVersion,
		ExitCode:                  capExit,
		Success:                   success,
		Tags:                      inv.Tags,
		TimestampNS:               f.LogicalClock.WallClockNS,
	}

	parent, err := k.store.GetLastForAgent(ctx, inv.AgentID)
	if err != nil {
		return nil, "", err
	}
	if parent != nil {
		if err := r.ChainTo(parent); err != nil {
			return nil, "", err
		}
	}

	var attestation string
	if k.signer != nil {
		if err := r.Sign(k.signer); err != nil {
			return nil, "", err
		}
		if ed, ok := k.signer.(*signing.Ed25519Signer); ok {
			h, err := r.ComputeHash()
			if err != nil {
				return nil, "", err
			}
			attestation, err = signing.MintAttestation(ed, h, inv.CapabilityID, inv.TenantID, k.clock(), time.Hour)
			if err != nil {
				return nil, "", err
			}
		}
	}

	if err := k.store.AppendReceipt(ctx, r); err != nil {
		return nil, "", err
	}
	return r, attestation, nil
}

func (k *Kernel) exitCode(capExit int, capErr error, success bool) int {
	switch {
	case capErr != nil:
		return ExitCapabilityFailure
	case capExit != 0:
		return capExit
	case !success:
		return ExitContractViolation
	default:
		return ExitSuccess
	}
}

