package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invariant-systems/chronicle/pkg/audit"
)

func TestValidateExecution_RuntimeExceeded(t *testing.T) {
	c := &Contract{
		CapabilityID: "cap.test",
		Version:      1,
		Envelope:     ResourceEnvelope{MaxRuntimeMS: Limit(100)},
	}
	view := NewRuntimeView(c)

	violations := view.ValidateExecution(150, 0, 0, 0)
	require.Len(t, violations, 1)
	require.Equal(t, ViolationRuntimeExceeded, violations[0].Kind)
	require.Equal(t, int64(100), violations[0].Allowed)
	require.Equal(t, int64(150), violations[0].Actual)
}

func TestValidateExecution_CollectsAllViolations(t *testing.T) {
	c := &Contract{
		CapabilityID: "cap.test",
		Version:      1,
		Envelope: ResourceEnvelope{
			MaxRuntimeMS:    Limit(100),
			MaxMemoryBytes:  Limit(1024),
			MaxIOOps:        Limit(10),
			MaxNetworkBytes: Limit(2048),
		},
	}
	view := NewRuntimeView(c)

	violations := view.ValidateExecution(150, 2048, 11, 4096)
	require.Len(t, violations, 4)
}

func TestValidateExecution_UndeclaredLimitsUnconstrained(t *testing.T) {
	view := NewRuntimeView(&Contract{CapabilityID: "cap.test", Version: 1})
	require.Empty(t, view.ValidateExecution(1<<40, 1<<40, 1<<40, 1<<40))
}

func TestValidateExecution_AtLimitIsNotAViolation(t *testing.T) {
	view := NewRuntimeView(&Contract{
		CapabilityID: "cap.test",
		Envelope:     ResourceEnvelope{MaxRuntimeMS: Limit(100)},
	})
	require.Empty(t, view.ValidateExecution(100, 0, 0, 0))
}

func TestCheckOperation(t *testing.T) {
	view := NewRuntimeView(&Contract{
		CapabilityID: "cap.test",
		AllowedOps:   []string{"file.read", "net.get"},
		DeniedOps:    []string{"file.write"},
	})

	require.Nil(t, view.CheckOperation("file.read"))

	v := view.CheckOperation("file.write")
	require.NotNil(t, v)
	require.Equal(t, ViolationOperationDenied, v.Kind)

	v = view.CheckOperation("proc.spawn")
	require.NotNil(t, v)

	open := NewRuntimeView(&Contract{CapabilityID: "cap.open"})
	require.Nil(t, open.CheckOperation("anything"))
}

func TestRelaxedView_WidensLimitsKeepsOps(t *testing.T) {
	view := NewRuntimeView(&Contract{
		CapabilityID: "cap.test",
		Envelope:     ResourceEnvelope{MaxRuntimeMS: Limit(10)},
		DeniedOps:    []string{"file.write"},
	})
	relaxed := view.Relaxed()

	// Marginal overshoot of the original limit passes; gross overrun
	// beyond the widened limit is still a violation.
	require.Empty(t, relaxed.ValidateExecution(11, 0, 0, 0))
	require.Empty(t, relaxed.ValidateExecution(10*RelaxFactor, 0, 0, 0))

	violations := relaxed.ValidateExecution(10*RelaxFactor+1, 0, 0, 0)
	require.Len(t, violations, 1)
	require.Equal(t, ViolationRuntimeExceeded, violations[0].Kind)

	// Undeclared limits stay unconstrained, operation lists survive.
	require.Empty(t, relaxed.ValidateExecution(0, 1<<40, 0, 0))
	require.NotNil(t, relaxed.CheckOperation("file.write"))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewInMemoryRegistry("1.2.0")
	c := &Contract{
		CapabilityID:     "cap.deploy",
		Version:          2,
		Determinism:      DeterminismFull,
		Idempotency:      Idempotent,
		EngineConstraint: ">=1.0.0",
	}
	require.NoError(t, reg.Register(c))

	got, err := reg.Lookup("cap.deploy", 2)
	require.NoError(t, err)
	require.Equal(t, "cap.deploy", got.CapabilityID)

	_, err = reg.Lookup("cap.deploy", 3)
	require.ErrorIs(t, err, ErrContractNotFound)

	// Versions are immutable: re-registration fails.
	require.Error(t, reg.Register(c))
}

func TestRegistry_EngineConstraintRejected(t *testing.T) {
	reg := NewInMemoryRegistry("0.9.0")
	err := reg.Register(&Contract{
		CapabilityID:     "cap.deploy",
		Version:          1,
		EngineConstraint: ">=1.0.0",
	})
	require.Error(t, err)
}

func TestContractValidate(t *testing.T) {
	require.Error(t, (&Contract{}).Validate())
	require.Error(t, (&Contract{CapabilityID: "x", Invariants: []Invariant{{Name: "a", Severity: "BOGUS"}}}).Validate())
	require.Error(t, (&Contract{CapabilityID: "x", EngineConstraint: "not-a-range("}).Validate())
	require.NoError(t, (&Contract{CapabilityID: "x", Invariants: []Invariant{{Name: "a", Severity: SeverityWarning}}}).Validate())
}

func TestInvariantEvaluator(t *testing.T) {
	eval, err := NewInvariantEvaluator()
	require.NoError(t, err)

	c := &Contract{
		CapabilityID: "cap.test",
		Invariants: []Invariant{
			{Name: "io-bounded", Expression: "usage.io_ops < 100", Severity: SeverityError},
			{Name: "fast", Expression: "usage.runtime_ms < 10", Severity: SeverityWarning},
			{Name: "declared-only", Severity: SeverityCritical},
		},
	}

	results := eval.Evaluate(c, Usage{RuntimeMS: 50, IOOps: 5})
	require.Len(t, results, 3)

	// Ordered by name for determinism.
	require.Equal(t, "declared-only", results[0].Invariant.Name)
	require.True(t, results[0].Held)

	require.Equal(t, "fast", results[1].Invariant.Name)
	require.False(t, results[1].Held)
	require.False(t, results[1].Blocking()) // Warning never blocks

	require.Equal(t, "io-bounded", results[2].Invariant.Name)
	require.True(t, results[2].Held)
}

func TestInvariantEvaluator_ErrorCountsAsFailed(t *testing.T) {
	eval, err := NewInvariantEvaluator()
	require.NoError(t, err)

	c := &Contract{
		CapabilityID: "cap.test",
		Invariants: []Invariant{
			{Name: "broken", Expression: "usage.nonexistent +", Severity: SeverityCritical},
		},
	}
	results := eval.Evaluate(c, Usage{})
	require.Len(t, results, 1)
	require.False(t, results[0].Held)
	require.NotEmpty(t, results[0].Err)
	require.True(t, results[0].Blocking())
}

func TestUsageFromTrail(t *testing.T) {
	trail := audit.NewTrail(16)
	require.NoError(t, trail.Record(audit.Instruction{Kind: audit.KindFileOp, Op: "read", Path: "/etc/hosts", Data: []byte("abc")}))
	require.NoError(t, trail.Record(audit.Instruction{Kind: audit.KindSysCall, Name: "getpid"}))
	require.NoError(t, trail.Record(audit.Instruction{Kind: audit.KindNetworkOp, Peer: "db:5432", Data: []byte("four")}))
	require.NoError(t, trail.Record(audit.Instruction{Kind: audit.KindMemAlloc, Size: 512}))
	require.NoError(t, trail.Record(audit.Instruction{Kind: audit.KindRandom, Value: 7}))

	usage := UsageFromTrail(trail, 1500*time.Millisecond)
	require.Equal(t, int64(1500), usage.RuntimeMS)
	require.Equal(t, int64(3), usage.IOOps)
	require.Equal(t, int64(4), usage.NetworkBytes)
	require.Equal(t, int64(512), usage.MemoryBytes)
}
