package contract

import "fmt"

// ViolationKind identifies which limit a usage violation exceeded.
type ViolationKind string

const (
	ViolationRuntimeExceeded ViolationKind = "RUNTIME_EXCEEDED"
	ViolationMemoryExceeded  ViolationKind = "MEMORY_EXCEEDED"
	ViolationIOOpsExceeded   ViolationKind = "IO_OPS_EXCEEDED"
	ViolationNetworkExceeded ViolationKind = "NETWORK_EXCEEDED"
	ViolationOperationDenied ViolationKind = "OPERATION_DENIED"
)

// UsageViolation records one observed metric exceeding its declared
// limit, or a denied operation.
type UsageViolation struct {
	Kind      ViolationKind `json:"kind"`
	Allowed   int64         `json:"allowed,omitempty"`
	Actual    int64         `json:"actual,omitempty"`
	Operation string        `json:"operation,omitempty"`
}

func (v UsageViolation) String() string {
	if v.Kind == ViolationOperationDenied {
		return fmt.Sprintf("%s: %s", v.Kind, v.Operation)
	}
	return fmt.Sprintf("%s: allowed %d, actual %d", v.Kind, v.Allowed, v.Actual)
}

// RuntimeView is an immutable projection of one contract used at
// execution time to check actual usage. Many invocations of the same
// capability may share one view concurrently.
type RuntimeView struct {
	contract Contract
	allowed  map[string]struct{}
	denied   map[string]struct{}
}

// NewRuntimeView projects a contract into its runtime-checkable form.
func NewRuntimeView(c *Contract) *RuntimeView {
	v := &RuntimeView{contract: *c}
	if len(c.AllowedOps) > 0 {
		v.allowed = make(map[string]struct{}, len(c.AllowedOps))
		for _, op := range c.AllowedOps {
			v.allowed[op] = struct{}{}
		}
	}
	if len(c.DeniedOps) > 0 {
		v.denied = make(map[string]struct{}, len(c.DeniedOps))
		for _, op := range c.DeniedOps {
			v.denied[op] = struct{}{}
		}
	}
	return v
}

// Contract returns a copy of the projected contract.
func (v *RuntimeView) Contract() Contract {
	return v.contract
}

// ValidateExecution compares each observed metric against the declared
// limit and collects all violations rather than failing fast, so the
// caller can report the complete mismatch picture. Undeclared limits are
// unconstrained. An empty slice means the usage fits the envelope.
func (v *RuntimeView) ValidateExecution(runtimeMS, memoryBytes, ioOps, networkBytes int64) []UsageViolation {
	var violations []UsageViolation
	env := v.contract.Envelope
	if env.MaxRuntimeMS != nil && runtimeMS > *env.MaxRuntimeMS {
		violations = append(violations, UsageViolation{
			Kind: ViolationRuntimeExceeded, Allowed: *env.MaxRuntimeMS, Actual: runtimeMS,
		})
	}
	if env.MaxMemoryBytes != nil && memoryBytes > *env.MaxMemoryBytes {
		violations = append(violations, UsageViolation{
			Kind: ViolationMemoryExceeded, Allowed: *env.MaxMemoryBytes, Actual: memoryBytes,
		})
	}
	if env.MaxIOOps != nil && ioOps > *env.MaxIOOps {
		violations = append(violations, UsageViolation{
			Kind: ViolationIOOpsExceeded, Allowed: *env.MaxIOOps, Actual: ioOps,
		})
	}
	if env.MaxNetworkBytes != nil && networkBytes > *env.MaxNetworkBytes {
		violations = append(violations, UsageViolation{
			Kind: ViolationNetworkExceeded, Allowed: *env.MaxNetworkBytes, Actual: networkBytes,
		})
	}
	return violations
}

// CheckOperation returns a violation when the operation is denied, or
// absent from a non-empty allow list. Both lists empty means every
// operation is permitted.
func (v *RuntimeView) CheckOperation(op string) *UsageViolation {
	if _, deny := v.denied[op]; deny {
		return &UsageViolation{Kind: ViolationOperationDenied, Operation: op}
	}
	if v.allowed != nil {
		if _, ok := v.allowed[op]; !ok {
			return &UsageViolation{Kind: ViolationOperationDenied, Operation: op}
		}
	}
	return nil
}

// RelaxFactor widens each declared limit under Simulate replay, so a
// re-execution on different hardware is not failed by marginal
// overshoot while gross overruns are still reported.
const RelaxFactor = 10

// Relaxed returns a view whose declared limits are widened by
// RelaxFactor, keeping the operation lists and invariants. The replay
// engine uses it under Simulate mode.
func (v *RuntimeView) Relaxed() *RuntimeView {
	relaxed := v.contract
	relaxed.Envelope = ResourceEnvelope{
		MaxRuntimeMS:    widen(v.contract.Envelope.MaxRuntimeMS),
		MaxMemoryBytes:  widen(v.contract.Envelope.MaxMemoryBytes),
		MaxIOOps:        widen(v.contract.Envelope.MaxIOOps),
		MaxNetworkBytes: widen(v.contract.Envelope.MaxNetworkBytes),
	}
	return NewRuntimeView(&relaxed)
}

func widen(limit *int64) *int64 {
	if limit == nil {
		return nil
	}
	return Limit(*limit * RelaxFactor)
}
