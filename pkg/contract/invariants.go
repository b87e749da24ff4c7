package contract

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

// Usage is the observed resource consumption of one invocation, exposed
// to invariant expressions as the `usage` variable.
type Usage struct {
	RuntimeMS    int64 `json:"runtime_ms"`
	MemoryBytes  int64 `json:"memory_bytes"`
	IOOps        int64 `json:"io_ops"`
	NetworkBytes int64 `json:"network_bytes"`
}

func (u Usage) asInput() map[string]any {
	return map[string]any{
		"usage": map[string]any{
			"runtime_ms":    u.RuntimeMS,
			"memory_bytes":  u.MemoryBytes,
			"io_ops":        u.IOOps,
			"network_bytes": u.NetworkBytes,
		},
	}
}

// InvariantResult is the outcome of evaluating one invariant.
type InvariantResult struct {
	Invariant Invariant `json:"invariant"`
	Held      bool      `json:"held"`
	Err       string    `json:"error,omitempty"`
}

// Blocking reports whether this result should flip the receipt to
// unsuccessful: the invariant failed (or errored) at Error or Critical
// severity.
func (r InvariantResult) Blocking() bool {
	return !r.Held && r.Invariant.Severity.Blocking()
}

// InvariantEvaluator compiles and evaluates contract invariants as CEL
// expressions. Evaluation is deterministic: results are ordered by
// invariant name, and an evaluation error counts as a failed invariant
// rather than aborting the batch.
type InvariantEvaluator struct {
	env *cel.Env
}

// NewInvariantEvaluator constructs the shared CEL environment.
func NewInvariantEvaluator() (*InvariantEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("usage", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("invariant evaluator: %w", err)
	}
	return &InvariantEvaluator{env: env}, nil
}

// Evaluate runs every invariant of the contract against the observed
// usage. Invariants without an expression hold trivially.
func (e *InvariantEvaluator) Evaluate(c *Contract, usage Usage) []InvariantResult {
	results := make([]InvariantResult, 0, len(c.Invariants))
	input := usage.asInput()

	for _, inv := range c.Invariants {
		results = append(results, e.evaluateOne(inv, input))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Invariant.Name < results[j].Invariant.Name
	})
	return results
}

func (e *InvariantEvaluator) evaluateOne(inv Invariant, input map[string]any) InvariantResult {
	if inv.Expression == "" {
		return InvariantResult{Invariant: inv, Held: true}
	}

	ast, issues := e.env.Compile(inv.Expression)
	if issues != nil && issues.Err() != nil {
		return InvariantResult{Invariant: inv, Held: false, Err: issues.Err().Error()}
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return InvariantResult{Invariant: inv, Held: false, Err: err.Error()}
	}
	val, _, err := prg.Eval(input)
	if err != nil {
		return InvariantResult{Invariant: inv, Held: false, Err: err.Error()}
	}
	held, ok := val.Value().(bool)
	if !ok {
		return InvariantResult{Invariant: inv, Held: false, Err: fmt.Sprintf("expression yielded %T, want bool", val.Value())}
	}
	return InvariantResult{Invariant: inv, Held: held}
}
