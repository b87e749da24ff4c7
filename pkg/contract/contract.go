// Package contract defines the declarative resource and operation
// envelope a capability is bound to, and the runtime view that checks
// actual usage against it.
package contract

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// DeterminismClass is the determinism guarantee a capability declares.
type DeterminismClass string

const (
	DeterminismFull               DeterminismClass = "FULL"
	DeterminismConditionalOnState DeterminismClass = "CONDITIONAL_ON_STATE"
	DeterminismNone               DeterminismClass = "NON_DETERMINISTIC"
)

// IdempotencyClass is the idempotency guarantee a capability declares.
type IdempotencyClass string

const (
	Idempotent    IdempotencyClass = "IDEMPOTENT"
	OnceOnly      IdempotencyClass = "ONCE_ONLY"
	NonIdempotent IdempotencyClass = "NON_IDEMPOTENT"
)

// Severity grades a contract invariant. Warning is logged only;
// Error and Critical mark the final receipt unsuccessful even when the
// capability's own return value indicated success.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Blocking reports whether a failed invariant of this severity flips the
// receipt to unsuccessful.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Invariant is a named condition over observed usage, expressed in CEL
// against the `usage` variable.
type Invariant struct {
	Name       string   `json:"name"`
	Expression string   `json:"expression"`
	Severity   Severity `json:"severity"`
}

// ResourceEnvelope declares resource limits. Nil limits are undeclared
// and therefore unconstrained.
type ResourceEnvelope struct {
	MaxRuntimeMS    *int64 `json:"max_runtime_ms,omitempty"`
	MaxMemoryBytes  *int64 `json:"max_memory_bytes,omitempty"`
	MaxIOOps        *int64 `json:"max_io_ops,omitempty"`
	MaxNetworkBytes *int64 `json:"max_network_bytes,omitempty"`
}

// Limit is a convenience for building envelope pointers.
func Limit(v int64) *int64 { return &v }

// Contract is the declarative envelope for one capability id + version.
// Created at registration time; immutable per version.
type Contract struct {
	CapabilityID string           `json:"capability_id"`
	Version      int              `json:"version"`
	Envelope     ResourceEnvelope `json:"envelope"`
	AllowedOps   []string         `json:"allowed_ops,omitempty"`
	DeniedOps    []string         `json:"denied_ops,omitempty"`
	Determinism  DeterminismClass `json:"determinism"`
	Idempotency  IdempotencyClass `json:"idempotency"`
	Invariants   []Invariant      `json:"invariants,omitempty"`

	// EngineConstraint is an optional semver range the kernel version
	// must satisfy for this contract to be registrable.
	EngineConstraint string `json:"engine_constraint,omitempty"`
}

// Validate checks structural soundness at registration time.
func (c *Contract) Validate() error {
	if c.CapabilityID == "" {
		return errors.New("contract: capability_id is required")
	}
	if c.Version < 0 {
		return fmt.Errorf("contract %s: negative version %d", c.CapabilityID, c.Version)
	}
	for _, inv := range c.Invariants {
		if inv.Name == "" {
			return fmt.Errorf("contract %s: unnamed invariant", c.CapabilityID)
		}
		switch inv.Severity {
		case SeverityWarning, SeverityError, SeverityCritical:
		default:
			return fmt.Errorf("contract %s: invariant %q has unknown severity %q", c.CapabilityID, inv.Name, inv.Severity)
		}
	}
	if c.EngineConstraint != "" {
		if _, err := semver.NewConstraint(c.EngineConstraint); err != nil {
			return fmt.Errorf("contract %s: bad engine constraint %q: %w", c.CapabilityID, c.EngineConstraint, err)
		}
	}
	return nil
}

// CheckEngineCompatibility verifies the kernel version against the
// contract's engine constraint.
func (c *Contract) CheckEngineCompatibility(engineVersion string) error {
	if c.EngineConstraint == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.EngineConstraint)
	if err != nil {
		return fmt.Errorf("contract %s: bad engine constraint: %w", c.CapabilityID, err)
	}
	v, err := semver.NewVersion(engineVersion)
	if err != nil {
		return fmt.Errorf("contract %s: bad engine version %q: %w", c.CapabilityID, engineVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("contract %s: engine %s does not satisfy %q", c.CapabilityID, engineVersion, c.EngineConstraint)
	}
	return nil
}

// ErrContractNotFound is returned by registries when no contract exists
// for an id + version.
var ErrContractNotFound = errors.New("contract not found")

// Registry supplies contract lookups by id + version. The kernel never
// mutates contracts through this interface.
type Registry interface {
	Lookup(capabilityID string, version int) (*Contract, error)
}

// InMemoryRegistry is a Registry for single-process deployments and
// tests. Contracts are copied in on Register and never mutated after.
type InMemoryRegistry struct {
	mu            sync.RWMutex
	contracts     map[string]*Contract
	engineVersion string
}

// NewInMemoryRegistry creates a registry bound to an engine version.
func NewInMemoryRegistry(engineVersion string) *InMemoryRegistry {
	return &InMemoryRegistry{
		contracts:     make(map[string]*Contract),
		engineVersion: engineVersion,
	}
}

func registryKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Register validates and stores a contract version. Re-registering an
// existing version fails: versions are immutable.
func (r *InMemoryRegistry) Register(c *Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.CheckEngineCompatibility(r.engineVersion); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(c.CapabilityID, c.Version)
	if _, exists := r.contracts[key]; exists {
		return fmt.Errorf("contract %s version %d already registered", c.CapabilityID, c.Version)
	}
	stored := *c
	r.contracts[key] = &stored
	return nil
}

// Lookup implements Registry.
func (r *InMemoryRegistry) Lookup(capabilityID string, version int) (*Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[registryKey(capabilityID, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrContractNotFound, capabilityID, version)
	}
	return c, nil
}
