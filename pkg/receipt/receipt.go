// Package receipt implements the chainable execution receipt: a compact,
// optionally signed summary of one capability invocation's outcome.
// Receipts link to their causal predecessor by content hash, never by
// object reference, so chains survive process restarts and can be stored
// in any backend that supports lookup by hash.
package receipt

import (
	"errors"
	"fmt"

	"github.com/invariant-systems/chronicle/pkg/canonical"
	"github.com/invariant-systems/chronicle/pkg/signing"
)

var (
	// ErrUnsigned is returned when verifying a receipt that carries no
	// signature.
	ErrUnsigned = errors.New("receipt: not signed")
)

// EffectSummary records the observable side effects of one invocation,
// populated by audit-mode replay or by the kernel at execution time.
type EffectSummary struct {
	FilesTouched       []string `json:"files_touched,omitempty"`
	ProcessesSpawned   []string `json:"processes_spawned,omitempty"`
	NetworkConnections []string `json:"network_connections,omitempty"`
	EnvVarsModified    []string `json:"env_vars_modified,omitempty"`
}

// Receipt is the persisted summary of one invocation.
//
// The content hash covers every field except Signature, so a receipt can
// be signed after hashing and verified without recomputation ambiguity.
type Receipt struct {
	ReceiptID         string         `json:"receipt_id"`
	CapabilityID      string         `json:"capability_id"`
	CapabilityVersion int            `json:"capability_version"`
	TenantID          string         `json:"tenant_id"`
	AgentID           string         `json:"agent_id"`

	InvocationAttestationHash string `json:"invocation_attestation_hash"`

	QuotaTier      string         `json:"quota_tier"`
	QuotaFootprint map[string]any `json:"quota_footprint"`

	PolicyID      string `json:"policy_id"`
	PolicyVersion int    `json:"policy_version"`

	ExitCode      int           `json:"exit_code"`
	Success       bool          `json:"success"`
	EffectSummary EffectSummary `json:"effect_summary"`

	Signature         string `json:"signature,omitempty"`
	ParentReceiptHash string `json:"parent_receipt_hash,omitempty"`

	Tags        []string `json:"tags,omitempty"`
	TimestampNS int64    `json:"timestamp_ns"`
}

// ComputeHash returns the hex SHA-256 of the receipt's canonical
// serialization with the signature field cleared. Signing therefore
// never changes the hash a parent link refers to.
func (r *Receipt) ComputeHash() (string, error) {
	unsigned := *r
	unsigned.Signature = ""
	h, err := canonical.Hash(&unsigned)
	if err != nil {
		return "", fmt.Errorf("receipt %s: hash: %w", r.ReceiptID, err)
	}
	return h, nil
}

// Sign populates the signature over the receipt's content hash using the
// injected signer. The kernel performs no key handling of its own.
func (r *Receipt) Sign(signer signing.Signer) error {
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign([]byte(h))
	if err != nil {
		return fmt.Errorf("receipt %s: sign: %w", r.ReceiptID, err)
	}
	r.Signature = sig
	return nil
}

// VerifySignature checks the signature against the receipt's recomputed
// content hash.
func (r *Receipt) VerifySignature(signer signing.Signer) (bool, error) {
	if r.Signature == "" {
		return false, ErrUnsigned
	}
	h, err := r.ComputeHash()
	if err != nil {
		return false, err
	}
	return signer.Verify([]byte(h), r.Signature)
}

// ChainTo links this receipt to its causal predecessor by content hash.
func (r *Receipt) ChainTo(parent *Receipt) error {
	h, err := parent.ComputeHash()
	if err != nil {
		return err
	}
	r.ParentReceiptHash = h
	return nil
}
