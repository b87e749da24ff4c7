// Package frame defines the session log frame: the durable, causally
// ordered record of one capability invocation.
package frame

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/invariant-systems/chronicle/pkg/canonical"
)

// SchemaVersion is the current frame schema version.
const SchemaVersion = 1

// MaxClockSkewNS bounds the wall-clock advance between consecutive
// frames of one session.
const MaxClockSkewNS = int64(1_000_000_000)

// Validation failures are fatal to the single frame being validated and
// are never retried: they indicate either a bug or tampering.
var (
	ErrSchemaMismatch         = errors.New("frame schema version mismatch")
	ErrMissingIdentifier      = errors.New("frame missing required identifier")
	ErrNonMonotonicFrameIndex = errors.New("non-monotonic frame index")
	ErrClockRegression        = errors.New("wall clock regression")
	ErrExcessiveClockSkew     = errors.New("excessive clock skew")
	ErrFrameSealed            = errors.New("frame already sealed")
	ErrHashMismatch           = errors.New("frame content hash mismatch")
)

// Metadata identifies a frame within its session.
type Metadata struct {
	FrameID   string   `json:"frame_id"`
	SessionID string   `json:"session_id"`
	AgentID   string   `json:"agent_id"`
	Tags      []string `json:"tags,omitempty"`
}

// Frame is the durable record of one invocation. Created once at the end
// of execution; never mutated after its content hash is computed. A
// mutation after sealing is a programming error, not a recoverable
// runtime condition.
type Frame struct {
	FrameSchemaVersion   int               `json:"frame_schema_version"`
	NounID               string            `json:"noun_id"`
	VerbID               string            `json:"verb_id"`
	CapabilityID         string            `json:"capability_id"`
	CapabilityVersion    int               `json:"capability_version"`
	AttestationChainHash string            `json:"attestation_chain_hash,omitempty"`
	QuotaTier            string            `json:"quota_tier"`
	QuotaFootprint       map[string]any    `json:"quota_footprint"`
	InputArgs            map[string]any    `json:"input_args"`
	EnvVars              map[string]string `json:"env_vars"`
	LogicalClock         LogicalClock      `json:"logical_clock"`
	OutputResult         map[string]any    `json:"output_result"`
	ExitCodeClass        string            `json:"exit_code_class"`
	TelemetryProfile     map[string]any    `json:"telemetry_profile"`
	ContentHash          string            `json:"content_hash"`
	Metadata             Metadata          `json:"metadata"`

	sealed bool
}

// Sequence returns the frame's position within its session.
func (f *Frame) Sequence() uint64 {
	return f.LogicalClock.LogicalTick
}

// Sealed reports whether the content hash has been computed.
func (f *Frame) Sealed() bool {
	return f.sealed
}

// NormalizeEnv rewrites the environment mapping with NFC-normalized keys
// and values, so canonical hashing does not depend on the Unicode
// representation the caller happened to capture.
func (f *Frame) NormalizeEnv() {
	if len(f.EnvVars) == 0 {
		return
	}
	normalized := make(map[string]string, len(f.EnvVars))
	for k, v := range f.EnvVars {
		normalized[norm.NFC.String(k)] = norm.NFC.String(v)
	}
	f.EnvVars = normalized
}

// SortedEnvKeys returns the environment keys in the deterministic order
// used by the canonical form.
func (f *Frame) SortedEnvKeys() []string {
	keys := make([]string, 0, len(f.EnvVars))
	for k := range f.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ComputeCanonicalHash builds the field-ordered canonical value (env
// vars by sorted key, not insertion order) and returns its hex-encoded
// SHA-256 digest. Idempotent: calling twice returns identical output,
// and the frame itself is not mutated.
func (f *Frame) ComputeCanonicalHash() (string, error) {
	env := make(map[string]string, len(f.EnvVars))
	for k, v := range f.EnvVars {
		env[norm.NFC.String(k)] = norm.NFC.String(v)
	}
	body := map[string]any{
		"frame_schema_version":   f.FrameSchemaVersion,
		"noun_id":                f.NounID,
		"verb_id":                f.VerbID,
		"capability_id":          f.CapabilityID,
		"capability_version":     f.CapabilityVersion,
		"attestation_chain_hash": f.AttestationChainHash,
		"quota_tier":             f.QuotaTier,
		"quota_footprint":        f.QuotaFootprint,
		"input_args":             f.InputArgs,
		"env_vars":               env,
		"logical_clock":          f.LogicalClock,
		"output_result":          f.OutputResult,
		"exit_code_class":        f.ExitCodeClass,
		"telemetry_profile":      f.TelemetryProfile,
		"metadata":               f.Metadata,
	}
	return canonical.Hash(body)
}

// Seal computes and pins the content hash. Sealing twice fails with
// ErrFrameSealed.
func (f *Frame) Seal() error {
	if f.sealed {
		return ErrFrameSealed
	}
	h, err := f.ComputeCanonicalHash()
	if err != nil {
		return fmt.Errorf("seal frame %s: %w", f.Metadata.FrameID, err)
	}
	f.ContentHash = h
	f.sealed = true
	return nil
}

// VerifyHash recomputes the canonical hash and compares it to the pinned
// content hash.
func (f *Frame) VerifyHash() (bool, error) {
	h, err := f.ComputeCanonicalHash()
	if err != nil {
		return false, err
	}
	return h == f.ContentHash, nil
}

// ValidateAgainstPrevious enforces the per-session ordering rules, in
// order: schema-version equality, non-empty required identifiers,
// strictly increasing sequence, non-decreasing wall clock, and bounded
// clock skew. A nil previous frame validates the frame standalone.
func (f *Frame) ValidateAgainstPrevious(previous *Frame) error {
	if f.FrameSchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, f.FrameSchemaVersion, SchemaVersion)
	}
	for name, v := range map[string]string{
		"capability_id": f.CapabilityID,
		"frame_id":      f.Metadata.FrameID,
		"session_id":    f.Metadata.SessionID,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s", ErrMissingIdentifier, name)
		}
	}
	if previous == nil {
		return nil
	}
	if previous.FrameSchemaVersion != f.FrameSchemaVersion {
		return fmt.Errorf("%w: previous %d, current %d", ErrSchemaMismatch, previous.FrameSchemaVersion, f.FrameSchemaVersion)
	}
	if f.Sequence() <= previous.Sequence() {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonicFrameIndex, f.Sequence(), previous.Sequence())
	}
	if f.LogicalClock.WallClockNS < previous.LogicalClock.WallClockNS {
		return fmt.Errorf("%w: %d before %d", ErrClockRegression, f.LogicalClock.WallClockNS, previous.LogicalClock.WallClockNS)
	}
	if skew := f.LogicalClock.WallClockNS - previous.LogicalClock.WallClockNS; skew > MaxClockSkewNS {
		return fmt.Errorf("%w: %dns exceeds %dns", ErrExcessiveClockSkew, skew, MaxClockSkewNS)
	}
	return nil
}
