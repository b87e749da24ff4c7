// Package audit provides the append-only, hash-verifiable trail of every
// nondeterministic operation intercepted during one capability invocation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// InstructionKind classifies an intercepted nondeterministic operation.
type InstructionKind string

const (
	KindSysCall   InstructionKind = "SYSCALL"
	KindRandom    InstructionKind = "RANDOM"
	KindClock     InstructionKind = "CLOCK"
	KindMemAlloc  InstructionKind = "MEM_ALLOC"
	KindFileOp    InstructionKind = "FILE_OP"
	KindNetworkOp InstructionKind = "NETWORK_OP"
)

// Instruction is a tagged record of one nondeterministic operation.
// Immutable once appended to a Trail; only the fields relevant to the
// instruction's kind are populated.
type Instruction struct {
	Kind        InstructionKind `json:"kind"`
	TimestampNS int64           `json:"timestamp_ns"`

	// SYSCALL
	Name   string   `json:"name,omitempty"`
	Args   []string `json:"args,omitempty"`
	Result string   `json:"result,omitempty"`

	// RANDOM
	Seed  uint64 `json:"seed,omitempty"`
	Value uint64 `json:"value,omitempty"`

	// MEM_ALLOC
	Size    uint64 `json:"size,omitempty"`
	Address uint64 `json:"address,omitempty"`

	// FILE_OP
	Op   string `json:"op,omitempty"`
	Path string `json:"path,omitempty"`

	// NETWORK_OP
	NetType string `json:"net_type,omitempty"`
	Peer    string `json:"peer,omitempty"`

	// Payload for FILE_OP / NETWORK_OP, recorded at capture time. The
	// kernel archives payload bytes into a stub store keyed by the
	// content hash, so a trail stripped of bodies stays resolvable.
	Data     []byte `json:"data,omitempty"`
	DataHash string `json:"data_hash,omitempty"`
}

// Equal reports whether two instructions are identical in every field
// that participates in replay comparison.
func (i Instruction) Equal(other Instruction) bool {
	if i.Kind != other.Kind || i.TimestampNS != other.TimestampNS {
		return false
	}
	if i.Name != other.Name || i.Result != other.Result {
		return false
	}
	if len(i.Args) != len(other.Args) {
		return false
	}
	for n := range i.Args {
		if i.Args[n] != other.Args[n] {
			return false
		}
	}
	if i.Seed != other.Seed || i.Value != other.Value {
		return false
	}
	if i.Size != other.Size || i.Address != other.Address {
		return false
	}
	if i.Op != other.Op || i.Path != other.Path {
		return false
	}
	if i.NetType != other.NetType || i.Peer != other.Peer {
		return false
	}
	return i.payloadHash() == other.payloadHash()
}

func (i Instruction) payloadHash() string {
	if i.DataHash != "" {
		return i.DataHash
	}
	if len(i.Data) == 0 {
		return ""
	}
	sum := sha256.Sum256(i.Data)
	return hex.EncodeToString(sum[:])
}
