// Package determinism provides substitute implementations for time,
// randomness, and I/O, parameterized by a per-invocation seed and clock
// so the same inputs always produce the same instruction sequence.
package determinism

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// LCG constants. seed' = seed*1664525 + 1013904223 mod 2^64, with the
// modulus supplied by natural uint64 wraparound.
const (
	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
)

// NextLCG advances the linear-congruential generator one step and
// returns the new state, which doubles as the drawn value.
func NextLCG(seed uint64) uint64 {
	return seed*lcgMultiplier + lcgIncrement
}

// SeedFromHash derives a 64-bit seed from a content hash (typically a
// frame's content_hash). The hash string is digested so that any
// tampering with the frame produces a different replay seed.
func SeedFromHash(contentHash string) uint64 {
	sum := sha256.Sum256([]byte(contentHash))
	return binary.BigEndian.Uint64(sum[:8])
}

// FrameSeed derives the generator seed for one frame of a session:
// chained from the predecessor frame's content hash when one exists,
// and from the session identity and capability otherwise. Live
// execution and replay both seed through here so a replayed run draws
// the same values as the original.
func FrameSeed(chainHash, sessionID, capabilityID string) uint64 {
	if chainHash != "" {
		return SeedFromHash(chainHash)
	}
	return DeriveChildSeed(SeedFromHash(sessionID), capabilityID)
}

// DeriveChildSeed derives a child seed from a parent seed and a
// derivation label, for capabilities that fan out into sub-operations.
func DeriveChildSeed(parentSeed uint64, label string) uint64 {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], parentSeed)
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte(label))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}
