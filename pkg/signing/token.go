package signing

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AttestationClaims binds a receipt's content hash to the identity that
// produced it, carried as an EdDSA-signed JWT. Downstream verifiers can
// check the attestation without access to the receipt store.
type AttestationClaims struct {
	ReceiptHash  string `json:"receipt_hash"`
	CapabilityID string `json:"capability_id"`
	TenantID     string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// MintAttestation issues a signed attestation token over a receipt hash.
func MintAttestation(signer *Ed25519Signer, receiptHash, capabilityID, tenantID string, now time.Time, ttl time.Duration) (string, error) {
	claims := AttestationClaims{
		ReceiptHash:  receiptHash,
		CapabilityID: capabilityID,
		TenantID:     tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chronicle-kernel",
			Subject:   capabilityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = signer.KeyID()

	signed, err := token.SignedString(signer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("signing: attestation mint failed: %w", err)
	}
	return signed, nil
}

// VerifyAttestation parses and verifies an attestation token against an
// ed25519 public key, returning the embedded claims.
func VerifyAttestation(tokenString string, pubKey ed25519.PublicKey) (*AttestationClaims, error) {
	claims := &AttestationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pubKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("signing: attestation verify failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("signing: attestation token invalid")
	}
	return claims, nil
}
