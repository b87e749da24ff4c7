package signing

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_RoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	data := []byte("receipt-content-hash")
	sig, err := signer.Sign(data)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := signer.Verify(data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = signer.Verify([]byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyWithKey(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	data := []byte("payload")
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	ok, err := VerifyWithKey(signer.PublicKey(), data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = VerifyWithKey("zz", data, sig)
	require.Error(t, err)

	_, err = VerifyWithKey(signer.PublicKey(), data, "zz")
	require.Error(t, err)
}

func TestAttestationToken_RoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	now := time.Now()
	tok, err := MintAttestation(signer, "abc123", "cap.deploy", "tenant-1", now, time.Hour)
	require.NoError(t, err)

	pub := signer.PrivateKey().Public().(ed25519.PublicKey)
	claims, err := VerifyAttestation(tok, pub)
	require.NoError(t, err)
	require.Equal(t, "abc123", claims.ReceiptHash)
	require.Equal(t, "cap.deploy", claims.CapabilityID)
	require.Equal(t, "tenant-1", claims.TenantID)
	require.Equal(t, "cap.deploy", claims.Subject)
}

func TestAttestationToken_WrongKeyRejected(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	other, err := NewEd25519Signer("key-2")
	require.NoError(t, err)

	tok, err := MintAttestation(signer, "abc123", "cap.deploy", "", time.Now(), time.Hour)
	require.NoError(t, err)

	_, err = VerifyAttestation(tok, other.PrivateKey().Public().(ed25519.PublicKey))
	require.Error(t, err)
}

func TestAttestationToken_ExpiredRejected(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	issued := time.Now().Add(-2 * time.Hour)
	tok, err := MintAttestation(signer, "abc123", "cap.deploy", "", issued, time.Hour)
	require.NoError(t, err)

	_, err = VerifyAttestation(tok, signer.PrivateKey().Public().(ed25519.PublicKey))
	require.Error(t, err)
}
