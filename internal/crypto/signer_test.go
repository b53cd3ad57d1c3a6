package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type signedPayload struct {
	TransferID string `json:"transferId"`
	RouterID   string `json:"routerId"`
	Amount     string `json:"amount"`
	Timestamp  int64  `json:"timestamp"`
}

func TestSignAndVerify(t *testing.T) {
	privHex, pubHex, err := GenerateKeypair()
	require.NoError(t, err)

	signer, err := NewSigner(privHex)
	require.NoError(t, err)
	require.Equal(t, pubHex, signer.PublicKey())

	payload := signedPayload{
		TransferID: "t-1",
		RouterID:   "router-a",
		Amount:     "40",
		Timestamp:  1700000000000,
	}

	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.NoError(t, Verify(payload, sig, pubHex))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	privHex, pubHex, err := GenerateKeypair()
	require.NoError(t, err)
	signer, err := NewSigner(privHex)
	require.NoError(t, err)

	payload := signedPayload{TransferID: "t-1", RouterID: "router-a", Amount: "40"}
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	tampered := payload
	tampered.Amount = "41"
	require.Error(t, Verify(tampered, sig, pubHex))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	privHex, _, err := GenerateKeypair()
	require.NoError(t, err)
	_, otherPub, err := GenerateKeypair()
	require.NoError(t, err)

	signer, err := NewSigner(privHex)
	require.NoError(t, err)

	payload := signedPayload{TransferID: "t-1"}
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.Error(t, Verify(payload, sig, otherPub))
}

func TestCanonicalMarshalIsDeterministic(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	first, err := CanonicalMarshal(m)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CanonicalMarshal(m)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-hex")
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
	_, err = NewSigner("abcd")
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
}
