// Package crypto implements router identity keys and the single signature
// scheme used everywhere in the router: secp256k1 ECDSA over the SHA-256 of
// a canonical CBOR serialization of the signed value.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	// ErrInvalidPrivateKey is returned when a private key cannot be decoded.
	ErrInvalidPrivateKey = errors.New("invalid private key format")
	// ErrInvalidPublicKey is returned when a public key cannot be decoded.
	ErrInvalidPublicKey = errors.New("invalid public key format")
	// ErrInvalidSignature is returned when a signature cannot be decoded.
	ErrInvalidSignature = errors.New("invalid signature format")
)

// Signer holds a router's identity keypair and signs canonical payloads.
type Signer struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeypair creates a fresh secp256k1 keypair and returns the
// hex-encoded private and compressed public keys.
func GenerateKeypair() (privateHex, publicHex string, err error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return hex.EncodeToString(priv.Serialize()),
		hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}

// NewSigner creates a signer from a hex-encoded private key.
func NewSigner(privateHex string) (*Signer, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	return &Signer{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// PublicKey returns the hex-encoded compressed public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// Sign canonically serializes payload, hashes it with SHA-256, and returns
// the hex-encoded DER signature.
func (s *Signer) Sign(payload interface{}) (string, error) {
	data, err := CanonicalMarshal(payload)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(s.priv, digest[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify checks a hex signature over payload against a hex-encoded
// compressed public key.
func Verify(payload interface{}, signatureHex, publicHex string) error {
	pubRaw, err := hex.DecodeString(publicHex)
	if err != nil {
		return ErrInvalidPublicKey
	}
	pub, err := secp256k1.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	sigRaw, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrInvalidSignature
	}
	sig, err := ecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	data, err := CanonicalMarshal(payload)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	if !sig.Verify(digest[:], pub) {
		return errors.New("signature verification failed")
	}
	return nil
}
