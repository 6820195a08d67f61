package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Signer produces signatures for audit entries and delivery attestations.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

// PublicKeyer is implemented by signers that can expose their verification key.
type PublicKeyer interface {
	PublicKey() ed25519.PublicKey
}

var ErrBadSignature = errors.New("signature verification failed")

type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	signerID   string
}

func NewEd25519SignerFromB64(b64Key, signerID string) (*Ed25519Signer, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("decode signer private key: %w", err)
	}
	switch len(keyBytes) {
	case ed25519.SeedSize:
		keyBytes = ed25519.NewKeyFromSeed(keyBytes)
	case ed25519.PrivateKeySize:
	default:
		return nil, fmt.Errorf("invalid ed25519 private key length: got %d want %d", len(keyBytes), ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{
		privateKey: ed25519.PrivateKey(keyBytes),
		signerID:   signerID,
	}, nil
}

// NewEphemeralSigner generates a throwaway keypair. Development only.
func NewEphemeralSigner(signerID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{privateKey: priv, signerID: signerID}, nil
}

func (s *Ed25519Signer) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.privateKey, payload), nil
}

func (s *Ed25519Signer) SignerID() string {
	return s.signerID
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}

// Verify checks sig over payload with a raw Ed25519 public key.
func Verify(pub []byte, payload, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return ErrBadSignature
	}
	return nil
}
