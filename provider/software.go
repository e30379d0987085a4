package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// SoftwareFormat is the statement format identifier for Software statements.
const SoftwareFormat = "software-p256"

// softwareStatement is the CBOR-encoded statement produced by Software.
type softwareStatement struct {
	Format    string `cbor:"fmt"`
	PublicKey []byte `cbor:"publicKey"`
	Signature []byte `cbor:"sig"`
}

// Software generates P-256 keys in process memory and signs challenge hashes
// with them. It offers none of the guarantees of hardware isolation and exists
// so the full protocol can run where no secure element is available.
type Software struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

// NewSoftware creates a software provider with an empty key set.
func NewSoftware() *Software {
	return &Software{
		keys: make(map[string]*ecdsa.PrivateKey),
	}
}

// IsSupported always reports true.
func (s *Software) IsSupported() bool { return true }

// GenerateKey creates a new P-256 key and returns its key ID: the base64
// SHA-256 of the uncompressed public point.
func (s *Software) GenerateKey(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	keyID, err := KeyID(&priv.PublicKey)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.keys[keyID] = priv
	s.mu.Unlock()

	return keyID, nil
}

// Attest signs clientDataHash with the key identified by keyID and returns
// the CBOR statement.
func (s *Software) Attest(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	priv, ok := s.keys[keyID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownKey
	}

	sig, err := ecdsa.SignASN1(rand.Reader, priv, clientDataHash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return cbor.Marshal(softwareStatement{
		Format:    SoftwareFormat,
		PublicKey: pubDER,
		Signature: sig,
	})
}

// KeyCount returns the number of keys generated so far.
func (s *Software) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// KeyID derives the key identifier for a P-256 public key.
func KeyID(pub *ecdsa.PublicKey) (string, error) {
	ecdhKey, err := pub.ECDH()
	if err != nil {
		return "", fmt.Errorf("convert public key: %w", err)
	}
	sum := sha256.Sum256(ecdhKey.Bytes())
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// VerifySoftwareStatement checks a Software statement: the format, that the
// embedded public key matches keyID, and that the signature covers
// clientDataHash.
func VerifySoftwareStatement(statement []byte, keyID string, clientDataHash []byte) error {
	var stmt softwareStatement
	if err := cbor.Unmarshal(statement, &stmt); err != nil {
		return fmt.Errorf("%w: decode CBOR: %v", ErrInvalidStatement, err)
	}
	if stmt.Format != SoftwareFormat {
		return fmt.Errorf("%w: unexpected format %q", ErrInvalidStatement, stmt.Format)
	}

	pubAny, err := x509.ParsePKIXPublicKey(stmt.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrInvalidStatement, err)
	}
	pub, ok := pubAny.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: public key is not ECDSA", ErrInvalidStatement)
	}

	computed, err := KeyID(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStatement, err)
	}
	if computed != keyID {
		return fmt.Errorf("%w: key ID mismatch", ErrVerificationFailed)
	}

	if !ecdsa.VerifyASN1(pub, clientDataHash, stmt.Signature) {
		return fmt.Errorf("%w: signature verification failed", ErrVerificationFailed)
	}

	return nil
}
