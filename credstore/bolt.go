package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var bucketCredentials = []byte("credentials")

// sealInfo is the HKDF info string for the value-sealing key.
const sealInfo = "device-session credstore v1"

// BoltConfig holds configuration for the file-backed credential store.
type BoltConfig struct {
	// Path is the database file (required).
	Path string

	// Secret is the input keying material for value encryption (required,
	// at least 16 bytes). Typically sourced from the OS keyring or an
	// environment variable injected at launch.
	Secret []byte

	// Timeout bounds how long Open waits for the file lock (default: 5 seconds).
	Timeout time.Duration
}

// BoltStore is a Store backed by a BoltDB file. Values are sealed with
// XChaCha20-Poly1305; the entry key is bound as additional data so a sealed
// value cannot be replayed under another key.
type BoltStore struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// OpenBolt creates or opens the credential database at cfg.Path.
func OpenBolt(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("credstore: path is required")
	}
	if len(cfg.Secret) < 16 {
		return nil, errors.New("credstore: secret must be at least 16 bytes")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cfg.Secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrStorageFailed, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrStorageFailed, err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %v", ErrStorageFailed, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ErrStorageFailed, err)
	}

	return &BoltStore{db: db, aead: aead}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the decrypted value stored under key.
func (s *BoltStore) Get(ctx context.Context, key string) (string, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get([]byte(key))
		if v != nil {
			sealed = make([]byte, len(v))
			copy(sealed, v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrStorageFailed, key, err)
	}
	if sealed == nil {
		return "", nil
	}

	plain, err := s.open(key, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrStorageFailed, key, err)
	}
	return string(plain), nil
}

// Set seals value and replaces the entry under key in a single transaction.
func (s *BoltStore) Set(ctx context.Context, key, value string) error {
	sealed, err := s.seal(key, []byte(value))
	if err != nil {
		return fmt.Errorf("%w: seal %s: %v", ErrStorageFailed, key, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		return b.Put([]byte(key), sealed)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorageFailed, key, err)
	}
	return nil
}

// Delete removes key.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorageFailed, key, err)
	}
	return nil
}

func (s *BoltStore) seal(key string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (s *BoltStore) open(key string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("sealed value too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
}
