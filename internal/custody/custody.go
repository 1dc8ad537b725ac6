// Package custody holds secp256k1 key material and signs on its behalf. Private keys never
// leave this package: callers get addresses and signatures only.
package custody

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/pkg/logger"
)

const (
	kekBytes  = chacha20poly1305.KeySize
	saltBytes = 16
)

// KeyRef identifies a generated key without exposing it
type KeyRef struct {
	ID      string
	Address string
}

// Custody generates, uses and destroys session keys
type Custody interface {
	Generate(ctx context.Context) (KeyRef, error)
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
	Destroy(ctx context.Context, keyID string) error
}

// Signer is a single account able to sign 32-byte digests
type Signer interface {
	Address() string
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// KDFParams tunes the argon2id key-encryption-key derivation
type KDFParams struct {
	Salt      []byte
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
}

// DefaultKDF matches interactive argon2id settings
func DefaultKDF(salt []byte) KDFParams {
	return KDFParams{Salt: salt, MemoryKiB: 1 << 16, Time: 1, Threads: 4}
}

// Keystore seals generated keys with chacha20poly1305 under a passphrase-derived key and
// stores them through a ledger.KeyStore
type Keystore struct {
	store  ledger.KeyStore
	aead   cipher.AEAD
	logger *logger.Logger
}

var _ Custody = (*Keystore)(nil)

// NewKeystore derives the key-encryption key once and returns a ready keystore
func NewKeystore(store ledger.KeyStore, passphrase string, kdf KDFParams, log *logger.Logger) (*Keystore, error) {
	if passphrase == "" {
		return nil, errors.New("keystore passphrase is required")
	}
	if len(kdf.Salt) < saltBytes {
		return nil, fmt.Errorf("keystore salt must be at least %d bytes", saltBytes)
	}
	if kdf.Time == 0 {
		kdf.Time = 1
	}
	if kdf.Threads == 0 {
		kdf.Threads = 1
	}
	kek := argon2.IDKey([]byte(passphrase), kdf.Salt, kdf.Time, kdf.MemoryKiB, kdf.Threads, kekBytes)
	defer zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to init keystore cipher: %w", err)
	}
	return &Keystore{store: store, aead: aead, logger: log.Named("custody")}, nil
}

// Generate creates a fresh key, seals it and returns its reference
func (k *Keystore) Generate(ctx context.Context) (KeyRef, error) {
	priv, err := evm.GenerateKey()
	if err != nil {
		return KeyRef{}, fmt.Errorf("failed to generate session key: %w", err)
	}
	defer priv.Zero()

	ref := KeyRef{
		ID:      uuid.NewString(),
		Address: evm.PubkeyToAddress(priv.PubKey()).Hex(),
	}
	raw := priv.Serialize()
	defer zero(raw)

	sealed, err := k.seal(ref, raw)
	if err != nil {
		return KeyRef{}, err
	}
	if err := k.store.PutKey(ctx, ref.ID, ref.Address, sealed); err != nil {
		return KeyRef{}, err
	}
	k.logger.Debug("Session key generated", logger.String("key_id", ref.ID), logger.String("address", ref.Address))
	return ref, nil
}

// Sign unseals the key and signs a 32-byte digest, returning r||s||v
func (k *Keystore) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	address, sealed, err := k.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	raw, err := k.open(KeyRef{ID: keyID, Address: address}, sealed)
	if err != nil {
		return nil, err
	}
	defer zero(raw)

	priv, _ := btcec.PrivKeyFromBytes(raw)
	defer priv.Zero()
	return evm.Sign(priv, digest)
}

// Destroy removes the sealed key; later Sign calls fail with ledger.ErrKeyNotFound
func (k *Keystore) Destroy(ctx context.Context, keyID string) error {
	if err := k.store.DeleteKey(ctx, keyID); err != nil {
		return err
	}
	k.logger.Debug("Session key destroyed", logger.String("key_id", keyID))
	return nil
}

// sealed layout: nonce || ciphertext, authenticated with the key id and address
func (k *Keystore) seal(ref KeyRef, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, additionalData(ref)), nil
}

func (k *Keystore) open(ref KeyRef, sealed []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("sealed key is truncated")
	}
	raw, err := k.aead.Open(nil, sealed[:ns], sealed[ns:], additionalData(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal session key %s: %w", ref.ID, err)
	}
	return raw, nil
}

func additionalData(ref KeyRef) []byte {
	return []byte(ref.ID + "|" + ref.Address)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// StaticSigner signs with a single key loaded from configuration (the custody account)
type StaticSigner struct {
	priv    *btcec.PrivateKey
	address string
}

var _ Signer = (*StaticSigner)(nil)

// NewStaticSigner parses a hex private key
func NewStaticSigner(privateKeyHex string) (*StaticSigner, error) {
	priv, err := evm.PrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &StaticSigner{priv: priv, address: evm.PubkeyToAddress(priv.PubKey()).Hex()}, nil
}

// Address returns the signer's account address
func (s *StaticSigner) Address() string { return s.address }

// SignDigest signs a 32-byte digest
func (s *StaticSigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	return evm.Sign(s.priv, digest)
}
