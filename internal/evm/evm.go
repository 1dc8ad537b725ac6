// Package evm holds the small set of Ethereum primitives the service needs: addresses,
// keccak hashing, ERC-20 call encoding, EIP-712 digests and recoverable secp256k1 signatures.
package evm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// AddressLength is the byte length of an account address
const AddressLength = 20

// SignatureLength is the byte length of an r||s||v signature
const SignatureLength = 65

// Address is a 20-byte account address
type Address [AddressLength]byte

// ParseAddress parses a 0x-prefixed 40 hex character address (case-insensitive)
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return a, fmt.Errorf("address %q must be 0x-prefixed", s)
	}
	raw := s[2:]
	if len(raw) != AddressLength*2 {
		return a, fmt.Errorf("address %q must have %d hex characters", s, AddressLength*2)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("address %q is not hex: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NormalizeAddress returns the lower-case canonical form of s
func NormalizeAddress(s string) (string, error) {
	a, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.Hex(), nil
}

// Hex returns the lower-case 0x form
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// IsZero reports whether a is the zero address
func (a Address) IsZero() bool {
	return a == Address{}
}

// Keccak256 hashes the concatenation of data with legacy Keccak-256
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector of a canonical signature
func Selector(signature string) []byte {
	return Keccak256([]byte(signature))[:4]
}

// TransferSignature is the ERC-20 transfer function
const TransferSignature = "transfer(address,uint256)"

// EncodeTransfer builds calldata for ERC-20 transfer(to, amount)
func EncodeTransfer(to Address, amount *big.Int) []byte {
	out := make([]byte, 0, 4+64)
	out = append(out, Selector(TransferSignature)...)
	out = append(out, PadAddress(to)...)
	out = append(out, Uint256(amount)...)
	return out
}

// PadAddress left-pads an address to a 32-byte ABI word
func PadAddress(a Address) []byte {
	word := make([]byte, 32)
	copy(word[12:], a[:])
	return word
}

// Uint256 encodes a non-negative integer as a 32-byte big-endian ABI word
func Uint256(v *big.Int) []byte {
	word := make([]byte, 32)
	if v == nil {
		return word
	}
	return v.FillBytes(word)
}

// Domain is an EIP-712 domain with the fields used by USDC-style tokens
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract Address
}

var domainTypeHash = Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

// Separator returns the EIP-712 domain separator
func (d Domain) Separator() []byte {
	return Keccak256(
		domainTypeHash,
		Keccak256([]byte(d.Name)),
		Keccak256([]byte(d.Version)),
		Uint256(big.NewInt(d.ChainID)),
		PadAddress(d.VerifyingContract),
	)
}

// TypedDataDigest combines a domain separator and struct hash into the digest that is signed
func TypedDataDigest(domainSeparator, structHash []byte) []byte {
	return Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}

// GenerateKey creates a fresh secp256k1 private key
func GenerateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// PrivateKeyFromHex parses a 0x-optional 32-byte hex private key
func PrivateKeyFromHex(s string) (*btcec.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("private key is not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// PubkeyToAddress derives the account address of a public key
func PubkeyToAddress(pub *btcec.PublicKey) Address {
	var a Address
	uncompressed := pub.SerializeUncompressed()
	copy(a[:], Keccak256(uncompressed[1:])[12:])
	return a
}

// Sign produces a 65-byte r||s||v signature (v in {27,28}) over a 32-byte digest
func Sign(priv *btcec.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	compact := ecdsa.SignCompact(priv, digest, false)
	// compact is v||r||s with v = 27 + recovery id
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// RecoverAddress returns the address that produced sig over digest
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return Address{}, errors.New("invalid signature recovery id")
	}
	compact := make([]byte, SignatureLength)
	compact[0] = v
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return PubkeyToAddress(pub), nil
}

// HexBytes formats b as 0x-prefixed hex
func HexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex parses 0x-prefixed (or bare) hex
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return hex.DecodeString(s)
}
