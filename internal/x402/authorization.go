package x402

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/evm"
)

var transferWithAuthorizationTypeHash = evm.Keccak256([]byte(
	"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

// Clock skew allowance applied to validAfter
const validAfterSkew = 10 * time.Minute

// Invalid reasons reported by VerifyPayload
const (
	ReasonInvalidScheme     = "invalid_scheme"
	ReasonInvalidNetwork    = "invalid_network"
	ReasonInvalidPayload    = "invalid_payload"
	ReasonRecipientMismatch = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonValueMismatch     = "invalid_exact_evm_payload_authorization_value"
	ReasonNotYetValid       = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonExpired           = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonInvalidSignature  = "invalid_exact_evm_payload_signature"
)

// Domain builds the token's EIP-712 domain from the requirements
func Domain(req PaymentRequirements) (evm.Domain, error) {
	chainID, err := ChainID(req.Network)
	if err != nil {
		return evm.Domain{}, err
	}
	asset, err := evm.ParseAddress(req.Asset)
	if err != nil {
		return evm.Domain{}, fmt.Errorf("invalid asset: %w", err)
	}
	d := evm.Domain{Name: "USDC", Version: "2", ChainID: chainID, VerifyingContract: asset}
	if req.Extra != nil {
		if req.Extra.Name != "" {
			d.Name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			d.Version = req.Extra.Version
		}
	}
	return d, nil
}

// Digest returns the EIP-712 digest the payer signs
func (a Authorization) Digest(domain evm.Domain) ([]byte, error) {
	from, err := evm.ParseAddress(a.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from: %w", err)
	}
	to, err := evm.ParseAddress(a.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to: %w", err)
	}
	ints := make([][]byte, 0, 3)
	for _, f := range []struct{ name, v string }{
		{"value", a.Value}, {"validAfter", a.ValidAfter}, {"validBefore", a.ValidBefore},
	} {
		n, ok := new(big.Int).SetString(f.v, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("invalid %s %q", f.name, f.v)
		}
		ints = append(ints, evm.Uint256(n))
	}
	nonce, err := evm.DecodeHex(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes of hex")
	}
	structHash := evm.Keccak256(
		transferWithAuthorizationTypeHash,
		evm.PadAddress(from),
		evm.PadAddress(to),
		ints[0], ints[1], ints[2],
		nonce,
	)
	return evm.TypedDataDigest(domain.Separator(), structHash), nil
}

// NewPayload signs an authorization paying exactly the required amount to the required
// payee, valid until the requirement's timeout elapses, under a fresh random nonce
func NewPayload(ctx context.Context, signer custody.Signer, req PaymentRequirements, now time.Time) (*PaymentPayload, error) {
	domain, err := Domain(req)
	if err != nil {
		return nil, err
	}
	if _, err := req.Amount(); err != nil {
		return nil, err
	}
	payTo, err := evm.NormalizeAddress(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid payTo: %w", err)
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}

	auth := Authorization{
		From:        signer.Address(),
		To:          payTo,
		Value:       strings.TrimSpace(req.MaxAmountRequired),
		ValidAfter:  strconv.FormatInt(now.Add(-validAfterSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(timeout).Unix(), 10),
		Nonce:       evm.HexBytes(nonce),
	}
	digest, err := auth.Digest(domain)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     ExactPayload{Signature: evm.HexBytes(sig), Authorization: auth},
	}, nil
}

// VerifyPayload checks a payload against the requirements it claims to satisfy. It covers
// everything that can be checked offline; balances are the facilitator's concern.
func VerifyPayload(p *PaymentPayload, req PaymentRequirements, now time.Time) VerifyResponse {
	invalid := func(reason string) VerifyResponse {
		return VerifyResponse{IsValid: false, InvalidReason: reason, Payer: p.Payload.Authorization.From}
	}
	if p.Scheme != SchemeExact || req.Scheme != SchemeExact {
		return invalid(ReasonInvalidScheme)
	}
	if p.Network != req.Network {
		return invalid(ReasonInvalidNetwork)
	}
	auth := p.Payload.Authorization
	to, err := evm.NormalizeAddress(auth.To)
	if err != nil {
		return invalid(ReasonInvalidPayload)
	}
	payTo, err := evm.NormalizeAddress(req.PayTo)
	if err != nil || to != payTo {
		return invalid(ReasonRecipientMismatch)
	}
	if strings.TrimSpace(auth.Value) != strings.TrimSpace(req.MaxAmountRequired) {
		return invalid(ReasonValueMismatch)
	}
	after, err1 := strconv.ParseInt(auth.ValidAfter, 10, 64)
	before, err2 := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err1 != nil || err2 != nil {
		return invalid(ReasonInvalidPayload)
	}
	if now.Unix() < after {
		return invalid(ReasonNotYetValid)
	}
	if now.Unix() >= before {
		return invalid(ReasonExpired)
	}

	domain, err := Domain(req)
	if err != nil {
		return invalid(ReasonInvalidNetwork)
	}
	digest, err := auth.Digest(domain)
	if err != nil {
		return invalid(ReasonInvalidPayload)
	}
	sig, err := evm.DecodeHex(p.Payload.Signature)
	if err != nil {
		return invalid(ReasonInvalidSignature)
	}
	signer, err := evm.RecoverAddress(digest, sig)
	if err != nil {
		return invalid(ReasonInvalidSignature)
	}
	from, err := evm.ParseAddress(auth.From)
	if err != nil || signer != from {
		return invalid(ReasonInvalidSignature)
	}
	return VerifyResponse{IsValid: true, Payer: from.Hex()}
}
