// Package x402 holds the wire types of the HTTP 402 payment protocol ("exact" scheme on EVM
// networks) and the header codec shared by the gate, the facilitator client and the payer.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/yegors/sessionpay/internal/policy"
)

// Version is the protocol version this package speaks
const Version = 1

// SchemeExact pays exactly the required amount with a transfer authorization
const SchemeExact = "exact"

// Header names
const (
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Extra carries the token's EIP-712 domain name and version
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequirements describes what a gate accepts for one resource
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Amount parses MaxAmountRequired, which is given in the asset's minor units
func (r PaymentRequirements) Amount() (policy.Amount, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(r.MaxAmountRequired), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid maxAmountRequired %q: %w", r.MaxAmountRequired, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative maxAmountRequired %q", r.MaxAmountRequired)
	}
	return policy.Amount(v), nil
}

// PaymentRequired is the body of a 402 response
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// Authorization is an EIP-3009 TransferWithAuthorization message. Integers are decimal
// strings and the nonce is 32 bytes of hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific part of a PaymentPayload
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is what the payer sends in the X-PAYMENT header
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// VerifyResponse is the facilitator's verdict on a payload
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's settlement result, also sent back to the payer in
// the X-PAYMENT-RESPONSE header
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Kind is one scheme/network pair a facilitator supports
type Kind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse lists what a facilitator can verify and settle
type SupportedResponse struct {
	Kinds []Kind `json:"kinds"`
}

// Supports reports whether scheme on network is listed
func (s SupportedResponse) Supports(scheme, network string) bool {
	for _, k := range s.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}

// EncodeHeader serializes v as base64 JSON
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader parses a base64 JSON header value into v
func DecodeHeader(value string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("header is not base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("header is not valid json: %w", err)
	}
	return nil
}

var networkAliases = map[string]int64{
	"ethereum":     1,
	"sepolia":      11155111,
	"base":         8453,
	"base-sepolia": 84532,
}

// ChainID resolves a CAIP-2 network ("eip155:11155111") or a legacy network name
func ChainID(network string) (int64, error) {
	if rest, ok := strings.CutPrefix(network, "eip155:"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid network %q", network)
		}
		return id, nil
	}
	if id, ok := networkAliases[network]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unsupported network %q", network)
}
