package policy

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/yegors/sessionpay/internal/evm"
)

// CallPermission is the on-chain constraint a session key is enabled with: it may call
// transfer(address,uint256) on Token only with the recipient locked to Recipient, each call
// at most MaxPerCall, at most SpendingLimit per Period, within [ValidAfter, ValidUntil].
//
// It is derived from configuration and the stored policy alone so the exact permission that
// was enabled at session creation can be rebuilt and audited at withdrawal time.
type CallPermission struct {
	Token         string `json:"token"`
	Selector      string `json:"selector"`
	Recipient     string `json:"recipient"`
	MaxPerCall    Amount `json:"maxPerCall"`
	SpendingLimit Amount `json:"spendingLimit"`
	PeriodSeconds int64  `json:"periodSeconds"`
	ValidAfter    int64  `json:"validAfter"`
	ValidUntil    int64  `json:"validUntil"`
}

// DerivePermission rebuilds the call permission for a session policy
func DerivePermission(token string, p Policy, period time.Duration) (CallPermission, error) {
	tok, err := evm.NormalizeAddress(token)
	if err != nil {
		return CallPermission{}, fmt.Errorf("invalid token address: %w", err)
	}
	rcpt, err := evm.NormalizeAddress(p.AllowedTargetAddress)
	if err != nil {
		return CallPermission{}, fmt.Errorf("invalid target address: %w", err)
	}
	perm := CallPermission{
		Token:         tok,
		Selector:      evm.HexBytes(evm.Selector(evm.TransferSignature)),
		Recipient:     rcpt,
		MaxPerCall:    p.PerCallCeiling,
		SpendingLimit: p.CumulativeBudget,
		PeriodSeconds: int64(period / time.Second),
	}
	if !p.ValidityWindow.NotBefore.IsZero() {
		perm.ValidAfter = p.ValidityWindow.NotBefore.Unix()
	}
	if !p.ValidityWindow.NotAfter.IsZero() {
		perm.ValidUntil = p.ValidityWindow.NotAfter.Unix()
	}
	return perm, nil
}

// Hash is a stable digest of the permission, recorded with each withdrawal
func (c CallPermission) Hash() string {
	tok, _ := evm.ParseAddress(c.Token)
	rcpt, _ := evm.ParseAddress(c.Recipient)
	sel, _ := evm.DecodeHex(c.Selector)
	return evm.HexBytes(evm.Keccak256(
		evm.PadAddress(tok),
		sel,
		evm.PadAddress(rcpt),
		evm.Uint256(c.MaxPerCall.BigInt()),
		evm.Uint256(c.SpendingLimit.BigInt()),
		evm.Uint256(big.NewInt(c.PeriodSeconds)),
		evm.Uint256(big.NewInt(c.ValidAfter)),
		evm.Uint256(big.NewInt(c.ValidUntil)),
	))
}

// Check evaluates a single call (target contract + calldata) the way the on-chain
// permission validator would. It is the second, independent evaluation of the policy.
func (c CallPermission) Check(target string, calldata []byte, at time.Time) error {
	tgt, err := evm.NormalizeAddress(target)
	if err != nil || tgt != c.Token {
		return fmt.Errorf("call target %s not permitted", target)
	}
	sel, _ := evm.DecodeHex(c.Selector)
	if len(calldata) != 4+64 || !bytes.Equal(calldata[:4], sel) {
		return fmt.Errorf("call is not %s", evm.TransferSignature)
	}
	var to evm.Address
	copy(to[:], calldata[4+12:4+32])
	if to.Hex() != c.Recipient {
		return fmt.Errorf("transfer recipient %s not permitted", to.Hex())
	}
	amount := new(big.Int).SetBytes(calldata[4+32:])
	if !amount.IsInt64() || Amount(amount.Int64()) > c.MaxPerCall {
		return fmt.Errorf("transfer amount %s exceeds per-call limit %s", amount, c.MaxPerCall)
	}
	if Amount(amount.Int64()) > c.SpendingLimit {
		return fmt.Errorf("transfer amount %s exceeds spending limit %s", amount, c.SpendingLimit)
	}
	ts := at.Unix()
	if c.ValidAfter != 0 && ts < c.ValidAfter {
		return fmt.Errorf("permission not yet valid")
	}
	if c.ValidUntil != 0 && ts > c.ValidUntil {
		return fmt.Errorf("permission expired")
	}
	return nil
}
