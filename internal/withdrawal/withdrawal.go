// Package withdrawal moves funds from a smart account to the custody account under a
// session key. Every call ends in exactly one Outcome; nothing here is retried.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Kind tags an Outcome
type Kind int

const (
	Succeeded Kind = iota + 1
	Failed
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	case Ambiguous:
		return "AMBIGUOUS"
	}
	return "UNKNOWN"
}

// Outcome is the result of a withdrawal that reached the network. Callers must switch on
// Kind: an Ambiguous outcome may still land on chain.
type Outcome struct {
	Kind           Kind
	Receipt        *chain.Receipt
	OpHash         string
	PermissionHash string
	Reason         string
	Cause          error
}

// Err converts a non-successful outcome to a typed error
func (o Outcome) Err() error {
	switch o.Kind {
	case Succeeded:
		return nil
	case Ambiguous:
		return apperr.Wrap(o.Cause, apperr.KindExecutionAmbiguous, apperr.CodeExecutionAmbiguous,
			"withdrawal %s outcome unknown: %s", o.OpHash, o.Reason)
	default:
		return apperr.Wrap(o.Cause, apperr.KindExecutionFailed, apperr.CodeExecutionFailed,
			"withdrawal failed: %s", o.Reason)
	}
}

// Config holds the values the call permission is rebuilt from
type Config struct {
	TokenAddress     string
	CustodyAddress   string
	PermissionPeriod time.Duration
	ReceiptTimeout   time.Duration
}

// Executor builds, signs and submits delegated transfers
type Executor struct {
	cfg     Config
	chain   chain.Client
	custody custody.Custody
	now     func() time.Time
	logger  *logger.Logger
}

// NewExecutor creates a new withdrawal executor
func NewExecutor(cfg Config, chainClient chain.Client, keys custody.Custody, log *logger.Logger) *Executor {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 60 * time.Second
	}
	if cfg.PermissionPeriod <= 0 {
		cfg.PermissionPeriod = 24 * time.Hour
	}
	return &Executor{
		cfg:     cfg,
		chain:   chainClient,
		custody: keys,
		now:     time.Now,
		logger:  log.Named("withdrawal"),
	}
}

// Withdraw moves amount from the session's smart account to custody. A non-nil error means
// the request was rejected locally and nothing was sent; otherwise the Outcome says what
// happened on the network. sess is the snapshot amount was validated against.
func (e *Executor) Withdraw(ctx context.Context, sess *ledger.Session, amount policy.Amount) (Outcome, error) {
	if len(sess.EnablementProof) == 0 {
		return Outcome{}, apperr.New(apperr.KindState, apperr.CodeEnablementMissing,
			"session %s has no enablement proof", sess.ID)
	}

	now := e.now()
	perm, err := policy.DerivePermission(e.cfg.TokenAddress, sess.Policy, e.cfg.PermissionPeriod)
	if err != nil {
		return Outcome{}, apperr.Wrap(err, apperr.KindPolicy, apperr.CodePolicyDenied, "cannot rebuild call permission")
	}
	decision := policy.Validate(sess.Policy, sess.RemainingAmount, policy.Transfer{
		Target: e.cfg.CustodyAddress,
		Amount: amount,
		At:     now,
	})
	if !decision.Allowed {
		return Outcome{}, apperr.Wrap(decision.Err(), apperr.KindPolicy, apperr.CodePolicyDenied, "withdrawal denied")
	}

	custodyAddr, err := evm.ParseAddress(e.cfg.CustodyAddress)
	if err != nil {
		return Outcome{}, fmt.Errorf("invalid custody address: %w", err)
	}
	token, err := evm.ParseAddress(e.cfg.TokenAddress)
	if err != nil {
		return Outcome{}, fmt.Errorf("invalid token address: %w", err)
	}
	transfer := evm.EncodeTransfer(custodyAddr, amount.BigInt())
	if err := perm.Check(e.cfg.TokenAddress, transfer, now); err != nil {
		return Outcome{}, apperr.Wrap(err, apperr.KindPolicy, apperr.CodePolicyDenied, "call permission rejects transfer")
	}

	permHash := perm.Hash()
	log := e.logger.With(
		logger.String("session_id", sess.ID),
		logger.String("amount", amount.String()),
		logger.String("permission_hash", permHash))

	op := &chain.UserOperation{
		Sender:    sess.SmartAccountAddress,
		CallData:  chain.EncodeExecute(token, big.NewInt(0), transfer),
		Signature: EncodeSessionSignature(sess.EnablementProof, permHash, stubSignature()),
	}
	failed := func(reason string, cause error) Outcome {
		log.Warn("Withdrawal failed", logger.String("reason", reason), logger.Error(cause))
		return Outcome{Kind: Failed, PermissionHash: permHash, Reason: reason, Cause: cause}
	}

	if err := e.chain.Prepare(ctx, op); err != nil {
		return failed("sponsorship failed", err), nil
	}
	digest, err := e.chain.OperationHash(op)
	if err != nil {
		return failed("cannot hash operation", err), nil
	}
	sig, err := e.custody.Sign(ctx, sess.KeyID, digest)
	if err != nil {
		return failed("session key unavailable", err), nil
	}
	op.Signature = EncodeSessionSignature(sess.EnablementProof, permHash, sig)

	// Once sent, a caller cancellation must not cut the submission short
	opHash, err := e.chain.Submit(context.WithoutCancel(ctx), op)
	if err != nil {
		if chain.Definite(err) {
			return failed("bundler rejected operation", err), nil
		}
		log.Error("Withdrawal submission outcome unknown", logger.Error(err))
		return Outcome{Kind: Ambiguous, PermissionHash: permHash, Reason: "submission outcome unknown", Cause: err}, nil
	}
	log = log.With(logger.String("user_op_hash", opHash))

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := e.chain.WaitForReceipt(waitCtx, opHash)
	if err != nil {
		reason := "confirmation wait abandoned"
		if errors.Is(err, chain.ErrReceiptTimeout) {
			reason = "confirmation wait timed out"
		}
		log.Error("Withdrawal outcome unknown", logger.String("reason", reason), logger.Error(err))
		return Outcome{Kind: Ambiguous, OpHash: opHash, PermissionHash: permHash, Reason: reason, Cause: err}, nil
	}
	if !receipt.Success {
		out := failed("operation reverted: "+receipt.Reason, nil)
		out.OpHash = opHash
		out.Receipt = receipt
		return out, nil
	}

	log.Info("Withdrawal confirmed",
		logger.String("tx_hash", receipt.TxHash),
		logger.Int64("block", int64(receipt.BlockNumber)))
	return Outcome{Kind: Succeeded, Receipt: receipt, OpHash: opHash, PermissionHash: permHash}, nil
}

// sessionSignatureMode marks a signature that carries its own enablement data
const sessionSignatureMode = 0x02

// EncodeSessionSignature lays out mode || len(proof) || proof || permissionHash || sig,
// the enable-mode format the session key validator decodes
func EncodeSessionSignature(proof []byte, permissionHash string, sig []byte) []byte {
	ph, _ := evm.DecodeHex(permissionHash)
	out := make([]byte, 0, 1+32+len(proof)+len(ph)+len(sig))
	out = append(out, sessionSignatureMode)
	out = append(out, evm.Uint256(big.NewInt(int64(len(proof))))...)
	out = append(out, proof...)
	out = append(out, ph...)
	return append(out, sig...)
}

// DecodeSessionSignature splits an enable-mode signature
func DecodeSessionSignature(b []byte) (proof []byte, permissionHash string, sig []byte, err error) {
	if len(b) < 1+32+32+evm.SignatureLength || b[0] != sessionSignatureMode {
		return nil, "", nil, errors.New("not a session signature")
	}
	n := new(big.Int).SetBytes(b[1:33])
	if !n.IsInt64() || int(n.Int64()) != len(b)-1-32-32-evm.SignatureLength {
		return nil, "", nil, errors.New("session signature length mismatch")
	}
	rest := b[33:]
	pl := int(n.Int64())
	return rest[:pl], evm.HexBytes(rest[pl : pl+32]), rest[pl+32:], nil
}

// stubSignature has the right length for gas estimation
func stubSignature() []byte {
	sig := make([]byte, evm.SignatureLength)
	for i := range sig[:64] {
		sig[i] = 0xff
	}
	sig[64] = 27
	return sig
}
