package withdrawal

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/pkg/logger"
)

const (
	token          = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	custodyAddress = "0x88c45377c7653a3b5e42685cb74835f669d9a546"
)

type fakeChain struct {
	prepareErr error
	submitErr  error
	waitErr    error
	receipt    *chain.Receipt

	calls     int
	submitted *chain.UserOperation
}

func (f *fakeChain) Prepare(ctx context.Context, op *chain.UserOperation) error {
	f.calls++
	if f.prepareErr != nil {
		return f.prepareErr
	}
	op.Nonce = big.NewInt(1)
	return nil
}

func (f *fakeChain) Submit(ctx context.Context, op *chain.UserOperation) (string, error) {
	f.calls++
	f.submitted = op
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "0xop", nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, opHash string) (*chain.Receipt, error) {
	f.calls++
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &chain.Receipt{UserOpHash: opHash, TxHash: "0xtx", Success: true}, nil
}

func (f *fakeChain) OperationHash(op *chain.UserOperation) ([]byte, error) {
	return op.Hash(chain.EntryPointV07, 84532)
}

type keyCustody struct{ priv *btcec.PrivateKey }

func (k *keyCustody) Generate(context.Context) (custody.KeyRef, error) {
	return custody.KeyRef{ID: "k", Address: evm.PubkeyToAddress(k.priv.PubKey()).Hex()}, nil
}

func (k *keyCustody) Sign(_ context.Context, _ string, digest []byte) ([]byte, error) {
	return evm.Sign(k.priv, digest)
}

func (k *keyCustody) Destroy(context.Context, string) error { return nil }

func setup(t *testing.T, fc *fakeChain) (*Executor, *ledger.Session, *keyCustody) {
	t.Helper()
	priv, err := evm.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	kc := &keyCustody{priv: priv}
	now := time.Now()
	sess := &ledger.Session{
		ID:                  "s1",
		SmartAccountAddress: "0x2222222222222222222222222222222222222222",
		SessionPublicKey:    evm.PubkeyToAddress(priv.PubKey()).Hex(),
		KeyID:               "k",
		Policy: policy.Policy{
			AllowedTargetAddress: custodyAddress,
			PerCallCeiling:       10_000,
			CumulativeBudget:     100_000,
			ValidityWindow:       policy.Window{NotBefore: now.Add(-time.Minute), NotAfter: now.Add(time.Hour)},
		},
		EnablementProof: []byte{0xaa, 0xbb},
		Status:          ledger.StatusActive,
		TotalAmount:     100_000,
		RemainingAmount: 100_000,
		ExpiresAt:       now.Add(time.Hour),
	}
	ex := NewExecutor(Config{
		TokenAddress:   token,
		CustodyAddress: custodyAddress,
		ReceiptTimeout: time.Second,
	}, fc, kc, logger.NewNop())
	return ex, sess, kc
}

func TestWithdrawSucceeds(t *testing.T) {
	fc := &fakeChain{}
	ex, sess, kc := setup(t, fc)

	out, err := ex.Withdraw(context.Background(), sess, 5_000)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if out.Kind != Succeeded || out.Receipt.TxHash != "0xtx" || out.Err() != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}

	target, _, inner, err := chain.DecodeExecute(fc.submitted.CallData)
	if err != nil {
		t.Fatalf("DecodeExecute: %v", err)
	}
	if target.Hex() != token {
		t.Fatalf("execute target = %s", target.Hex())
	}
	if want := evm.EncodeTransfer(evm.MustParseAddress(custodyAddress), big.NewInt(5_000)); string(inner) != string(want) {
		t.Fatalf("inner call is not transfer(custody, 5000)")
	}

	proof, permHash, sig, err := DecodeSessionSignature(fc.submitted.Signature)
	if err != nil {
		t.Fatalf("DecodeSessionSignature: %v", err)
	}
	if string(proof) != string(sess.EnablementProof) || permHash != out.PermissionHash {
		t.Fatalf("signature does not carry enablement data")
	}
	digest, _ := fc.OperationHash(fc.submitted)
	signer, err := evm.RecoverAddress(digest, sig)
	if err != nil || signer != evm.PubkeyToAddress(kc.priv.PubKey()) {
		t.Fatalf("operation not signed by the session key: %v", err)
	}
}

func TestWithdrawRequiresEnablement(t *testing.T) {
	fc := &fakeChain{}
	ex, sess, _ := setup(t, fc)
	sess.EnablementProof = nil

	_, err := ex.Withdraw(context.Background(), sess, 1)
	if !errors.Is(err, apperr.ErrEnablementMissing) {
		t.Fatalf("expected ENABLEMENT_MISSING, got %v", err)
	}
	if fc.calls != 0 {
		t.Fatalf("no network call expected, got %d", fc.calls)
	}
}

func TestWithdrawPolicyDenied(t *testing.T) {
	tests := map[string]func(s *ledger.Session) policy.Amount{
		"target is not custody": func(s *ledger.Session) policy.Amount {
			s.Policy.AllowedTargetAddress = "0x9999999999999999999999999999999999999999"
			return 1
		},
		"over ceiling": func(s *ledger.Session) policy.Amount { return 10_001 },
		"window elapsed": func(s *ledger.Session) policy.Amount {
			s.Policy.ValidityWindow.NotAfter = time.Now().Add(-time.Second)
			return 1
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			fc := &fakeChain{}
			ex, sess, _ := setup(t, fc)
			amount := mutate(sess)
			_, err := ex.Withdraw(context.Background(), sess, amount)
			if !errors.Is(err, apperr.ErrPolicyDenied) {
				t.Fatalf("expected POLICY_DENIED, got %v", err)
			}
			if fc.calls != 0 {
				t.Fatalf("no network call expected, got %d", fc.calls)
			}
		})
	}
}

func TestWithdrawOutcomes(t *testing.T) {
	tests := []struct {
		name string
		fc   *fakeChain
		want Kind
		code string
	}{
		{"rpc rejection is a clean failure", &fakeChain{submitErr: &chain.RPCError{Code: -32500, Message: "AA24"}}, Failed, apperr.CodeExecutionFailed},
		{"transport failure is ambiguous", &fakeChain{submitErr: &chain.TransportError{Method: "eth_sendUserOperation", Err: errors.New("EOF")}}, Ambiguous, apperr.CodeExecutionAmbiguous},
		{"receipt timeout is ambiguous", &fakeChain{waitErr: chain.ErrReceiptTimeout}, Ambiguous, apperr.CodeExecutionAmbiguous},
		{"revert is a clean failure", &fakeChain{receipt: &chain.Receipt{Success: false, Reason: "ERC20: transfer amount exceeds balance"}}, Failed, apperr.CodeExecutionFailed},
		{"sponsorship refusal is a clean failure", &fakeChain{prepareErr: &chain.RPCError{Code: -32602, Message: "policy"}}, Failed, apperr.CodeExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, sess, _ := setup(t, tt.fc)
			out, err := ex.Withdraw(context.Background(), sess, 1_000)
			if err != nil {
				t.Fatalf("unexpected local rejection: %v", err)
			}
			if out.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", out.Kind, tt.want)
			}
			if got := apperr.CodeOf(out.Err()); got != tt.code {
				t.Fatalf("code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestSessionSignatureRoundTrip(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 28
	permHash := evm.HexBytes(evm.Keccak256([]byte("perm")))
	enc := EncodeSessionSignature([]byte("proof"), permHash, sig)
	proof, ph, got, err := DecodeSessionSignature(enc)
	if err != nil {
		t.Fatalf("DecodeSessionSignature: %v", err)
	}
	if string(proof) != "proof" || ph != permHash || got[64] != 28 {
		t.Fatalf("round trip mismatch")
	}
}
