package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/pkg/logger"
)

// BundlerConfig configures the JSON-RPC bundler client
type BundlerConfig struct {
	URL                 string
	EntryPoint          string
	ChainID             int64
	RequestTimeout      time.Duration
	PollInterval        time.Duration
	SponsorshipPolicyID string
}

// Bundler talks to an ERC-4337 bundler with an integrated paymaster over JSON-RPC
type Bundler struct {
	cfg        BundlerConfig
	httpClient *http.Client
	logger     *logger.Logger
	nextID     atomic.Int64
}

var _ Client = (*Bundler)(nil)

// NewBundler creates a new bundler client
func NewBundler(cfg BundlerConfig, log *logger.Logger) *Bundler {
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = EntryPointV07
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Bundler{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: log.Named("bundler"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (b *Bundler) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: b.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("status %d, undecodable body: %w", resp.StatusCode, err)}
	}
	if out.Error != nil {
		return out.Error
	}
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Method: method, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if result != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// getNonce(address,uint192)
var getNonceSelector = evm.Selector("getNonce(address,uint192)")

// Prepare fills nonce, fees and sponsored gas limits
func (b *Bundler) Prepare(ctx context.Context, op *UserOperation) error {
	sender, err := evm.ParseAddress(op.Sender)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	calldata := append(append([]byte{}, getNonceSelector...), evm.PadAddress(sender)...)
	calldata = append(calldata, evm.Uint256(big.NewInt(0))...)
	var nonceHex string
	if err := b.call(ctx, "eth_call", []any{
		map[string]string{"to": b.cfg.EntryPoint, "data": evm.HexBytes(calldata)}, "latest",
	}, &nonceHex); err != nil {
		return fmt.Errorf("failed to read account nonce: %w", err)
	}
	if op.Nonce, err = parseQuantity(nonceHex); err != nil {
		return fmt.Errorf("invalid nonce: %w", err)
	}

	var gasPriceHex string
	if err := b.call(ctx, "eth_gasPrice", []any{}, &gasPriceHex); err != nil {
		return fmt.Errorf("failed to read gas price: %w", err)
	}
	gasPrice, err := parseQuantity(gasPriceHex)
	if err != nil {
		return fmt.Errorf("invalid gas price: %w", err)
	}
	op.MaxFeePerGas = gasPrice
	op.MaxPriorityFeePerGas = gasPrice

	params := []any{toRPC(op), b.cfg.EntryPoint}
	if b.cfg.SponsorshipPolicyID != "" {
		params = append(params, map[string]string{"sponsorshipPolicyId": b.cfg.SponsorshipPolicyID})
	}
	var sp sponsorResult
	if err := b.call(ctx, "pm_sponsorUserOperation", params, &sp); err != nil {
		return fmt.Errorf("paymaster refused sponsorship: %w", err)
	}
	if err := sp.apply(op); err != nil {
		return err
	}

	b.logger.Debug("User operation prepared",
		logger.String("sender", op.Sender),
		logger.String("nonce", op.Nonce.String()),
		logger.String("paymaster", op.Paymaster))
	return nil
}

// Submit sends a signed operation. A TransportError here is ambiguous: the bundler may
// have accepted the operation.
func (b *Bundler) Submit(ctx context.Context, op *UserOperation) (string, error) {
	var hash string
	if err := b.call(ctx, "eth_sendUserOperation", []any{toRPC(op), b.cfg.EntryPoint}, &hash); err != nil {
		return "", err
	}
	b.logger.Info("User operation submitted", logger.String("user_op_hash", hash))
	return hash, nil
}

type rpcReceipt struct {
	UserOpHash    string `json:"userOpHash"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason"`
	ActualGasCost string `json:"actualGasCost"`
	Receipt       struct {
		TransactionHash string `json:"transactionHash"`
		BlockNumber     string `json:"blockNumber"`
	} `json:"receipt"`
}

// WaitForReceipt polls until the operation is included. Lookup failures are retried since
// the call is read-only; the wait ends only on a receipt or when ctx is done.
func (b *Bundler) WaitForReceipt(ctx context.Context, opHash string) (*Receipt, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var rr *rpcReceipt
		err := b.call(ctx, "eth_getUserOperationReceipt", []any{opHash}, &rr)
		switch {
		case err != nil && ctx.Err() == nil:
			b.logger.Warn("Receipt lookup failed, will retry",
				logger.String("user_op_hash", opHash),
				logger.Error(err))
		case rr != nil:
			block, _ := parseQuantity(rr.Receipt.BlockNumber)
			receipt := &Receipt{
				UserOpHash:    opHash,
				TxHash:        rr.Receipt.TransactionHash,
				Success:       rr.Success,
				Reason:        rr.Reason,
				ActualGasCost: rr.ActualGasCost,
			}
			if block != nil && block.IsUint64() {
				receipt.BlockNumber = block.Uint64()
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrReceiptTimeout, opHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// OperationHash hashes op for the configured entry point and chain
func (b *Bundler) OperationHash(op *UserOperation) ([]byte, error) {
	return op.Hash(b.cfg.EntryPoint, b.cfg.ChainID)
}

// rpcUserOperation is the wire form of a v0.7 user operation
type rpcUserOperation struct {
	Sender                        string `json:"sender"`
	Nonce                         string `json:"nonce"`
	CallData                      string `json:"callData"`
	CallGasLimit                  string `json:"callGasLimit"`
	VerificationGasLimit          string `json:"verificationGasLimit"`
	PreVerificationGas            string `json:"preVerificationGas"`
	MaxFeePerGas                  string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          string `json:"maxPriorityFeePerGas"`
	Paymaster                     string `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 string `json:"paymasterData,omitempty"`
	Signature                     string `json:"signature"`
}

func toRPC(op *UserOperation) rpcUserOperation {
	out := rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                quantity(op.Nonce),
		CallData:             evm.HexBytes(op.CallData),
		CallGasLimit:         quantity(op.CallGasLimit),
		VerificationGasLimit: quantity(op.VerificationGasLimit),
		PreVerificationGas:   quantity(op.PreVerificationGas),
		MaxFeePerGas:         quantity(op.MaxFeePerGas),
		MaxPriorityFeePerGas: quantity(op.MaxPriorityFeePerGas),
		Signature:            evm.HexBytes(op.Signature),
	}
	if op.Paymaster != "" {
		out.Paymaster = op.Paymaster
		out.PaymasterVerificationGasLimit = quantity(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = quantity(op.PaymasterPostOpGasLimit)
		out.PaymasterData = evm.HexBytes(op.PaymasterData)
	}
	return out
}

type sponsorResult struct {
	Paymaster                     string `json:"paymaster"`
	PaymasterData                 string `json:"paymasterData"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit"`
	CallGasLimit                  string `json:"callGasLimit"`
	VerificationGasLimit          string `json:"verificationGasLimit"`
	PreVerificationGas            string `json:"preVerificationGas"`
}

func (sp sponsorResult) apply(op *UserOperation) error {
	if sp.Paymaster == "" {
		return fmt.Errorf("paymaster returned no sponsorship")
	}
	var err error
	op.Paymaster = strings.ToLower(sp.Paymaster)
	if op.PaymasterData, err = evm.DecodeHex(sp.PaymasterData); err != nil {
		return fmt.Errorf("invalid paymasterData: %w", err)
	}
	fields := []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"paymasterVerificationGasLimit", sp.PaymasterVerificationGasLimit, &op.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", sp.PaymasterPostOpGasLimit, &op.PaymasterPostOpGasLimit},
		{"callGasLimit", sp.CallGasLimit, &op.CallGasLimit},
		{"verificationGasLimit", sp.VerificationGasLimit, &op.VerificationGasLimit},
		{"preVerificationGas", sp.PreVerificationGas, &op.PreVerificationGas},
	}
	for _, f := range fields {
		v, err := parseQuantity(f.in)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.out = v
	}
	return nil
}

func quantity(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

func parseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("quantity %q must be 0x-prefixed", s)
	}
	if len(s) == 2 {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, fmt.Errorf("quantity %q is not hex", s)
	}
	return v, nil
}
