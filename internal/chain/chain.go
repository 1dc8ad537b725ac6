// Package chain is the boundary to the account-abstraction network: it prepares, submits
// and confirms delegated user operations. How inclusion works is the bundler's business.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/yegors/sessionpay/internal/evm"
)

// EntryPointV07 is the canonical ERC-4337 v0.7 entry point
const EntryPointV07 = "0x0000000071727de22e5e9d8baf0edac6f37da032"

// ExecuteSignature is the smart account's single-call execution function
const ExecuteSignature = "execute(address,uint256,bytes)"

// UserOperation is an ERC-4337 v0.7 user operation
type UserOperation struct {
	Sender                        string
	Nonce                         *big.Int
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     string
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// Receipt is the confirmed outcome of a user operation
type Receipt struct {
	UserOpHash    string `json:"userOpHash"`
	TxHash        string `json:"transactionHash"`
	BlockNumber   uint64 `json:"blockNumber"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
	ActualGasCost string `json:"actualGasCost,omitempty"`
}

// Client submits user operations through a gas-sponsoring bundler
type Client interface {
	// Prepare fills the nonce, gas limits and paymaster sponsorship of op
	Prepare(ctx context.Context, op *UserOperation) error
	// Submit hands a signed op to the bundler and returns its hash
	Submit(ctx context.Context, op *UserOperation) (string, error)
	// WaitForReceipt blocks until the op is included or ctx is done
	WaitForReceipt(ctx context.Context, opHash string) (*Receipt, error)
	// OperationHash is the digest the session key signs
	OperationHash(op *UserOperation) ([]byte, error)
}

// ErrReceiptTimeout is returned when the confirmation wait ends without a receipt
var ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")

// RPCError is an error object returned by the node. It is a definite rejection: the
// operation was not accepted.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError means the request may or may not have reached the node
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failure: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Definite reports whether err proves the operation was not accepted
func Definite(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// EncodeExecute builds smart account calldata for execute(target, value, data)
func EncodeExecute(target evm.Address, value *big.Int, data []byte) []byte {
	out := make([]byte, 0, 4+32*4+len(data)+32)
	out = append(out, evm.Selector(ExecuteSignature)...)
	out = append(out, evm.PadAddress(target)...)
	out = append(out, evm.Uint256(value)...)
	out = append(out, evm.Uint256(big.NewInt(96))...)
	out = append(out, evm.Uint256(big.NewInt(int64(len(data))))...)
	out = append(out, data...)
	if rem := len(data) % 32; rem != 0 {
		out = append(out, make([]byte, 32-rem)...)
	}
	return out
}

// DecodeExecute is the inverse of EncodeExecute
func DecodeExecute(calldata []byte) (evm.Address, *big.Int, []byte, error) {
	var target evm.Address
	if len(calldata) < 4+32*4 {
		return target, nil, nil, errors.New("execute calldata too short")
	}
	if string(calldata[:4]) != string(evm.Selector(ExecuteSignature)) {
		return target, nil, nil, errors.New("calldata is not an execute call")
	}
	body := calldata[4:]
	copy(target[:], body[12:32])
	value := new(big.Int).SetBytes(body[32:64])
	n := new(big.Int).SetBytes(body[96:128])
	if !n.IsInt64() || int(n.Int64()) > len(body)-128 {
		return target, nil, nil, errors.New("execute calldata length out of range")
	}
	return target, value, body[128 : 128+int(n.Int64())], nil
}

// PaymasterAndData packs the v0.7 paymaster fields
func (op *UserOperation) PaymasterAndData() ([]byte, error) {
	if op.Paymaster == "" {
		return nil, nil
	}
	pm, err := evm.ParseAddress(op.Paymaster)
	if err != nil {
		return nil, fmt.Errorf("invalid paymaster: %w", err)
	}
	out := make([]byte, 0, 20+32+len(op.PaymasterData))
	out = append(out, pm[:]...)
	out = append(out, uint128(op.PaymasterVerificationGasLimit)...)
	out = append(out, uint128(op.PaymasterPostOpGasLimit)...)
	out = append(out, op.PaymasterData...)
	return out, nil
}

// Hash computes the v0.7 user operation hash for an entry point and chain
func (op *UserOperation) Hash(entryPoint string, chainID int64) ([]byte, error) {
	sender, err := evm.ParseAddress(op.Sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	ep, err := evm.ParseAddress(entryPoint)
	if err != nil {
		return nil, fmt.Errorf("invalid entry point: %w", err)
	}
	pmd, err := op.PaymasterAndData()
	if err != nil {
		return nil, err
	}
	packed := evm.Keccak256(
		evm.PadAddress(sender),
		evm.Uint256(op.Nonce),
		evm.Keccak256(nil), // initCode: the account is already deployed
		evm.Keccak256(op.CallData),
		pack128(op.VerificationGasLimit, op.CallGasLimit),
		evm.Uint256(op.PreVerificationGas),
		pack128(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		evm.Keccak256(pmd),
	)
	return evm.Keccak256(packed, evm.PadAddress(ep), evm.Uint256(big.NewInt(chainID))), nil
}

func uint128(v *big.Int) []byte {
	word := evm.Uint256(v)
	return word[16:]
}

func pack128(hi, lo *big.Int) []byte {
	out := make([]byte, 0, 32)
	out = append(out, uint128(hi)...)
	return append(out, uint128(lo)...)
}
