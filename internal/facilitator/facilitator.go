// Package facilitator is the HTTP client for an x402 facilitator, the independent service
// that verifies payment payloads and executes the authorized transfers.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Config configures the facilitator client
type Config struct {
	URL     string
	Timeout time.Duration
}

// Client calls /verify, /settle and /supported. Nothing is retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a new facilitator client
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: log.Named("facilitator"),
	}
}

type requestBody struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Verify asks the facilitator to check a payload. A payload the facilitator rejects comes
// back as VERIFY_FAILED carrying its invalid reason.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var out x402.VerifyResponse
	status, err := c.post(ctx, "/verify", requestBody{x402.Version, payload, req}, &out)
	if err != nil {
		// verification moves no money, so every transport failure is a clean one
		return nil, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeNetworkError, "facilitator verify failed")
	}
	if status != http.StatusOK {
		return nil, apperr.New(apperr.KindExecutionFailed, apperr.CodeVerifyFailed,
			"facilitator returned %d", status)
	}
	if !out.IsValid {
		c.logger.Warn("Payment payload rejected",
			logger.String("reason", out.InvalidReason),
			logger.String("payer", out.Payer))
		return &out, apperr.New(apperr.KindExecutionFailed, apperr.CodeVerifyFailed, "%s", out.InvalidReason)
	}
	return &out, nil
}

// Settle asks the facilitator to execute the authorized transfer. An abort is returned
// verbatim as SETTLE_ABORTED. Any failure after the request may have been delivered is
// EXECUTION_AMBIGUOUS: the transfer may have executed.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var out x402.SettleResponse
	status, err := c.post(ctx, "/settle", requestBody{x402.Version, payload, req}, &out)
	if err != nil {
		var ue *unsentError
		if errors.As(err, &ue) {
			return nil, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeNetworkError, "facilitator settle unreachable")
		}
		c.logger.Error("Settlement outcome unknown", logger.Error(err))
		return nil, apperr.Wrap(err, apperr.KindExecutionAmbiguous, apperr.CodeExecutionAmbiguous, "settlement outcome unknown")
	}
	switch {
	case status >= 500:
		c.logger.Error("Facilitator failed during settlement", logger.Int("status", status))
		return nil, apperr.New(apperr.KindExecutionAmbiguous, apperr.CodeExecutionAmbiguous,
			"facilitator returned %d during settlement", status)
	case status != http.StatusOK:
		return nil, apperr.New(apperr.KindExecutionFailed, apperr.CodeSettleAborted,
			"facilitator rejected settlement request with %d", status)
	}
	if !out.Success {
		c.logger.Warn("Settlement aborted",
			logger.String("reason", out.ErrorReason),
			logger.String("network", out.Network))
		return &out, apperr.New(apperr.KindExecutionFailed, apperr.CodeSettleAborted, "%s", out.ErrorReason)
	}
	c.logger.Info("Payment settled",
		logger.String("transaction", out.Transaction),
		logger.String("payer", out.Payer))
	return &out, nil
}

// Supported lists the scheme/network pairs the facilitator handles
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeNetworkError, "facilitator unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindExecutionFailed, apperr.CodeNetworkError,
			"facilitator returned %d", resp.StatusCode)
	}
	var out x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeNetworkError, "undecodable supported response")
	}
	return &out, nil
}

// unsentError marks a failure that happened before the request left this process
type unsentError struct{ err error }

func (e *unsentError) Error() string { return e.err.Error() }
func (e *unsentError) Unwrap() error { return e.err }

// post sends body and decodes a 200 response into out. Non-200 responses return their
// status with a nil error; the error body is logged.
func (c *Client) post(ctx context.Context, path string, body any, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, &unsentError{fmt.Errorf("failed to encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, &unsentError{fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if dialFailed(err) {
			return 0, &unsentError{err}
		}
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		c.logger.Warn("Facilitator error response",
			logger.String("path", path),
			logger.Int("status", resp.StatusCode),
			logger.String("error", eb.Error))
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, fmt.Errorf("undecodable %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// dialFailed reports whether the connection was never established
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
