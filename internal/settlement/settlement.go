// Package settlement pays for gated resources: it answers a 402 challenge with a signed
// transfer authorization, has the facilitator verify and settle it, then fetches the
// resource with the settlement proof attached.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Facilitator verifies and settles payment payloads
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// Config configures the settlement client
type Config struct {
	// Network is the only network payments are made on
	Network string
	// RequestTimeout bounds each resource request
	RequestTimeout time.Duration
}

// Resource is a fetched resource and, when it was paid for, the settlement behind it
type Resource struct {
	Status       int                       `json:"status"`
	ContentType  string                    `json:"contentType,omitempty"`
	Body         json.RawMessage           `json:"body"`
	Requirements *x402.PaymentRequirements `json:"requirements,omitempty"`
	Settlement   *x402.SettleResponse      `json:"settlement,omitempty"`
}

// Paid reports whether a settlement completed for this resource
func (r *Resource) Paid() bool {
	return r != nil && r.Settlement != nil && r.Settlement.Success
}

// Client performs the challenge/response payment exchange
type Client struct {
	cfg         Config
	httpClient  *http.Client
	facilitator Facilitator
	now         func() time.Time
	logger      *logger.Logger
}

// New creates a new settlement client
func New(cfg Config, fac Facilitator, log *logger.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		facilitator: fac,
		now:         time.Now,
		logger:      log.Named("settlement"),
	}
}

// Settle fetches resourceURL, paying from payer when the gate asks for payment. price is
// what the payer was funded with and must equal the gate's requirement exactly: a larger
// requirement is CEILING_EXCEEDED, a smaller one PRICE_MISMATCH, both refused before
// anything is signed. A free resource is returned as is.
//
// When the settlement completed but the paid re-request failed, the returned Resource
// still carries the settlement alongside a RESOURCE_UNDELIVERED partial completion.
func (c *Client) Settle(ctx context.Context, resourceURL string, payer custody.Signer, price policy.Amount) (*Resource, error) {
	log := c.logger.With(logger.String("resource", resourceURL))

	resp, err := c.get(ctx, resourceURL, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeNetworkError, "resource request failed")
	}
	if resp.status >= 200 && resp.status < 300 {
		log.Debug("Resource served without payment")
		return resp.resource(), nil
	}
	if resp.status != http.StatusPaymentRequired {
		return nil, apperr.New(apperr.KindExecutionFailed, apperr.CodeChallengeMissing,
			"resource answered %d instead of a payment challenge", resp.status)
	}

	req, err := c.choose(resp)
	if err != nil {
		return nil, err
	}
	asked, err := req.Amount()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeChallengeMissing, "malformed payment requirement")
	}
	switch {
	case asked > price:
		return nil, apperr.New(apperr.KindPolicy, apperr.CodeCeilingExceeded,
			"resource asks %s, at most %s authorized", asked, price)
	case asked < price:
		// Paying less would leave the difference in custody with nothing accounting for it
		return nil, apperr.New(apperr.KindExecutionFailed, apperr.CodePriceMismatch,
			"resource asks %s, %s was funded", asked, price)
	}

	payload, err := x402.NewPayload(ctx, payer, req, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to build payment payload: %w", err)
	}
	log = log.With(
		logger.String("pay_to", req.PayTo),
		logger.String("amount", req.MaxAmountRequired),
		logger.String("nonce", payload.Payload.Authorization.Nonce))

	if _, err := c.facilitator.Verify(ctx, payload, req); err != nil {
		log.Warn("Payment verification failed", logger.Error(err))
		return nil, err
	}
	// Settlement moves money; from here a caller cancellation must not cut it short
	settled, err := c.facilitator.Settle(context.WithoutCancel(ctx), payload, req)
	if err != nil {
		log.Warn("Payment settlement failed", logger.Error(err))
		return nil, err
	}
	log.Info("Payment settled", logger.String("transaction", settled.Transaction))

	paymentHeader, err := x402.EncodeHeader(payload)
	if err != nil {
		return nil, err
	}
	proofHeader, err := x402.EncodeHeader(settled)
	if err != nil {
		return nil, err
	}
	paid, err := c.get(context.WithoutCancel(ctx), resourceURL, map[string]string{
		x402.HeaderPayment:         paymentHeader,
		x402.HeaderPaymentResponse: proofHeader,
	})
	partial := &Resource{Requirements: &req, Settlement: settled}
	if err != nil {
		log.Error("Paid resource request failed", logger.Error(err))
		return partial, apperr.Wrap(err, apperr.KindPartialCompletion, apperr.CodeResourceUndelivered,
			"paid request failed after settlement %s", settled.Transaction)
	}
	if paid.status < 200 || paid.status >= 300 {
		log.Error("Gate refused settled payment", logger.Int("status", paid.status))
		return partial, apperr.New(apperr.KindPartialCompletion, apperr.CodeResourceUndelivered,
			"gate answered %d after settlement %s", paid.status, settled.Transaction)
	}

	out := paid.resource()
	out.Requirements = &req
	out.Settlement = settled
	return out, nil
}

// choose picks the exact-scheme requirement for the configured network
func (c *Client) choose(resp *response) (x402.PaymentRequirements, error) {
	var challenge x402.PaymentRequired
	if err := json.Unmarshal(resp.body, &challenge); err != nil || len(challenge.Accepts) == 0 {
		h := resp.header.Get(x402.HeaderPaymentRequired)
		if h == "" {
			return x402.PaymentRequirements{}, apperr.New(apperr.KindExecutionFailed, apperr.CodeChallengeMissing,
				"402 response carries no payment requirements")
		}
		if err := x402.DecodeHeader(h, &challenge); err != nil {
			return x402.PaymentRequirements{}, apperr.Wrap(err, apperr.KindExecutionFailed, apperr.CodeChallengeMissing,
				"malformed payment requirements")
		}
	}
	for _, req := range challenge.Accepts {
		if req.Scheme == x402.SchemeExact && req.Network == c.cfg.Network {
			return req, nil
		}
	}
	return x402.PaymentRequirements{}, apperr.New(apperr.KindExecutionFailed, apperr.CodeChallengeMissing,
		"no %s requirement on %s among %d offered", x402.SchemeExact, c.cfg.Network, len(challenge.Accepts))
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) resource() *Resource {
	body := r.body
	if !json.Valid(body) {
		body, _ = json.Marshal(string(body))
	}
	return &Resource{Status: r.status, ContentType: r.header.Get("Content-Type"), Body: body}
}

func (c *Client) get(ctx context.Context, url string, headers map[string]string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}
