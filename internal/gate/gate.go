// Package gate protects HTTP routes behind an x402 payment requirement
package gate

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yegors/sessionpay/internal/api/httpx"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Facilitator verifies and settles payment payloads on the gate's behalf
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// Config describes how the gate gets paid
type Config struct {
	Network           string
	PayTo             string
	Asset             string
	AssetName         string
	AssetVersion      string
	MaxTimeoutSeconds int
}

// Route is the price of one protected route
type Route struct {
	Price       string
	Description string
	MimeType    string
}

// Gate issues payment challenges and admits paid requests
type Gate struct {
	cfg         Config
	facilitator Facilitator
	now         func() time.Time
	logger      *logger.Logger

	mu   sync.Mutex
	used map[string]time.Time // nonce -> validBefore
}

// New creates a new gate
func New(cfg Config, fac Facilitator, log *logger.Logger) *Gate {
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	return &Gate{
		cfg:         cfg,
		facilitator: fac,
		now:         time.Now,
		logger:      log.Named("gate"),
		used:        make(map[string]time.Time),
	}
}

// Require returns middleware charging route.Price for every request. A request carrying
// only a payment is verified and settled through the facilitator. A request that also
// carries a settlement proof was settled by the payer; the gate checks the payload
// offline and that the proof belongs to it.
func (g *Gate) Require(route Route) (func(http.Handler) http.Handler, error) {
	amount, err := policy.ParseAmount(route.Price, policy.USDCDecimals)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := g.requirements(r, route, amount)

			header := r.Header.Get(x402.HeaderPayment)
			if header == "" {
				g.challenge(w, req, "")
				return
			}
			var payload x402.PaymentPayload
			if err := x402.DecodeHeader(header, &payload); err != nil {
				g.challenge(w, req, "invalid payment header")
				return
			}

			var settled *x402.SettleResponse
			if proof := r.Header.Get(x402.HeaderPaymentResponse); proof != "" {
				settled, err = g.checkProof(&payload, req, proof)
			} else {
				settled, err = g.settle(r.Context(), &payload, req)
			}
			if err != nil {
				g.logger.Warn("Payment refused",
					logger.String("resource", req.Resource),
					logger.String("payer", payload.Payload.Authorization.From),
					logger.Error(err))
				g.challenge(w, req, err.Error())
				return
			}
			if !g.claim(payload.Payload.Authorization) {
				g.challenge(w, req, "payment already used")
				return
			}

			if h, err := x402.EncodeHeader(settled); err == nil {
				w.Header().Set(x402.HeaderPaymentResponse, h)
			}
			g.logger.Info("Paid request admitted",
				logger.String("resource", req.Resource),
				logger.String("payer", settled.Payer),
				logger.String("transaction", settled.Transaction))
			next.ServeHTTP(w, r)
		})
	}, nil
}

func (g *Gate) requirements(r *http.Request, route Route, amount policy.Amount) x402.PaymentRequirements {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           g.cfg.Network,
		MaxAmountRequired: strconv.FormatInt(int64(amount), 10),
		Resource:          scheme + "://" + r.Host + r.URL.Path,
		Description:       route.Description,
		MimeType:          route.MimeType,
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Asset:             g.cfg.Asset,
	}
	if g.cfg.AssetName != "" {
		req.Extra = &x402.Extra{Name: g.cfg.AssetName, Version: g.cfg.AssetVersion}
	}
	return req
}

func (g *Gate) challenge(w http.ResponseWriter, req x402.PaymentRequirements, reason string) {
	body := x402.PaymentRequired{X402Version: x402.Version, Accepts: []x402.PaymentRequirements{req}, Error: reason}
	if h, err := x402.EncodeHeader(body); err == nil {
		w.Header().Set(x402.HeaderPaymentRequired, h)
	}
	httpx.WriteJSON(w, http.StatusPaymentRequired, body)
}

func (g *Gate) settle(ctx context.Context, payload *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if _, err := g.facilitator.Verify(ctx, payload, req); err != nil {
		return nil, err
	}
	return g.facilitator.Settle(ctx, payload, req)
}

type proofError string

func (e proofError) Error() string { return string(e) }

func (g *Gate) checkProof(payload *x402.PaymentPayload, req x402.PaymentRequirements, header string) (*x402.SettleResponse, error) {
	if v := x402.VerifyPayload(payload, req, g.now()); !v.IsValid {
		return nil, proofError(v.InvalidReason)
	}
	var settled x402.SettleResponse
	if err := x402.DecodeHeader(header, &settled); err != nil {
		return nil, proofError("invalid settlement proof")
	}
	if !settled.Success || settled.Transaction == "" {
		return nil, proofError("settlement did not succeed")
	}
	if settled.Network != req.Network {
		return nil, proofError("settlement on another network")
	}
	if settled.Payer != "" && !sameAddress(settled.Payer, payload.Payload.Authorization.From) {
		return nil, proofError("settlement proof belongs to another payer")
	}
	return &settled, nil
}

// claim records a nonce as spent; it is false if the nonce was already admitted
func (g *Gate) claim(auth x402.Authorization) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for nonce, until := range g.used {
		if now.After(until) {
			delete(g.used, nonce)
		}
	}
	if _, ok := g.used[auth.Nonce]; ok {
		return false
	}
	until := now.Add(time.Duration(g.cfg.MaxTimeoutSeconds) * time.Second)
	if before, err := strconv.ParseInt(auth.ValidBefore, 10, 64); err == nil {
		until = time.Unix(before, 0)
	}
	g.used[auth.Nonce] = until
	return true
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
