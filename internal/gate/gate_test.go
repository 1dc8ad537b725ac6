package gate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/facilitator"
	"github.com/yegors/sessionpay/internal/facilitator/facilitatortest"
	"github.com/yegors/sessionpay/internal/gate"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

const payTo = "0x1111111111111111111111111111111111111111"

func newGatedServer(t *testing.T) (*httptest.Server, *facilitatortest.Server) {
	t.Helper()
	fac := facilitatortest.New()
	t.Cleanup(fac.Close)
	g := gate.New(gate.Config{
		Network: "eip155:11155111",
		PayTo:   payTo,
		Asset:   "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238",
	}, facilitator.New(facilitator.Config{URL: fac.URL}, logger.NewNop()), logger.NewNop())
	forecast, err := g.Require(gate.Route{Price: "$0.005", Description: "3-day forecast"})
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	r := chi.NewRouter()
	r.With(forecast).Get("/weather/forecast", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"days":3}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, fac
}

func challenge(t *testing.T, url string) x402.PaymentRequirements {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	var body x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	var fromHeader x402.PaymentRequired
	if err := x402.DecodeHeader(resp.Header.Get(x402.HeaderPaymentRequired), &fromHeader); err != nil {
		t.Fatalf("challenge header: %v", err)
	}
	if len(body.Accepts) != 1 || len(fromHeader.Accepts) != 1 {
		t.Fatalf("unexpected challenge %+v", body)
	}
	return body.Accepts[0]
}

func paidGet(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signedHeader(t *testing.T, req x402.PaymentRequirements) string {
	t.Helper()
	signer, err := custody.NewStaticSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("NewStaticSigner: %v", err)
	}
	p, err := x402.NewPayload(context.Background(), signer, req, time.Now())
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	h, err := x402.EncodeHeader(p)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	return h
}

func TestChallengeDescribesPrice(t *testing.T) {
	srv, _ := newGatedServer(t)
	req := challenge(t, srv.URL+"/weather/forecast")
	if req.MaxAmountRequired != "5000" || req.PayTo != payTo || req.Scheme != x402.SchemeExact {
		t.Fatalf("unexpected requirement %+v", req)
	}
	if req.Resource != srv.URL+"/weather/forecast" {
		t.Fatalf("resource = %s", req.Resource)
	}
}

func TestGateSettlesPaymentItself(t *testing.T) {
	srv, fac := newGatedServer(t)
	url := srv.URL + "/weather/forecast"
	payment := signedHeader(t, challenge(t, url))

	resp := paidGet(t, url, map[string]string{x402.HeaderPayment: payment})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var proof x402.SettleResponse
	if err := x402.DecodeHeader(resp.Header.Get(x402.HeaderPaymentResponse), &proof); err != nil || !proof.Success {
		t.Fatalf("missing settlement proof: %+v %v", proof, err)
	}
	if fac.Settles.Load() != 1 {
		t.Fatalf("settles = %d", fac.Settles.Load())
	}

	// the same payment is not accepted twice
	if again := paidGet(t, url, map[string]string{x402.HeaderPayment: payment}); again.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("replayed payment admitted with %d", again.StatusCode)
	}
}

func TestGateChecksSettlementProof(t *testing.T) {
	srv, fac := newGatedServer(t)
	url := srv.URL + "/weather/forecast"
	req := challenge(t, url)
	payment := signedHeader(t, req)

	failed, _ := x402.EncodeHeader(x402.SettleResponse{Success: false, ErrorReason: "insufficient_funds", Network: req.Network})
	if resp := paidGet(t, url, map[string]string{x402.HeaderPayment: payment, x402.HeaderPaymentResponse: failed}); resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("failed settlement admitted with %d", resp.StatusCode)
	}

	other, _ := x402.EncodeHeader(x402.SettleResponse{Success: true, Transaction: "0xabc", Network: req.Network,
		Payer: "0x9999999999999999999999999999999999999999"})
	if resp := paidGet(t, url, map[string]string{x402.HeaderPayment: payment, x402.HeaderPaymentResponse: other}); resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("foreign settlement admitted with %d", resp.StatusCode)
	}

	ok, _ := x402.EncodeHeader(x402.SettleResponse{Success: true, Transaction: "0xabc", Network: req.Network})
	if resp := paidGet(t, url, map[string]string{x402.HeaderPayment: payment, x402.HeaderPaymentResponse: ok}); resp.StatusCode != http.StatusOK {
		t.Fatalf("settled payment refused with %d", resp.StatusCode)
	}
	if fac.Settles.Load() != 0 {
		t.Fatal("gate must not settle a payment that carries a proof")
	}
}

func TestGateRejectsMalformedPayment(t *testing.T) {
	srv, _ := newGatedServer(t)
	resp := paidGet(t, srv.URL+"/weather/forecast", map[string]string{x402.HeaderPayment: "%%%"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body x402.PaymentRequired
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "invalid payment header" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestRequireRejectsBadPrice(t *testing.T) {
	g := gate.New(gate.Config{}, nil, logger.NewNop())
	if _, err := g.Require(gate.Route{Price: "cheap"}); err == nil {
		t.Fatal("expected error for unparseable price")
	}
}
