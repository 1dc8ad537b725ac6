package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/authority"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/orchestrator"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/settlement"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

const token = "internal-secret"

type fakeSessions struct {
	sessions map[string]*ledger.Session
	debited  policy.Amount
}

func (f *fakeSessions) CreateSession(_ context.Context, owner, account string) (*authority.Descriptor, error) {
	if !strings.HasPrefix(owner, "0x") {
		return nil, apperr.Validation("invalid ownerWallet")
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &authority.Descriptor{
		SessionID:        "s-1",
		SessionPublicKey: "0xkey",
		Policy: policy.Policy{
			AllowedTargetAddress: "0xcustody",
			PerCallCeiling:       100_000_000,
			CumulativeBudget:     100_000_000,
			ValidityWindow:       policy.Window{NotBefore: now, NotAfter: now.Add(24 * time.Hour)},
		},
		ExpiresAt: now.Add(24 * time.Hour),
	}, nil
}

func (f *fakeSessions) ActivateSession(_ context.Context, id, proof string) (*ledger.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, apperr.NotFound(id)
	}
	if sess.Status != ledger.StatusPending {
		return nil, apperr.InvalidState("session %s is %s", id, sess.Status)
	}
	sess.Status = ledger.StatusActive
	return sess, nil
}

func (f *fakeSessions) RevokeSession(_ context.Context, id string) (*ledger.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, apperr.NotFound(id)
	}
	sess.Status = ledger.StatusRevoked
	return sess, nil
}

func (f *fakeSessions) LookupActiveSession(_ context.Context, owner string) (*ledger.Session, error) {
	for _, s := range f.sessions {
		if s.OwnerWallet == owner && s.Status == ledger.StatusActive {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSessions) Debit(_ context.Context, id string, amount policy.Amount) (*ledger.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, apperr.NotFound(id)
	}
	if amount > sess.RemainingAmount {
		return nil, apperr.New(apperr.KindPolicy, apperr.CodeInsufficientBalance, "insufficient balance")
	}
	f.debited += amount
	sess.RemainingAmount -= amount
	return sess, nil
}

type fakePayments struct {
	req orchestrator.Request
	err error
}

func (f *fakePayments) Fulfill(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Result{
		Payload:    &settlement.Resource{Status: 200, ContentType: "application/json", Body: json.RawMessage(`{"temp":21}`)},
		Receipt:    &chain.Receipt{UserOpHash: "0xop", TxHash: "0xtx", Success: true},
		Settlement: &x402.SettleResponse{Success: true, Transaction: "0xpay", Network: "eip155:84532"},
		Remaining:  99_990_000,
		Status:     ledger.StatusActive,
	}, nil
}

type fakeRecs struct{ openOnly bool }

func (f *fakeRecs) ListReconciliations(_ context.Context, openOnly bool) ([]*ledger.Reconciliation, error) {
	f.openOnly = openOnly
	return []*ledger.Reconciliation{{
		ID: "r-1", SessionID: "s-1", Kind: ledger.StrandedInCustody, Amount: 10_000,
		WithdrawalTx: "0xtx", Reason: "SETTLE_ABORTED", CreatedAt: time.Unix(0, 0).UTC(),
	}}, nil
}

type testAPI struct {
	server   *httptest.Server
	sessions *fakeSessions
	payments *fakePayments
	recs     *fakeRecs
}

func newTestAPI(t *testing.T, paid ...PaidRoute) *testAPI {
	t.Helper()
	a := &testAPI{
		sessions: &fakeSessions{sessions: map[string]*ledger.Session{
			"s-1": {ID: "s-1", OwnerWallet: "0xowner", Status: ledger.StatusPending,
				TotalAmount: 100_000_000, RemainingAmount: 100_000_000},
		}},
		payments: &fakePayments{},
		recs:     &fakeRecs{},
	}
	router := NewRouter(a.sessions, a.payments, a.recs, nil, Options{
		InternalToken:      token,
		CORSAllowedOrigins: []string{"https://app.example"},
		Version:            "test",
		PaidRoutes:         paid,
	}, logger.NewNop())
	a.server = httptest.NewServer(router.Routes())
	t.Cleanup(a.server.Close)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string, auth bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, http.MethodPost, "/session/create", `{"ownerWallet":"0xowner","smartAccountAddress":"0xaccount"}`, false)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %v", resp.StatusCode, body)
	}
	summary := body["policySummary"].(map[string]any)
	if summary["cumulativeBudget"] != "100" || summary["perCallCeiling"] != "100" {
		t.Errorf("policy summary amounts %v", summary)
	}
	if body["sessionPublicKey"] != "0xkey" {
		t.Errorf("sessionPublicKey %v", body["sessionPublicKey"])
	}

	_, body = a.do(t, http.MethodGet, "/session/0xowner", "", false)
	if body["hasSession"] != false {
		t.Fatalf("pending session reported as active: %v", body)
	}

	resp, body = a.do(t, http.MethodPost, "/session/activate", `{"sessionId":"s-1","enablementProof":"0x01"}`, false)
	if resp.StatusCode != http.StatusOK || body["status"] != string(ledger.StatusActive) {
		t.Fatalf("activate %d: %v", resp.StatusCode, body)
	}
	resp, body = a.do(t, http.MethodPost, "/session/activate", `{"sessionId":"s-1","enablementProof":"0x01"}`, false)
	if resp.StatusCode != http.StatusConflict || errorCode(body) != apperr.CodeInvalidState {
		t.Fatalf("second activate %d: %v", resp.StatusCode, body)
	}

	_, body = a.do(t, http.MethodGet, "/session/0xowner", "", false)
	if body["hasSession"] != true || body["remainingAmount"] != "100" || body["sessionId"] != "s-1" {
		t.Fatalf("lookup %v", body)
	}

	resp, body = a.do(t, http.MethodPost, "/session/revoke", `{"sessionId":"s-1"}`, false)
	if resp.StatusCode != http.StatusOK || body["status"] != string(ledger.StatusRevoked) {
		t.Fatalf("revoke %d: %v", resp.StatusCode, body)
	}
	_, body = a.do(t, http.MethodGet, "/session/0xowner", "", false)
	if body["hasSession"] != false {
		t.Fatalf("revoked session still active: %v", body)
	}
}

func TestCreateRejectsMalformedBodies(t *testing.T) {
	a := newTestAPI(t)
	tests := map[string]string{
		"empty body":    ``,
		"unknown field": `{"ownerWallet":"0xowner","smartAccountAddress":"0xa","extra":1}`,
		"bad owner":     `{"ownerWallet":"owner","smartAccountAddress":"0xa"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, out := a.do(t, http.MethodPost, "/session/create", body, false)
			if resp.StatusCode != http.StatusBadRequest || errorCode(out) != apperr.CodeValidation {
				t.Fatalf("status %d: %v", resp.StatusCode, out)
			}
		})
	}
}

func TestInternalEndpointsRequireToken(t *testing.T) {
	a := newTestAPI(t)
	paths := []struct{ method, path, body string }{
		{http.MethodPost, "/session/debit", `{"sessionId":"s-1","amountUsed":"1"}`},
		{http.MethodPost, "/pay/fulfill", `{"sessionId":"s-1","resourceUrl":"http://x/y","price":"0.01"}`},
		{http.MethodGet, "/reconciliations", ""},
	}
	for _, p := range paths {
		resp, body := a.do(t, p.method, p.path, p.body, false)
		if resp.StatusCode != http.StatusUnauthorized || errorCode(body) != apperr.CodeUnauthorized {
			t.Errorf("%s without token: %d %v", p.path, resp.StatusCode, body)
		}
	}
	if a.sessions.debited != 0 {
		t.Fatalf("unauthorized debit applied %d", a.sessions.debited)
	}
}

func TestDebitAcceptsStringsAndNumbers(t *testing.T) {
	a := newTestAPI(t)
	a.sessions.sessions["s-1"].Status = ledger.StatusActive

	_, body := a.do(t, http.MethodPost, "/session/debit", `{"sessionId":"s-1","amountUsed":"0.25"}`, true)
	if body["remainingAmount"] != "99.75" {
		t.Fatalf("after string debit %v", body)
	}
	_, body = a.do(t, http.MethodPost, "/session/debit", `{"sessionId":"s-1","amountUsed":0.75}`, true)
	if body["remainingAmount"] != "99" {
		t.Fatalf("after number debit %v", body)
	}

	resp, body := a.do(t, http.MethodPost, "/session/debit", `{"sessionId":"s-1","amountUsed":"500"}`, true)
	if resp.StatusCode != http.StatusPaymentRequired || errorCode(body) != apperr.CodeInsufficientBalance {
		t.Fatalf("overdraft %d: %v", resp.StatusCode, body)
	}
	resp, body = a.do(t, http.MethodPost, "/session/debit", `{"sessionId":"s-1"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing amount %d: %v", resp.StatusCode, body)
	}
}

func TestFulfillReturnsPayloadAndReceipt(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, http.MethodPost, "/pay/fulfill",
		`{"sessionId":"s-1","resourceUrl":"http://gate/forecast","price":"$0.01"}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if a.payments.req.Price != 10_000 || a.payments.req.ResourceURL != "http://gate/forecast" {
		t.Errorf("request passed through as %+v", a.payments.req)
	}
	payload := body["payload"].(map[string]any)
	if payload["temp"] != float64(21) {
		t.Errorf("payload %v", payload)
	}
	if body["remainingAmount"] != "99.99" {
		t.Errorf("remainingAmount %v", body["remainingAmount"])
	}
	if body["receipt"].(map[string]any)["transactionHash"] != "0xtx" {
		t.Errorf("receipt %v", body["receipt"])
	}
}

func TestFulfillErrorStatuses(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperr.New(apperr.KindPolicy, apperr.CodeCeilingExceeded, "over ceiling"), http.StatusPaymentRequired},
		{apperr.New(apperr.KindExecutionAmbiguous, apperr.CodeExecutionAmbiguous, "unknown"), http.StatusBadGateway},
		{apperr.New(apperr.KindPartialCompletion, apperr.CodePartialCompletion, "stranded"), http.StatusBadGateway},
		{apperr.New(apperr.KindPartialCompletion, apperr.CodeResourceUndelivered, "undelivered"), http.StatusBadGateway},
		{apperr.New(apperr.KindExecutionFailed, apperr.CodeExecutionFailed, "reverted"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(apperr.CodeOf(tc.err), func(t *testing.T) {
			a := newTestAPI(t)
			a.payments.err = tc.err
			resp, body := a.do(t, http.MethodPost, "/pay/fulfill",
				`{"sessionId":"s-1","resourceUrl":"http://gate/forecast","price":"0.01"}`, true)
			if resp.StatusCode != tc.status || errorCode(body) != apperr.CodeOf(tc.err) {
				t.Fatalf("status %d: %v", resp.StatusCode, body)
			}
		})
	}
}

func TestListReconciliations(t *testing.T) {
	a := newTestAPI(t)

	_, body := a.do(t, http.MethodGet, "/reconciliations", "", true)
	if !a.recs.openOnly {
		t.Error("default listing should be open records only")
	}
	recs := body["reconciliations"].([]any)
	if len(recs) != 1 || recs[0].(map[string]any)["amount"] != "0.01" {
		t.Fatalf("reconciliations %v", body)
	}

	a.do(t, http.MethodGet, "/reconciliations?all=true", "", true)
	if a.recs.openOnly {
		t.Error("all=true should include resolved records")
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)
	req, _ := http.NewRequest(http.MethodOptions, a.server.URL+"/session/create", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("preflight %d %v", resp.StatusCode, resp.Header)
	}
}

func TestPaidRouteGatesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer upstream.Close()
	target, _ := url.Parse(upstream.URL)

	gate := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(x402.HeaderPayment) == "" {
				w.WriteHeader(http.StatusPaymentRequired)
				w.Write([]byte(`{"x402Version":1}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	a := newTestAPI(t, PaidRoute{Path: "/paid/forecast", Upstream: target, Gate: gate})

	resp, _ := a.do(t, http.MethodGet, "/paid/forecast", "", false)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("unpaid status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, a.server.URL+"/paid/forecast/today", nil)
	req.Header.Set(x402.HeaderPayment, "proof")
	paid, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("paid request: %v", err)
	}
	defer paid.Body.Close()
	var out map[string]string
	json.NewDecoder(paid.Body).Decode(&out)
	if paid.StatusCode != http.StatusOK || out["path"] != "/paid/forecast/today" {
		t.Fatalf("paid %d %v", paid.StatusCode, out)
	}
}

func TestParseBearer(t *testing.T) {
	tests := map[string]struct {
		in    string
		token string
		ok    bool
	}{
		"plain":        {"Bearer abc", "abc", true},
		"lowercase":    {"bearer abc", "abc", true},
		"padded":       {"  Bearer   abc  ", "abc", true},
		"empty token":  {"Bearer ", "", false},
		"basic scheme": {"Basic abc", "", false},
		"missing":      {"", "", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := parseBearer(tc.in)
			if got != tc.token || ok != tc.ok {
				t.Fatalf("parseBearer(%q) = %q, %v", tc.in, got, ok)
			}
		})
	}
}
