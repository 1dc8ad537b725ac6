package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/sessionpay/internal/api/httpx"
	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/facilitator"
	"github.com/yegors/sessionpay/internal/facilitator/facilitatortest"
	"github.com/yegors/sessionpay/internal/gate"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/lock"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/settlement"
	"github.com/yegors/sessionpay/internal/storage/sqlite"
	"github.com/yegors/sessionpay/internal/withdrawal"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

const (
	network  = "eip155:11155111"
	payerKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

type fakeWithdrawer struct {
	mu      sync.Mutex
	calls   int
	outcome withdrawal.Outcome
	err     error
	delay   time.Duration
}

func (f *fakeWithdrawer) Withdraw(ctx context.Context, sess *ledger.Session, amount policy.Amount) (withdrawal.Outcome, error) {
	f.mu.Lock()
	f.calls++
	out, err, delay := f.outcome, f.err, f.delay
	f.mu.Unlock()
	time.Sleep(delay)
	if err != nil {
		return withdrawal.Outcome{}, err
	}
	if out.Kind == 0 {
		out = withdrawal.Outcome{
			Kind:    withdrawal.Succeeded,
			OpHash:  "0xop",
			Receipt: &chain.Receipt{UserOpHash: "0xop", TxHash: "0xwithdrawal", Success: true},
		}
	}
	return out, nil
}

func (f *fakeWithdrawer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Publish(eventType, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type env struct {
	orch      *Orchestrator
	store     *sqlite.Store
	withdraw  *fakeWithdrawer
	fac       *facilitatortest.Server
	events    *recorder
	resource  string
	flaky     string
	served    *atomic.Int32
	custodyTo string
}

// newEnv wires a real ledger, settlement client, facilitator and gate around a fake
// withdrawal leg. The resource costs price minor units.
func newEnv(t *testing.T, price string, facTimeout time.Duration) *env {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fac := facilitatortest.New()
	t.Cleanup(fac.Close)
	facClient := facilitator.New(facilitator.Config{URL: fac.URL, Timeout: facTimeout}, logger.NewNop())

	g := gate.New(gate.Config{
		Network:      network,
		PayTo:        "0x1111111111111111111111111111111111111111",
		Asset:        "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238",
		AssetName:    "USDC",
		AssetVersion: "2",
	}, facClient, logger.NewNop())
	paid, err := g.Require(gate.Route{Price: price, Description: "forecast", MimeType: "application/json"})
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	served := &atomic.Int32{}
	r := chi.NewRouter()
	r.With(paid).Get("/forecast", func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"forecast": "sunny"})
	})
	// Forwards the gate's challenge but fails every paid request
	r.Get("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(x402.HeaderPayment) != "" {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		paid(http.NotFoundHandler()).ServeHTTP(w, r)
	})
	r.Get("/free", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"forecast": "free"})
	})
	rs := httptest.NewServer(r)
	t.Cleanup(rs.Close)

	payer, err := custody.NewStaticSigner(payerKey)
	if err != nil {
		t.Fatalf("NewStaticSigner: %v", err)
	}
	wd := &fakeWithdrawer{}
	rec := &recorder{}
	settler := settlement.New(settlement.Config{Network: network}, facClient, logger.NewNop())
	orch := New(store, lock.NewMemory(), wd, settler, payer, rec, logger.NewNop())
	return &env{
		orch:      orch,
		store:     store,
		withdraw:  wd,
		fac:       fac,
		events:    rec,
		resource:  rs.URL + "/forecast",
		flaky:     rs.URL + "/flaky",
		served:    served,
		custodyTo: payer.Address(),
	}
}

func (e *env) session(t *testing.T, total, ceiling policy.Amount) *ledger.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &ledger.Session{
		ID:                  "sess-" + t.Name(),
		OwnerWallet:         "0xaaaa000000000000000000000000000000000001",
		SmartAccountAddress: "0x2222222222222222222222222222222222222222",
		SessionPublicKey:    "0x3333333333333333333333333333333333333333",
		KeyID:               "key-1",
		Policy: policy.Policy{
			AllowedTargetAddress: e.custodyTo,
			PerCallCeiling:       ceiling,
			CumulativeBudget:     total,
			ValidityWindow:       policy.Window{NotBefore: now.Add(-time.Minute), NotAfter: now.Add(time.Hour)},
		},
		Status:          ledger.StatusPending,
		TotalAmount:     total,
		RemainingAmount: total,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	ctx := context.Background()
	if err := e.store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	active, err := e.store.Activate(ctx, sess.ID, []byte{0x01}, now)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return active
}

func (e *env) remaining(t *testing.T, id string) (policy.Amount, ledger.Status) {
	t.Helper()
	sess, err := e.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return sess.RemainingAmount, sess.Status
}

func (e *env) reconciliations(t *testing.T) []*ledger.Reconciliation {
	t.Helper()
	recs, err := e.store.ListReconciliations(context.Background(), true)
	if err != nil {
		t.Fatalf("ListReconciliations: %v", err)
	}
	return recs
}

func TestFulfillPaysAndDebits(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)

	res, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000})
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if string(res.Payload.Body) != `{"forecast":"sunny"}`+"\n" {
		t.Fatalf("payload %s", res.Payload.Body)
	}
	if res.Receipt.TxHash != "0xwithdrawal" || res.Settlement == nil || !res.Settlement.Success {
		t.Fatalf("incomplete result %+v", res)
	}
	if res.Remaining != 4000 || res.Status != ledger.StatusActive {
		t.Fatalf("result remaining %d status %s", res.Remaining, res.Status)
	}
	if rem, st := e.remaining(t, sess.ID); rem != 4000 || st != ledger.StatusActive {
		t.Fatalf("ledger remaining %d status %s", rem, st)
	}
	if !e.events.has("session_debited") {
		t.Fatal("no debit event")
	}
	if len(e.reconciliations(t)) != 0 {
		t.Fatal("unexpected reconciliation")
	}
}

// Two concurrent calls each asking 60 of a 100 budget
func TestConcurrentCallsOverBudget(t *testing.T) {
	tests := []struct {
		name    string
		ceiling policy.Amount
		wantOK  int
		wantErr []error
	}{
		{"ceiling below price", 10, 0, []error{apperr.ErrCeilingExceeded, apperr.ErrCeilingExceeded}},
		{"ceiling admits price", 60, 1, []error{apperr.ErrInsufficientBalance}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, "$0.00006", 0)
			sess := e.session(t, 100, tc.ceiling)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 60})
				}(i)
			}
			wg.Wait()

			ok := 0
			var failures []error
			for _, err := range errs {
				if err == nil {
					ok++
				} else {
					failures = append(failures, err)
				}
			}
			if ok != tc.wantOK || len(failures) != len(tc.wantErr) {
				t.Fatalf("%d succeeded, errors %v", ok, failures)
			}
			for i, err := range failures {
				if !errors.Is(err, tc.wantErr[i]) {
					t.Fatalf("error %v, want %v", err, tc.wantErr[i])
				}
			}
			rem, _ := e.remaining(t, sess.ID)
			if want := 100 - policy.Amount(ok)*60; rem != want {
				t.Fatalf("remaining %d, want %d", rem, want)
			}
			if e.withdraw.count() != ok {
				t.Fatalf("%d withdrawals for %d successful calls", e.withdraw.count(), ok)
			}
		})
	}
}

// Withdrawal succeeds, settlement is aborted
func TestAbortedSettlementIsPartialCompletion(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)
	e.fac.AbortSettlements("insufficient_funds")

	_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000})
	if !errors.Is(err, apperr.ErrPartialCompletion) || apperr.KindOf(err) != apperr.KindPartialCompletion {
		t.Fatalf("expected PARTIAL_COMPLETION, got %v", err)
	}
	if !errors.Is(err, apperr.ErrSettleAborted) {
		t.Fatalf("settlement reason lost: %v", err)
	}
	if rem, st := e.remaining(t, sess.ID); rem != 5000 || st != ledger.StatusActive {
		t.Fatalf("ledger changed: remaining %d status %s", rem, st)
	}
	recs := e.reconciliations(t)
	if len(recs) != 1 || recs[0].Kind != ledger.StrandedInCustody || recs[0].WithdrawalTx != "0xwithdrawal" || recs[0].Amount != 1000 {
		t.Fatalf("reconciliations %+v", recs)
	}
	if !e.events.has("payment_partial") {
		t.Fatal("no partial payment event")
	}
	if e.served.Load() != 0 {
		t.Fatal("resource served without settlement")
	}
}

// The gate asks less than the withdrawn price
func TestCheaperGateIsRefusedAndRecorded(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)

	_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 2000})
	if !errors.Is(err, apperr.ErrPartialCompletion) || !errors.Is(err, apperr.ErrPriceMismatch) {
		t.Fatalf("expected PARTIAL_COMPLETION over PRICE_MISMATCH, got %v", err)
	}
	if rem, st := e.remaining(t, sess.ID); rem != 5000 || st != ledger.StatusActive {
		t.Fatalf("ledger changed: remaining %d status %s", rem, st)
	}
	recs := e.reconciliations(t)
	if len(recs) != 1 || recs[0].Kind != ledger.StrandedInCustody || recs[0].Amount != 2000 || recs[0].WithdrawalTx != "0xwithdrawal" {
		t.Fatalf("withdrawn amount not on record: %+v", recs)
	}
	if e.fac.Verifies.Load() != 0 || e.served.Load() != 0 {
		t.Fatalf("nothing may be paid: verifies=%d served=%d", e.fac.Verifies.Load(), e.served.Load())
	}
}

// Settlement completes but the paid request is answered 503
func TestSettledButUndeliveredIsPartialCompletion(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)

	_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.flaky, Price: 1000})
	if !errors.Is(err, apperr.ErrResourceUndelivered) || apperr.KindOf(err) != apperr.KindPartialCompletion {
		t.Fatalf("expected RESOURCE_UNDELIVERED partial completion, got %v", err)
	}
	if apperr.HTTPStatus(err) == http.StatusOK || errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("must not read as a clean failure: %v", err)
	}
	if rem, _ := e.remaining(t, sess.ID); rem != 4000 {
		t.Fatalf("settled payment must stay debited: remaining %d", rem)
	}
	recs := e.reconciliations(t)
	if len(recs) != 1 || recs[0].Kind != ledger.ResourceUndelivered {
		t.Fatalf("reconciliations %+v", recs)
	}
	if recs[0].SettlementTx == "" || recs[0].WithdrawalTx != "0xwithdrawal" || recs[0].Amount != 1000 {
		t.Fatalf("record lacks the transfers: %+v", recs[0])
	}
	if e.fac.Settles.Load() != 1 || !e.events.has("payment_partial") || !e.events.has("session_debited") {
		t.Fatalf("settles=%d events=%v", e.fac.Settles.Load(), e.events.types)
	}
}

// A one-unit session spent in one call expires at once
func TestExhaustingCallExpiresSession(t *testing.T) {
	e := newEnv(t, "$0.000001", 0)
	sess := e.session(t, 1, 1)

	res, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1})
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Remaining != 0 || res.Status != ledger.StatusExpired {
		t.Fatalf("result remaining %d status %s", res.Remaining, res.Status)
	}
	if rem, st := e.remaining(t, sess.ID); rem != 0 || st != ledger.StatusExpired {
		t.Fatalf("ledger remaining %d status %s", rem, st)
	}
	if _, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("call after exhaustion: %v", err)
	}
}

// A wrong target is rejected without any network call
func TestTargetMismatchRejectedLocally(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)

	_, err := e.orch.Fulfill(context.Background(), Request{
		SessionID:   sess.ID,
		ResourceURL: e.resource,
		Price:       1000,
		Target:      "0x9999999999999999999999999999999999999999",
	})
	if !errors.Is(err, apperr.ErrTargetMismatch) {
		t.Fatalf("expected TARGET_MISMATCH, got %v", err)
	}
	if e.withdraw.count() != 0 || e.fac.Verifies.Load() != 0 || e.served.Load() != 0 {
		t.Fatalf("network touched: withdrawals=%d verifies=%d served=%d",
			e.withdraw.count(), e.fac.Verifies.Load(), e.served.Load())
	}
}

func TestFulfillRejectsLocally(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing session id", Request{ResourceURL: e.resource, Price: 1}, apperr.ErrValidation},
		{"relative url", Request{SessionID: sess.ID, ResourceURL: "/forecast", Price: 1}, apperr.ErrValidation},
		{"zero price", Request{SessionID: sess.ID, ResourceURL: e.resource}, apperr.ErrValidation},
		{"bad target", Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1, Target: "nope"}, apperr.ErrValidation},
		{"unknown session", Request{SessionID: "missing", ResourceURL: e.resource, Price: 1}, apperr.ErrSessionNotFound},
		{"over ceiling", Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 2001}, apperr.ErrCeilingExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.orch.Fulfill(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	if e.withdraw.count() != 0 {
		t.Fatalf("%d withdrawals attempted", e.withdraw.count())
	}
}

func TestFulfillRejectsPendingAndElapsed(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := &ledger.Session{
		ID: "pending", OwnerWallet: "0xaaaa000000000000000000000000000000000001",
		SmartAccountAddress: "0x2222222222222222222222222222222222222222",
		SessionPublicKey:    "0x3333333333333333333333333333333333333333",
		Policy: policy.Policy{
			AllowedTargetAddress: e.custodyTo, PerCallCeiling: 10, CumulativeBudget: 10,
			ValidityWindow: policy.Window{NotBefore: now, NotAfter: now.Add(time.Hour)},
		},
		Status:              ledger.StatusPending, TotalAmount: 10, RemainingAmount: 10,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := e.store.CreateSession(ctx, pending); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := e.orch.Fulfill(ctx, Request{SessionID: "pending", ResourceURL: e.resource, Price: 1}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("pending session: %v", err)
	}

	sess := e.session(t, 5000, 2000)
	e.orch.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := e.orch.Fulfill(ctx, Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000}); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("elapsed window: %v", err)
	}
	if rem, st := e.remaining(t, sess.ID); rem != 5000 || st != ledger.StatusExpired {
		t.Fatalf("remaining %d status %s", rem, st)
	}
	if e.withdraw.count() != 0 {
		t.Fatal("withdrawal attempted")
	}
}

func TestFulfillAfterRevoke(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)
	if _, err := e.store.Revoke(context.Background(), sess.ID, time.Now()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("revoked session: %v", err)
	}
}

func TestWithdrawalOutcomes(t *testing.T) {
	t.Run("failed releases the reservation", func(t *testing.T) {
		e := newEnv(t, "$0.001", 0)
		sess := e.session(t, 5000, 2000)
		e.withdraw.outcome = withdrawal.Outcome{Kind: withdrawal.Failed, Reason: "operation reverted"}

		_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000})
		if !errors.Is(err, apperr.ErrExecutionFailed) {
			t.Fatalf("expected EXECUTION_FAILED, got %v", err)
		}
		if rem, _ := e.remaining(t, sess.ID); rem != 5000 {
			t.Fatalf("remaining %d", rem)
		}
		if e.fac.Verifies.Load() != 0 || len(e.reconciliations(t)) != 0 {
			t.Fatal("settlement attempted after a failed withdrawal")
		}
	})

	t.Run("local rejection releases the reservation", func(t *testing.T) {
		e := newEnv(t, "$0.001", 0)
		sess := e.session(t, 5000, 2000)
		e.withdraw.err = apperr.New(apperr.KindState, apperr.CodeEnablementMissing, "no proof")

		_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000})
		if !errors.Is(err, apperr.ErrEnablementMissing) {
			t.Fatalf("expected ENABLEMENT_MISSING, got %v", err)
		}
		if rem, _ := e.remaining(t, sess.ID); rem != 5000 {
			t.Fatalf("remaining %d", rem)
		}
	})

	t.Run("ambiguous keeps the reservation", func(t *testing.T) {
		e := newEnv(t, "$0.001", 0)
		sess := e.session(t, 5000, 2000)
		e.withdraw.outcome = withdrawal.Outcome{Kind: withdrawal.Ambiguous, OpHash: "0xpending", Reason: "confirmation wait timed out"}

		_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000})
		if !errors.Is(err, apperr.ErrExecutionAmbiguous) || apperr.KindOf(err) != apperr.KindExecutionAmbiguous {
			t.Fatalf("expected EXECUTION_AMBIGUOUS, got %v", err)
		}
		if rem, _ := e.remaining(t, sess.ID); rem != 4000 {
			t.Fatalf("reservation not held: remaining %d", rem)
		}
		recs := e.reconciliations(t)
		if len(recs) != 1 || recs[0].Kind != ledger.AmbiguousWithdrawal || recs[0].WithdrawalTx != "0xpending" {
			t.Fatalf("reconciliations %+v", recs)
		}
		if e.fac.Verifies.Load() != 0 {
			t.Fatal("settlement attempted after an ambiguous withdrawal")
		}
	})
}

func TestSettlementTimeoutIsAmbiguous(t *testing.T) {
	e := newEnv(t, "$0.001", 50*time.Millisecond)
	sess := e.session(t, 5000, 2000)
	e.fac.DelaySettlements(300 * time.Millisecond)

	_, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 1000})
	if apperr.KindOf(err) != apperr.KindExecutionAmbiguous {
		t.Fatalf("expected EXECUTION_AMBIGUOUS, got %v", err)
	}
	if rem, _ := e.remaining(t, sess.ID); rem != 4000 {
		t.Fatalf("reservation not held: remaining %d", rem)
	}
	recs := e.reconciliations(t)
	if len(recs) != 1 || recs[0].Kind != ledger.AmbiguousSettlement {
		t.Fatalf("reconciliations %+v", recs)
	}
}

func TestConcurrentFulfillNeverOverspends(t *testing.T) {
	e := newEnv(t, "$0.0001", 0)
	sess := e.session(t, 1000, 100)
	e.withdraw.delay = time.Millisecond

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: e.resource, Price: 100}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Fatalf("%d calls succeeded, want 10", ok.Load())
	}
	if rem, st := e.remaining(t, sess.ID); rem != 0 || st != ledger.StatusExpired {
		t.Fatalf("remaining %d status %s", rem, st)
	}
	if e.fac.Settles.Load() != 10 {
		t.Fatalf("%d settlements", e.fac.Settles.Load())
	}
}

func TestFreeResourceRestoresBudget(t *testing.T) {
	e := newEnv(t, "$0.001", 0)
	sess := e.session(t, 5000, 2000)
	free := e.resource[:len(e.resource)-len("/forecast")] + "/free"

	res, err := e.orch.Fulfill(context.Background(), Request{SessionID: sess.ID, ResourceURL: free, Price: 1000})
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Settlement != nil || res.Remaining != 5000 {
		t.Fatalf("free resource charged: %+v", res)
	}
	recs := e.reconciliations(t)
	if len(recs) != 1 || recs[0].Kind != ledger.StrandedInCustody {
		t.Fatalf("reconciliations %+v", recs)
	}
}
