// Package orchestrator fulfils paid resource calls on behalf of a session: it reserves the
// price in the ledger, withdraws it into custody, pays the resource gate from custody and
// only then commits the debit.
package orchestrator

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/events"
	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/lock"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/settlement"
	"github.com/yegors/sessionpay/internal/withdrawal"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Withdrawer moves funds from a smart account into custody
type Withdrawer interface {
	Withdraw(ctx context.Context, sess *ledger.Session, amount policy.Amount) (withdrawal.Outcome, error)
}

// Settler pays for and fetches a gated resource
type Settler interface {
	Settle(ctx context.Context, resourceURL string, payer custody.Signer, price policy.Amount) (*settlement.Resource, error)
}

// Request is one paid call
type Request struct {
	SessionID   string
	ResourceURL string
	Price       policy.Amount
	// Target defaults to the custody address
	Target string
}

// Result is a fulfilled call
type Result struct {
	Payload    *settlement.Resource `json:"payload"`
	Receipt    *chain.Receipt       `json:"receipt"`
	Settlement *x402.SettleResponse `json:"settlement,omitempty"`
	Remaining  policy.Amount        `json:"remainingAmount"`
	Status     ledger.Status        `json:"status"`
}

// Orchestrator runs the withdraw-then-settle sequence under a per-session lock
type Orchestrator struct {
	store      ledger.Store
	locks      lock.Locker
	withdrawer Withdrawer
	settler    Settler
	payer      custody.Signer
	events     events.Publisher
	now        func() time.Time
	logger     *logger.Logger
}

// New creates a new orchestrator. payer is the custody account that receives
// withdrawals and pays resource gates.
func New(store ledger.Store, locks lock.Locker, w Withdrawer, s Settler, payer custody.Signer, pub events.Publisher, log *logger.Logger) *Orchestrator {
	if pub == nil {
		pub = events.Discard
	}
	return &Orchestrator{
		store:      store,
		locks:      locks,
		withdrawer: w,
		settler:    s,
		payer:      payer,
		events:     pub,
		now:        time.Now,
		logger:     log.Named("orchestrator"),
	}
}

// Fulfill pays for one call to req.ResourceURL out of the session's budget.
//
// Validation, policy and state failures are reported before anything is sent. After
// that, errors carry the kind the caller must act on: EXECUTION_FAILED means no debit and
// no funds moved, EXECUTION_AMBIGUOUS and PARTIAL_COMPLETION leave a reconciliation record.
// A gate asking anything but req.Price is refused unpaid, so the withdrawn amount is
// either paid in full or recorded as stranded in custody.
func (o *Orchestrator) Fulfill(ctx context.Context, req Request) (*Result, error) {
	target, err := o.validate(&req)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locks.Lock(ctx, "session:"+req.SessionID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, apperr.CodeInternal, "session %s is busy", req.SessionID)
	}
	defer unlock()

	log := o.logger.With(
		logger.String("session_id", req.SessionID),
		logger.String("resource", req.ResourceURL),
		logger.String("price", req.Price.String()))

	sess, err := o.admit(ctx, req, target)
	if err != nil {
		log.Debug("Call rejected locally", logger.Error(err))
		return nil, err
	}

	reserved, err := o.store.Reserve(ctx, req.SessionID, req.Price, o.now())
	if err != nil {
		return nil, err
	}

	out, err := o.withdrawer.Withdraw(ctx, sess, req.Price)
	if err != nil {
		o.release(ctx, req, log)
		return nil, err
	}
	switch out.Kind {
	case withdrawal.Succeeded:
	case withdrawal.Ambiguous:
		// The transfer may still land; the reservation stays until an operator resolves it
		o.reconcile(ctx, req, &ledger.Reconciliation{Kind: ledger.AmbiguousWithdrawal, WithdrawalTx: out.OpHash, Reason: out.Reason}, log)
		return nil, out.Err()
	default:
		o.release(ctx, req, log)
		return nil, out.Err()
	}
	log = log.With(logger.String("withdrawal_tx", out.Receipt.TxHash))

	res, err := o.settler.Settle(ctx, req.ResourceURL, o.payer, req.Price)
	switch {
	case err == nil && !res.Paid():
		o.release(ctx, req, log)
		o.reconcile(ctx, req, &ledger.Reconciliation{Kind: ledger.StrandedInCustody, WithdrawalTx: out.Receipt.TxHash, Reason: "resource served without payment"}, log)
		return &Result{Payload: res, Receipt: out.Receipt, Remaining: reserved.RemainingAmount + req.Price, Status: reserved.Status}, nil

	case err != nil && res.Paid():
		// The gate has the money; the debit stands and the missing resource is on record
		committed := o.commit(ctx, req, reserved, log)
		o.reconcile(ctx, req, &ledger.Reconciliation{
			Kind:         ledger.ResourceUndelivered,
			WithdrawalTx: out.Receipt.TxHash,
			SettlementTx: res.Settlement.Transaction,
			Reason:       err.Error(),
		}, log)
		o.events.Publish(events.TypePaymentPartial, sess.OwnerWallet, map[string]any{
			"sessionId":    req.SessionID,
			"amount":       req.Price,
			"withdrawalTx": out.Receipt.TxHash,
			"settlementTx": res.Settlement.Transaction,
			"reason":       apperr.CodeResourceUndelivered,
		})
		return nil, apperr.Wrap(err, apperr.KindPartialCompletion, apperr.CodeResourceUndelivered,
			"payment settled in %s and %s debited (remaining %s) but the resource was not delivered",
			res.Settlement.Transaction, req.Price, committed.RemainingAmount)

	case apperr.CodeOf(err) == apperr.CodeExecutionAmbiguous:
		o.reconcile(ctx, req, &ledger.Reconciliation{Kind: ledger.AmbiguousSettlement, WithdrawalTx: out.Receipt.TxHash, Reason: err.Error()}, log)
		return nil, apperr.Wrap(err, apperr.KindExecutionAmbiguous, apperr.CodeExecutionAmbiguous,
			"withdrawal %s confirmed, settlement outcome unknown", out.Receipt.TxHash)

	case err != nil:
		o.release(ctx, req, log)
		o.reconcile(ctx, req, &ledger.Reconciliation{Kind: ledger.StrandedInCustody, WithdrawalTx: out.Receipt.TxHash, Reason: err.Error()}, log)
		o.events.Publish(events.TypePaymentPartial, sess.OwnerWallet, map[string]any{
			"sessionId":    req.SessionID,
			"amount":       req.Price,
			"withdrawalTx": out.Receipt.TxHash,
			"reason":       apperr.CodeOf(err),
		})
		return nil, apperr.Wrap(err, apperr.KindPartialCompletion, apperr.CodePartialCompletion,
			"withdrawal %s moved %s into custody but payment failed", out.Receipt.TxHash, req.Price)
	}

	committed := o.commit(ctx, req, reserved, log)
	log.Info("Call fulfilled",
		logger.String("transaction", res.Settlement.Transaction),
		logger.String("remaining", committed.RemainingAmount.String()),
		logger.String("status", string(committed.Status)))
	return &Result{
		Payload:    res,
		Receipt:    out.Receipt,
		Settlement: res.Settlement,
		Remaining:  committed.RemainingAmount,
		Status:     committed.Status,
	}, nil
}

func (o *Orchestrator) validate(req *Request) (string, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return "", apperr.Validation("sessionId is required")
	}
	u, err := url.Parse(req.ResourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.Validation("resourceUrl must be an absolute http(s) URL")
	}
	if req.Price <= 0 {
		return "", apperr.Validation("price must be positive")
	}
	target := req.Target
	if target == "" {
		target = o.payer.Address()
	}
	normalized, err := evm.NormalizeAddress(target)
	if err != nil {
		return "", apperr.Validation("invalid target: %v", err)
	}
	return normalized, nil
}

// admit loads the session and applies every local check. Nothing here touches the network.
func (o *Orchestrator) admit(ctx context.Context, req Request, target string) (*ledger.Session, error) {
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != ledger.StatusActive {
		return nil, apperr.InvalidState("session %s is %s", sess.ID, sess.Status)
	}
	now := o.now()
	if sess.ExpiredAt(now) {
		if _, err := o.store.MarkExpired(ctx, sess.ID, now); err != nil {
			o.logger.Warn("Failed to expire session", logger.String("session_id", sess.ID), logger.Error(err))
		} else {
			o.events.Publish(events.TypeSessionExpired, sess.OwnerWallet, map[string]any{"sessionId": sess.ID})
		}
		return nil, apperr.New(apperr.KindPolicy, apperr.CodeExpired, "session %s expired at %s",
			sess.ID, sess.ExpiresAt.UTC().Format(time.RFC3339))
	}
	// Against the full budget, so a spent-down session reads as a balance problem below
	decision := policy.Validate(sess.Policy, sess.Policy.CumulativeBudget, policy.Transfer{
		Target: target,
		Amount: req.Price,
		At:     now,
	})
	if !decision.Allowed {
		return nil, decision.Err()
	}
	if sess.RemainingAmount < req.Price {
		return nil, apperr.New(apperr.KindPolicy, apperr.CodeInsufficientBalance,
			"remaining %s is less than price %s", sess.RemainingAmount, req.Price)
	}
	return sess, nil
}

func (o *Orchestrator) release(ctx context.Context, req Request, log *logger.Logger) {
	if _, err := o.store.Release(context.WithoutCancel(ctx), req.SessionID, req.Price, o.now()); err != nil {
		log.Error("Failed to release reservation", logger.Error(err))
	}
}

func (o *Orchestrator) commit(ctx context.Context, req Request, reserved *ledger.Session, log *logger.Logger) *ledger.Session {
	committed, err := o.store.Commit(context.WithoutCancel(ctx), req.SessionID, o.now())
	if err != nil {
		log.Error("Failed to commit debit", logger.Error(err))
		committed = reserved
	}
	o.events.Publish(events.TypeSessionDebited, committed.OwnerWallet, map[string]any{
		"sessionId":       committed.ID,
		"amount":          req.Price,
		"remainingAmount": committed.RemainingAmount,
		"status":          committed.Status,
	})
	if committed.Status == ledger.StatusExpired {
		o.events.Publish(events.TypeSessionExpired, committed.OwnerWallet, map[string]any{"sessionId": committed.ID})
	}
	return committed
}

func (o *Orchestrator) reconcile(ctx context.Context, req Request, rec *ledger.Reconciliation, log *logger.Logger) {
	rec.ID = uuid.NewString()
	rec.SessionID = req.SessionID
	rec.Amount = req.Price
	rec.CreatedAt = o.now().UTC()
	log.Error("Recording reconciliation",
		logger.String("reconciliation_id", rec.ID),
		logger.String("kind", string(rec.Kind)),
		logger.String("reason", rec.Reason))
	if err := o.store.RecordReconciliation(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("Failed to record reconciliation", logger.String("reconciliation_id", rec.ID), logger.Error(err))
	}
}
