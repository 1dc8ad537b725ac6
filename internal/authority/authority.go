// Package authority owns the session lifecycle: it creates sessions with fresh custodial
// keys, records enablement, revokes, and answers owner lookups with lazy expiry.
package authority

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/events"
	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Config is the default policy assigned to new sessions
type Config struct {
	CustodyAddress string
	Budget         policy.Amount
	PerCallCeiling policy.Amount
	Duration       time.Duration
}

// Descriptor is what a session creator gets back. It carries no private material.
type Descriptor struct {
	SessionID        string        `json:"sessionId"`
	SessionPublicKey string        `json:"sessionPublicKey"`
	Policy           policy.Policy `json:"policySummary"`
	ExpiresAt        time.Time     `json:"expiresAt"`
}

// Authority manages sessions
type Authority struct {
	cfg     Config
	store   ledger.Store
	custody custody.Custody
	events  events.Publisher
	now     func() time.Time
	logger  *logger.Logger
}

// New creates a new session authority
func New(cfg Config, store ledger.Store, keys custody.Custody, pub events.Publisher, log *logger.Logger) *Authority {
	if pub == nil {
		pub = events.Discard
	}
	if cfg.PerCallCeiling <= 0 {
		cfg.PerCallCeiling = cfg.Budget
	}
	return &Authority{
		cfg:     cfg,
		store:   store,
		custody: keys,
		events:  pub,
		now:     time.Now,
		logger:  log.Named("authority"),
	}
}

// CreateSession generates a session key and persists a PENDING session under the
// default policy
func (a *Authority) CreateSession(ctx context.Context, ownerWallet, smartAccount string) (*Descriptor, error) {
	owner, err := evm.NormalizeAddress(ownerWallet)
	if err != nil {
		return nil, apperr.Validation("invalid ownerWallet: %v", err)
	}
	account, err := evm.NormalizeAddress(smartAccount)
	if err != nil {
		return nil, apperr.Validation("invalid smartAccountAddress: %v", err)
	}

	ref, err := a.custody.Generate(ctx)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	expires := now.Add(a.cfg.Duration)
	sess := &ledger.Session{
		ID:                  newID(),
		OwnerWallet:         owner,
		SmartAccountAddress: account,
		SessionPublicKey:    ref.Address,
		KeyID:               ref.ID,
		Policy: policy.Policy{
			AllowedTargetAddress: strings.ToLower(a.cfg.CustodyAddress),
			PerCallCeiling:       a.cfg.PerCallCeiling,
			CumulativeBudget:     a.cfg.Budget,
			ValidityWindow:       policy.Window{NotBefore: now, NotAfter: expires},
		},
		Status:          ledger.StatusPending,
		TotalAmount:     a.cfg.Budget,
		RemainingAmount: a.cfg.Budget,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       expires,
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		if derr := a.custody.Destroy(ctx, ref.ID); derr != nil {
			a.logger.Warn("Failed to destroy orphaned session key", logger.String("key_id", ref.ID), logger.Error(derr))
		}
		return nil, err
	}

	a.logger.Info("Session created",
		logger.String("session_id", sess.ID),
		logger.String("owner", owner),
		logger.String("session_key", ref.Address),
		logger.Time("expires_at", expires))
	a.events.Publish(events.TypeSessionCreated, owner, map[string]any{
		"sessionId": sess.ID,
		"expiresAt": expires,
	})
	return &Descriptor{
		SessionID:        sess.ID,
		SessionPublicKey: sess.SessionPublicKey,
		Policy:           sess.Policy,
		ExpiresAt:        expires,
	}, nil
}

// ActivateSession records the owner's enablement proof (hex) and makes the session
// spendable. Only a PENDING session can be activated.
func (a *Authority) ActivateSession(ctx context.Context, id, proofHex string) (*ledger.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("sessionId is required")
	}
	proof, err := evm.DecodeHex(proofHex)
	if err != nil {
		return nil, apperr.Validation("enablementProof is not hex: %v", err)
	}
	if len(proof) == 0 {
		return nil, apperr.Validation("enablementProof is required")
	}

	sess, err := a.store.Activate(ctx, id, proof, a.now())
	if err != nil {
		return nil, err
	}
	a.logger.Info("Session activated", logger.String("session_id", id))
	a.events.Publish(events.TypeSessionActivated, sess.OwnerWallet, map[string]any{"sessionId": id})
	return sess, nil
}

// RevokeSession ends a PENDING or ACTIVE session for good and destroys its key.
// Revoking a revoked session succeeds again.
func (a *Authority) RevokeSession(ctx context.Context, id string) (*ledger.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("sessionId is required")
	}
	sess, err := a.store.Revoke(ctx, id, a.now())
	if err != nil {
		return nil, err
	}
	if err := a.custody.Destroy(ctx, sess.KeyID); err != nil && !errors.Is(err, ledger.ErrKeyNotFound) {
		a.logger.Error("Failed to destroy revoked session key",
			logger.String("session_id", id),
			logger.Error(err))
	}
	a.logger.Info("Session revoked", logger.String("session_id", id))
	a.events.Publish(events.TypeSessionRevoked, sess.OwnerWallet, map[string]any{"sessionId": id})
	return sess, nil
}

// LookupActiveSession returns the owner's most recent ACTIVE session inside its window,
// or nil. ACTIVE records found past their window are moved to EXPIRED on the way.
func (a *Authority) LookupActiveSession(ctx context.Context, ownerWallet string) (*ledger.Session, error) {
	owner, err := evm.NormalizeAddress(ownerWallet)
	if err != nil {
		return nil, apperr.Validation("invalid ownerWallet: %v", err)
	}
	for {
		sess, err := a.store.LatestActiveByOwner(ctx, owner)
		if errors.Is(err, apperr.ErrSessionNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		now := a.now()
		if !sess.ExpiredAt(now) {
			return sess, nil
		}
		if _, err := a.store.MarkExpired(ctx, sess.ID, now); err != nil && !errors.Is(err, apperr.ErrInvalidState) {
			return nil, err
		}
		a.logger.Info("Session expired on lookup", logger.String("session_id", sess.ID))
		a.events.Publish(events.TypeSessionExpired, owner, map[string]any{"sessionId": sess.ID})
	}
}

// GetSession returns a session by id
func (a *Authority) GetSession(ctx context.Context, id string) (*ledger.Session, error) {
	return a.store.GetSession(ctx, id)
}

// Debit records an amount spent by a trusted caller. It fails without effect unless
// the session is ACTIVE, inside its window and holds at least amount.
func (a *Authority) Debit(ctx context.Context, id string, amount policy.Amount) (*ledger.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("sessionId is required")
	}
	if amount <= 0 {
		return nil, apperr.Validation("amountUsed must be positive")
	}
	sess, err := a.store.Debit(ctx, id, amount, a.now())
	if err != nil {
		return nil, err
	}
	a.logger.Info("Session debited",
		logger.String("session_id", id),
		logger.String("amount", amount.String()),
		logger.String("remaining", sess.RemainingAmount.String()))
	a.Debited(sess, amount)
	return sess, nil
}

// Debited publishes the events that follow a committed spend
func (a *Authority) Debited(sess *ledger.Session, amount policy.Amount) {
	a.events.Publish(events.TypeSessionDebited, sess.OwnerWallet, map[string]any{
		"sessionId":       sess.ID,
		"amount":          amount,
		"remainingAmount": sess.RemainingAmount,
		"status":          sess.Status,
	})
	if sess.Status == ledger.StatusExpired {
		a.events.Publish(events.TypeSessionExpired, sess.OwnerWallet, map[string]any{"sessionId": sess.ID})
	}
}

// ExpireDue expires every ACTIVE session past its window
func (a *Authority) ExpireDue(ctx context.Context) ([]string, error) {
	ids, err := a.store.ExpireDue(ctx, a.now())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		owner := ""
		if sess, err := a.store.GetSession(ctx, id); err == nil {
			owner = sess.OwnerWallet
		}
		a.events.Publish(events.TypeSessionExpired, owner, map[string]any{"sessionId": id})
	}
	if len(ids) > 0 {
		a.logger.Info("Expired sessions past their window", logger.Int("count", len(ids)))
	}
	return ids, nil
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
