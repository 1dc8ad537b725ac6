// Package ledger defines the session record and the store contract that backs all spend
// accounting. Implementations live under internal/storage.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/policy"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusActive, StatusExpired, StatusRevoked:
		return st, nil
	}
	return "", apperr.Validation("unknown session status %q", s)
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// Session is the persisted record of a delegated spending right
type Session struct {
	ID                  string        `json:"sessionId"`
	OwnerWallet         string        `json:"ownerWallet"`
	SmartAccountAddress string        `json:"smartAccountAddress"`
	SessionPublicKey    string        `json:"sessionPublicKey"`
	KeyID               string        `json:"-"`
	Policy              policy.Policy `json:"policy"`
	EnablementProof     []byte        `json:"-"`
	Status              Status        `json:"status"`
	TotalAmount         policy.Amount `json:"totalAmount"`
	RemainingAmount     policy.Amount `json:"remainingAmount"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
	ExpiresAt           time.Time     `json:"expiresAt"`
}

// ExpiredAt reports whether the validity window has elapsed at t
func (s *Session) ExpiredAt(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && !t.Before(s.ExpiresAt)
}

// Filter narrows ListSessions
type Filter struct {
	OwnerWallet string
	Status      Status
	Limit       int
}

// ReconciliationKind classifies a money movement that needs operator attention
type ReconciliationKind string

const (
	// AmbiguousWithdrawal is a withdrawal whose on-chain outcome is unknown
	AmbiguousWithdrawal ReconciliationKind = "AMBIGUOUS_WITHDRAWAL"
	// StrandedInCustody is a completed withdrawal whose settlement failed
	StrandedInCustody ReconciliationKind = "STRANDED_IN_CUSTODY"
	// AmbiguousSettlement is a completed withdrawal whose settlement outcome is unknown
	AmbiguousSettlement ReconciliationKind = "AMBIGUOUS_SETTLEMENT"
	// ResourceUndelivered is a settled payment whose resource was never served
	ResourceUndelivered ReconciliationKind = "RESOURCE_UNDELIVERED"
)

// Ambiguous reports whether resolving the record needs the on-chain outcome
func (k ReconciliationKind) Ambiguous() bool {
	return k == AmbiguousWithdrawal || k == AmbiguousSettlement
}

// Reconciliation is an open (or resolved) partial-completion record
type Reconciliation struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"sessionId"`
	Kind         ReconciliationKind `json:"kind"`
	Amount       policy.Amount      `json:"amount"`
	WithdrawalTx string             `json:"withdrawalTx,omitempty"`
	SettlementTx string             `json:"settlementTx,omitempty"`
	Reason       string             `json:"reason"`
	CreatedAt    time.Time          `json:"createdAt"`
	ResolvedAt   *time.Time         `json:"resolvedAt,omitempty"`
	Resolution   string             `json:"resolution,omitempty"`
}

// Open reports whether the record still needs resolution
func (r *Reconciliation) Open() bool { return r.ResolvedAt == nil }

// Store is the session ledger. Every mutating call is a single conditional write so
// concurrent callers cannot observe or produce a state outside the documented transitions.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// LatestActiveByOwner returns the most recently created ACTIVE record regardless of
	// its window, or apperr.ErrSessionNotFound
	LatestActiveByOwner(ctx context.Context, ownerWallet string) (*Session, error)
	ListSessions(ctx context.Context, f Filter) ([]*Session, error)

	Activate(ctx context.Context, id string, proof []byte, at time.Time) (*Session, error)
	Revoke(ctx context.Context, id string, at time.Time) (*Session, error)
	MarkExpired(ctx context.Context, id string, at time.Time) (*Session, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)

	// Reserve decrements remaining by amount iff the session is ACTIVE, inside its window
	// and has at least amount left. Status is never changed here.
	Reserve(ctx context.Context, id string, amount policy.Amount, at time.Time) (*Session, error)
	// Release restores an uncommitted reservation, never above total
	Release(ctx context.Context, id string, amount policy.Amount, at time.Time) (*Session, error)
	// Commit finalizes a reservation, moving an exhausted ACTIVE session to EXPIRED
	Commit(ctx context.Context, id string, at time.Time) (*Session, error)
	// Debit is Reserve and Commit in one write
	Debit(ctx context.Context, id string, amount policy.Amount, at time.Time) (*Session, error)

	RecordReconciliation(ctx context.Context, r *Reconciliation) error
	ListReconciliations(ctx context.Context, openOnly bool) ([]*Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id, resolution string, at time.Time) (*Reconciliation, error)

	Close() error
}

// KeyStore persists sealed session key material next to the ledger
type KeyStore interface {
	PutKey(ctx context.Context, keyID, address string, sealed []byte) error
	GetKey(ctx context.Context, keyID string) (address string, sealed []byte, err error)
	DeleteKey(ctx context.Context, keyID string) error
}

// ErrKeyNotFound is returned by KeyStore lookups
var ErrKeyNotFound = errors.New("session key not found")
