package ledger

import (
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/policy"
)

// The helpers below explain why a conditional write matched no row. Stores call them with
// the record re-read after the failed write, or nil when the record does not exist.

// ActivateConflict explains a failed Activate
func ActivateConflict(id string, s *Session, at time.Time) error {
	if s == nil {
		return apperr.NotFound(id)
	}
	if s.Status != StatusPending {
		return apperr.InvalidState("session %s is %s, only PENDING sessions can be activated", id, s.Status)
	}
	if s.ExpiredAt(at) {
		return apperr.New(apperr.KindState, apperr.CodeExpired, "session %s validity window elapsed before activation", id)
	}
	return apperr.InvalidState("session %s changed concurrently", id)
}

// RevokeConflict explains a failed Revoke. A nil error means the session is already REVOKED.
func RevokeConflict(id string, s *Session) error {
	if s == nil {
		return apperr.NotFound(id)
	}
	if s.Status == StatusRevoked {
		return nil
	}
	return apperr.InvalidState("session %s is %s and cannot be revoked", id, s.Status)
}

// ExpireConflict explains a failed MarkExpired. A nil error means it is already EXPIRED.
func ExpireConflict(id string, s *Session) error {
	if s == nil {
		return apperr.NotFound(id)
	}
	if s.Status == StatusExpired {
		return nil
	}
	return apperr.InvalidState("session %s is %s and cannot expire", id, s.Status)
}

// SpendConflict explains a failed Reserve or Debit
func SpendConflict(id string, s *Session, amount policy.Amount, at time.Time) error {
	if s == nil {
		return apperr.NotFound(id)
	}
	if s.Status != StatusActive {
		return apperr.InvalidState("session %s is %s", id, s.Status)
	}
	if s.ExpiredAt(at) {
		return apperr.New(apperr.KindPolicy, apperr.CodeExpired, "session %s expired at %s", id, s.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if s.RemainingAmount < amount {
		return apperr.New(apperr.KindPolicy, apperr.CodeInsufficientBalance,
			"remaining %s is less than %s", s.RemainingAmount, amount)
	}
	return apperr.InvalidState("session %s changed concurrently", id)
}

// ReleaseConflict explains a failed Release
func ReleaseConflict(id string, s *Session) error {
	if s == nil {
		return apperr.NotFound(id)
	}
	return apperr.InvalidState("session %s is %s, nothing to release", id, s.Status)
}

// ReconciliationNotFound is returned when resolving an unknown or already resolved record
func ReconciliationNotFound(id string) error {
	return apperr.New(apperr.KindState, apperr.CodeNotFound, "open reconciliation %s not found", id)
}
