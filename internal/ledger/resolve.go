package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/sessionpay/internal/apperr"
)

// Outcome is how an ambiguous transfer turned out on chain
type Outcome string

const (
	OutcomeNone   Outcome = ""
	OutcomeLanded Outcome = "landed"
	OutcomeFailed Outcome = "failed"
)

// ParseOutcome validates an outcome string; empty is OutcomeNone
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeNone, OutcomeLanded, OutcomeFailed:
		return o, nil
	}
	return "", apperr.Validation("outcome must be %q or %q, got %q", OutcomeLanded, OutcomeFailed, s)
}

// Resolution is what resolving a record did to the ledger
type Resolution struct {
	Record *Reconciliation `json:"record"`
	// Session is the session after its reservation was committed or released
	Session *Session `json:"session,omitempty"`
	// FollowUp is the record opened for funds the outcome left in custody
	FollowUp *Reconciliation `json:"followUp,omitempty"`
}

// Resolve closes an open reconciliation record. Ambiguous records still hold their
// session's reservation and need the on-chain outcome:
//
//	AMBIGUOUS_WITHDRAWAL  landed  release, open STRANDED_IN_CUSTODY (nothing was paid)
//	AMBIGUOUS_WITHDRAWAL  failed  release
//	AMBIGUOUS_SETTLEMENT  landed  commit
//	AMBIGUOUS_SETTLEMENT  failed  release, open STRANDED_IN_CUSTODY (the withdrawal landed)
//
// Other kinds hold no reservation and take no outcome. The record is closed before the
// ledger is touched, so a record is never applied twice.
func Resolve(ctx context.Context, store Store, id string, outcome Outcome, note string, at time.Time) (*Resolution, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, apperr.Validation("resolution note is required")
	}
	rec, err := findOpen(ctx, store, id)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Kind.Ambiguous() && outcome == OutcomeNone:
		return nil, apperr.Validation("%s record %s needs an outcome (%s or %s)", rec.Kind, id, OutcomeLanded, OutcomeFailed)
	case !rec.Kind.Ambiguous() && outcome != OutcomeNone:
		return nil, apperr.Validation("%s record %s holds no reservation, outcome %q does not apply", rec.Kind, id, outcome)
	}

	text := note
	if outcome != OutcomeNone {
		text = fmt.Sprintf("%s: %s", outcome, note)
	}
	closed, err := store.ResolveReconciliation(ctx, id, text, at)
	if err != nil {
		return nil, err
	}
	res := &Resolution{Record: closed}
	if outcome == OutcomeNone {
		return res, nil
	}

	commit := rec.Kind == AmbiguousSettlement && outcome == OutcomeLanded
	if commit {
		res.Session, err = store.Commit(ctx, rec.SessionID, at)
	} else {
		res.Session, err = store.Release(ctx, rec.SessionID, rec.Amount, at)
	}
	if err != nil {
		return res, fmt.Errorf("record %s closed but session %s was not adjusted: %w", id, rec.SessionID, err)
	}

	stranded := (rec.Kind == AmbiguousWithdrawal && outcome == OutcomeLanded) ||
		(rec.Kind == AmbiguousSettlement && outcome == OutcomeFailed)
	if stranded {
		res.FollowUp = &Reconciliation{
			ID:           uuid.NewString(),
			SessionID:    rec.SessionID,
			Kind:         StrandedInCustody,
			Amount:       rec.Amount,
			WithdrawalTx: rec.WithdrawalTx,
			Reason:       fmt.Sprintf("%s %s resolved %s", rec.Kind, id, outcome),
			CreatedAt:    at.UTC(),
		}
		if err := store.RecordReconciliation(ctx, res.FollowUp); err != nil {
			return res, fmt.Errorf("record %s closed but the custody balance was not recorded: %w", id, err)
		}
	}
	return res, nil
}

func findOpen(ctx context.Context, store Store, id string) (*Reconciliation, error) {
	open, err := store.ListReconciliations(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, rec := range open {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, ReconciliationNotFound(id)
}
