// Package policy defines what a session key may spend and validates proposed transfers
// against it. It holds no state and never touches the ledger.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
)

// Reason is the denial reason of a Decision
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonTargetMismatch  Reason = apperr.CodeTargetMismatch
	ReasonCeilingExceeded Reason = apperr.CodeCeilingExceeded
	ReasonBudgetExceeded  Reason = apperr.CodeBudgetExceeded
	ReasonExpired         Reason = apperr.CodeExpired
)

// Window is the validity window of a session key
type Window struct {
	NotBefore time.Time `json:"notBefore" toml:"not_before"`
	NotAfter  time.Time `json:"notAfter" toml:"not_after"`
}

// Contains reports whether t falls inside [NotBefore, NotAfter)
func (w Window) Contains(t time.Time) bool {
	if !w.NotBefore.IsZero() && t.Before(w.NotBefore) {
		return false
	}
	if !w.NotAfter.IsZero() && !t.Before(w.NotAfter) {
		return false
	}
	return true
}

// Policy is the set of constraints a delegated transfer must satisfy
type Policy struct {
	AllowedTargetAddress string `json:"allowedTargetAddress" toml:"allowed_target_address"`
	PerCallCeiling       Amount `json:"perCallCeiling" toml:"per_call_ceiling"`
	CumulativeBudget     Amount `json:"cumulativeBudget" toml:"cumulative_budget"`
	ValidityWindow       Window `json:"validityWindow" toml:"validity_window"`
}

// Equal compares two policies field by field (times compared as instants)
func (p Policy) Equal(o Policy) bool {
	return strings.EqualFold(p.AllowedTargetAddress, o.AllowedTargetAddress) &&
		p.PerCallCeiling == o.PerCallCeiling &&
		p.CumulativeBudget == o.CumulativeBudget &&
		p.ValidityWindow.NotBefore.Equal(o.ValidityWindow.NotBefore) &&
		p.ValidityWindow.NotAfter.Equal(o.ValidityWindow.NotAfter)
}

// Transfer is a proposed value movement under a policy
type Transfer struct {
	Target string
	Amount Amount
	At     time.Time
}

// Decision is the result of validating a transfer
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

// Allow is the positive decision
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a negative decision
func Deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Err converts a denial into a typed policy error, nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(apperr.KindPolicy, string(d.Reason), "%s", d.Detail)
}

// Validate checks a proposed transfer against the policy and the session's current
// remaining budget. An elapsed window is rejected before anything else so an expired
// session is never reported as merely over budget.
func Validate(p Policy, remaining Amount, tr Transfer) Decision {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	if !p.ValidityWindow.Contains(at) {
		return Deny(ReasonExpired, "transfer at %s outside validity window [%s, %s]",
			at.UTC().Format(time.RFC3339), p.ValidityWindow.NotBefore.UTC().Format(time.RFC3339),
			p.ValidityWindow.NotAfter.UTC().Format(time.RFC3339))
	}
	if !sameAddress(tr.Target, p.AllowedTargetAddress) {
		return Deny(ReasonTargetMismatch, "target %s is not the allowed target %s", tr.Target, p.AllowedTargetAddress)
	}
	if tr.Amount > p.PerCallCeiling {
		return Deny(ReasonCeilingExceeded, "amount %s exceeds per-call ceiling %s", tr.Amount, p.PerCallCeiling)
	}
	if tr.Amount > remaining {
		return Deny(ReasonBudgetExceeded, "amount %s exceeds remaining budget %s", tr.Amount, remaining)
	}
	return Allow()
}

func sameAddress(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}
