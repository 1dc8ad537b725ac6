package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yegors/sessionpay/internal/ledger"
)

type sessionRow struct {
	ID           string `json:"sessionId" yaml:"sessionId"`
	OwnerWallet  string `json:"ownerWallet" yaml:"ownerWallet"`
	SmartAccount string `json:"smartAccountAddress" yaml:"smartAccountAddress"`
	Status       string `json:"status" yaml:"status"`
	Total        string `json:"totalAmount" yaml:"totalAmount"`
	Remaining    string `json:"remainingAmount" yaml:"remainingAmount"`
	ExpiresAt    string `json:"expiresAt" yaml:"expiresAt"`
}

func newSessionRow(s *ledger.Session) sessionRow {
	return sessionRow{
		ID:           s.ID,
		OwnerWallet:  s.OwnerWallet,
		SmartAccount: s.SmartAccountAddress,
		Status:       string(s.Status),
		Total:        s.TotalAmount.String(),
		Remaining:    s.RemainingAmount.String(),
		ExpiresAt:    s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

type reconciliationRow struct {
	ID           string `json:"id" yaml:"id"`
	SessionID    string `json:"sessionId" yaml:"sessionId"`
	Kind         string `json:"kind" yaml:"kind"`
	Amount       string `json:"amount" yaml:"amount"`
	WithdrawalTx string `json:"withdrawalTx,omitempty" yaml:"withdrawalTx,omitempty"`
	SettlementTx string `json:"settlementTx,omitempty" yaml:"settlementTx,omitempty"`
	Reason       string `json:"reason" yaml:"reason"`
	CreatedAt    string `json:"createdAt" yaml:"createdAt"`
	Resolution   string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

func newReconciliationRow(r *ledger.Reconciliation) reconciliationRow {
	return reconciliationRow{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Kind:         string(r.Kind),
		Amount:       r.Amount.String(),
		WithdrawalTx: r.WithdrawalTx,
		SettlementTx: r.SettlementTx,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		Resolution:   r.Resolution,
	}
}

// render writes v as json or yaml, or calls table for the default format
func render(w io.Writer, format string, v any, table func(tw *tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func renderSessions(w io.Writer, format string, sessions []*ledger.Session) error {
	rows := make([]sessionRow, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, newSessionRow(s))
	}
	return render(w, format, rows, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "SESSION\tOWNER\tSTATUS\tREMAINING\tTOTAL\tEXPIRES")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.OwnerWallet, r.Status, r.Remaining, r.Total, r.ExpiresAt)
		}
	})
}

func renderReconciliations(w io.Writer, format string, recs []*ledger.Reconciliation) error {
	rows := make([]reconciliationRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, newReconciliationRow(r))
	}
	return render(w, format, rows, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tSESSION\tKIND\tAMOUNT\tTX\tREASON\tRESOLUTION")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.SessionID, r.Kind, r.Amount, dash(r.WithdrawalTx), truncate(r.Reason, 48), dash(r.Resolution))
		}
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
