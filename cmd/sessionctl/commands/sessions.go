package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/ledger"
)

func sessionsCmd(current func() *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, revoke and expire sessions",
	}
	cmd.AddCommand(sessionsListCmd(current), sessionsShowCmd(current), sessionsRevokeCmd(current), sessionsExpireDueCmd(current))
	return cmd
}

func sessionsListCmd(current func() *env) *cobra.Command {
	var (
		owner  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := current()
			f := ledger.Filter{Limit: limit}
			if owner != "" {
				normalized, err := evm.NormalizeAddress(owner)
				if err != nil {
					return fmt.Errorf("invalid --owner: %w", err)
				}
				f.OwnerWallet = normalized
			}
			if status != "" {
				f.Status = ledger.Status(strings.ToUpper(status))
				switch f.Status {
				case ledger.StatusPending, ledger.StatusActive, ledger.StatusRevoked, ledger.StatusExpired:
				default:
					return fmt.Errorf("unknown --status %q", status)
				}
			}
			sessions, err := e.store.ListSessions(cmd.Context(), f)
			if err != nil {
				return err
			}
			return renderSessions(e.out, e.format, sessions)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only sessions of this owner wallet")
	cmd.Flags().StringVar(&status, "status", "", "only sessions in this status (PENDING, ACTIVE, REVOKED, EXPIRED)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of sessions")
	return cmd
}

func sessionsShowCmd(current func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := current()
			sess, err := e.store.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderSessions(e.out, e.format, []*ledger.Session{sess})
		},
	}
}

func sessionsRevokeCmd(current func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a session and destroy its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := current()
			auth, err := e.authority()
			if err != nil {
				return err
			}
			sess, err := auth.RevokeSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderSessions(e.out, e.format, []*ledger.Session{sess})
		},
	}
}

func sessionsExpireDueCmd(current func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-due",
		Short: "Expire every session whose validity window has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := current()
			ids, err := e.store.ExpireDue(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			return render(e.out, e.format, map[string]any{"expired": ids, "count": len(ids)}, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "expired %d session(s)\n", len(ids))
				for _, id := range ids {
					fmt.Fprintln(tw, id)
				}
			})
		},
	}
}
