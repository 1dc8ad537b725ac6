package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/pkg/logger"
)

func reconcileCmd(current func() *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Work through payments that need operator attention",
	}
	cmd.AddCommand(reconcileListCmd(current), reconcileResolveCmd(current))
	return cmd
}

func reconcileListCmd(current func() *env) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open reconciliation records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := current()
			recs, err := e.store.ListReconciliations(cmd.Context(), !all)
			if err != nil {
				return err
			}
			return renderReconciliations(e.out, e.format, recs)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved records")
	return cmd
}

func reconcileResolveCmd(current func() *env) *cobra.Command {
	var resolution, outcome string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Close a reconciliation record",
		Long: `Close a reconciliation record once the funds it describes are accounted for.

AMBIGUOUS_WITHDRAWAL and AMBIGUOUS_SETTLEMENT records still hold their session's
reservation and need --outcome: "landed" if the transfer was mined, "failed" if
it was not. The reservation is then committed or released, and a new
STRANDED_IN_CUSTODY record is opened when the outcome left funds in custody.
Other kinds are closed without touching the ledger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(resolution) == "" {
				return fmt.Errorf("--resolution is required")
			}
			out, err := ledger.ParseOutcome(outcome)
			if err != nil {
				return err
			}
			e := current()
			res, err := ledger.Resolve(cmd.Context(), e.store, args[0], out, resolution, time.Now())
			if res == nil {
				return err
			}
			recs := []*ledger.Reconciliation{res.Record}
			if res.FollowUp != nil {
				recs = append(recs, res.FollowUp)
			}
			if rerr := renderReconciliations(e.out, e.format, recs); rerr != nil {
				return rerr
			}
			if err != nil {
				return err
			}
			if res.Session != nil {
				e.log.Info("Reservation settled",
					logger.String("session_id", res.Session.ID),
					logger.String("outcome", string(out)),
					logger.String("remaining", res.Session.RemainingAmount.String()),
					logger.String("status", string(res.Session.Status)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "what was done about the record")
	cmd.Flags().StringVar(&outcome, "outcome", "", "on-chain outcome of an ambiguous record: landed or failed")
	return cmd
}
