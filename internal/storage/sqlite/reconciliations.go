package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/pkg/logger"
)

const reconciliationColumns = `id, session_id, kind, amount, withdrawal_tx, settlement_tx, reason, created_at, resolved_at, resolution`

func scanReconciliation(row rowScanner) (*ledger.Reconciliation, error) {
	var (
		rec                      ledger.Reconciliation
		kind, createdAt          string
		amount                   int64
		withdrawalTx, settlement sql.NullString
		resolution               sql.NullString
		resolvedAt               sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &kind, &amount, &withdrawalTx, &settlement, &rec.Reason,
		&createdAt, &resolvedAt, &resolution); err != nil {
		return nil, err
	}
	rec.Kind = ledger.ReconciliationKind(kind)
	rec.Amount = policy.Amount(amount)
	rec.WithdrawalTx = withdrawalTx.String
	rec.SettlementTx = settlement.String
	rec.Resolution = resolution.String

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

// RecordReconciliation stores a new open reconciliation record
func (s *Store) RecordReconciliation(ctx context.Context, r *ledger.Reconciliation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliations (`+reconciliationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		r.ID, r.SessionID, string(r.Kind), int64(r.Amount),
		sql.NullString{String: r.WithdrawalTx, Valid: r.WithdrawalTx != ""},
		sql.NullString{String: r.SettlementTx, Valid: r.SettlementTx != ""},
		r.Reason, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}
	s.logger.Warn("Reconciliation recorded",
		logger.String("id", r.ID),
		logger.String("session_id", r.SessionID),
		logger.String("kind", string(r.Kind)),
		logger.String("amount", r.Amount.String()))
	return nil
}

// ListReconciliations returns records oldest first
func (s *Store) ListReconciliations(ctx context.Context, openOnly bool) ([]*ledger.Reconciliation, error) {
	query := `SELECT ` + reconciliationColumns + ` FROM reconciliations`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliations: %w", err)
	}
	defer rows.Close()

	var records []*ledger.Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reconciliations: %w", err)
	}
	return records, nil
}

// ResolveReconciliation closes an open record
func (s *Store) ResolveReconciliation(ctx context.Context, id, resolution string, at time.Time) (*ledger.Reconciliation, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE reconciliations SET resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved_at IS NULL
		RETURNING `+reconciliationColumns,
		formatTime(at), resolution, id)
	rec, err := scanReconciliation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ReconciliationNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reconciliation: %w", err)
	}
	return rec, nil
}
