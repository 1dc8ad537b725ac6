package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/pkg/logger"
)

const sessionColumns = `id, owner_wallet, smart_account_address, session_public_key, key_id,
	allowed_target_address, per_call_ceiling, cumulative_budget, not_before, not_after,
	enablement_proof, status, total_amount, remaining_amount, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ledger.Session, error) {
	var (
		sess                           ledger.Session
		notBefore, notAfter            sql.NullString
		status                         string
		createdAt, updatedAt, expireAt string
		ceiling, budget                int64
		total, remaining               int64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.OwnerWallet,
		&sess.SmartAccountAddress,
		&sess.SessionPublicKey,
		&sess.KeyID,
		&sess.Policy.AllowedTargetAddress,
		&ceiling,
		&budget,
		&notBefore,
		&notAfter,
		&sess.EnablementProof,
		&status,
		&total,
		&remaining,
		&createdAt,
		&updatedAt,
		&expireAt,
	); err != nil {
		return nil, err
	}

	var err error
	sess.Policy.PerCallCeiling = policy.Amount(ceiling)
	sess.Policy.CumulativeBudget = policy.Amount(budget)
	sess.TotalAmount = policy.Amount(total)
	sess.RemainingAmount = policy.Amount(remaining)
	sess.Status = ledger.Status(status)
	if sess.Policy.ValidityWindow.NotBefore, err = parseNullTime(notBefore); err != nil {
		return nil, err
	}
	if sess.Policy.ValidityWindow.NotAfter, err = parseNullTime(notAfter); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseTime(expireAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession inserts a new session record
func (s *Store) CreateSession(ctx context.Context, sess *ledger.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.OwnerWallet,
		sess.SmartAccountAddress,
		sess.SessionPublicKey,
		sess.KeyID,
		sess.Policy.AllowedTargetAddress,
		int64(sess.Policy.PerCallCeiling),
		int64(sess.Policy.CumulativeBudget),
		nullTime(sess.Policy.ValidityWindow.NotBefore),
		nullTime(sess.Policy.ValidityWindow.NotAfter),
		sess.EnablementProof,
		string(sess.Status),
		int64(sess.TotalAmount),
		int64(sess.RemainingAmount),
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
		formatTime(sess.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	s.logger.Debug("Session stored",
		logger.String("session_id", sess.ID),
		logger.String("status", string(sess.Status)))
	return nil
}

// GetSession loads a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*ledger.Session, error) {
	sess, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.NotFound(id)
	}
	return sess, nil
}

// find returns nil, nil when the session does not exist
func (s *Store) find(ctx context.Context, id string) (*ledger.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

// LatestActiveByOwner returns the most recently created ACTIVE session of an owner
func (s *Store) LatestActiveByOwner(ctx context.Context, ownerWallet string) (*ledger.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE owner_wallet = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		ownerWallet, string(ledger.StatusActive))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindState, apperr.CodeSessionNotFound, "no active session for %s", ownerWallet)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first
func (s *Store) ListSessions(ctx context.Context, f ledger.Filter) ([]*ledger.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerWallet != "" {
		where = append(where, "owner_wallet = ?")
		args = append(args, f.OwnerWallet)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ledger.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// update runs a conditional UPDATE ... RETURNING and reports a nil session when no row matched
func (s *Store) update(ctx context.Context, query string, args ...any) (*ledger.Session, error) {
	row := s.db.QueryRowContext(ctx, query+` RETURNING `+sessionColumns, args...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return sess, nil
}

// Activate records the enablement proof and moves PENDING to ACTIVE
func (s *Store) Activate(ctx context.Context, id string, proof []byte, at time.Time) (*ledger.Session, error) {
	if len(proof) == 0 {
		return nil, apperr.Validation("enablement proof is required")
	}
	ts := formatTime(at)
	sess, err := s.update(ctx,
		`UPDATE sessions SET enablement_proof = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at > ?`,
		proof, string(ledger.StatusActive), ts, id, string(ledger.StatusPending), ts)
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, ledger.ActivateConflict(id, cur, at)
}

// Revoke moves PENDING or ACTIVE to REVOKED; revoking a REVOKED session is a no-op
func (s *Store) Revoke(ctx context.Context, id string, at time.Time) (*ledger.Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(ledger.StatusRevoked), formatTime(at), id,
		string(ledger.StatusPending), string(ledger.StatusActive))
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.RevokeConflict(id, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// MarkExpired moves ACTIVE to EXPIRED; expiring an EXPIRED session is a no-op
func (s *Store) MarkExpired(ctx context.Context, id string, at time.Time) (*ledger.Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(ledger.StatusExpired), formatTime(at), id, string(ledger.StatusActive))
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.ExpireConflict(id, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// ExpireDue expires every ACTIVE session whose window has elapsed at now
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	ts := formatTime(now)
	rows, err := s.db.QueryContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at <= ?
		RETURNING id`,
		string(ledger.StatusExpired), ts, string(ledger.StatusActive), ts)
	if err != nil {
		return nil, fmt.Errorf("failed to expire sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reserve atomically decrements remaining if the session can afford amount
func (s *Store) Reserve(ctx context.Context, id string, amount policy.Amount, at time.Time) (*ledger.Session, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	ts := formatTime(at)
	sess, err := s.update(ctx,
		`UPDATE sessions SET remaining_amount = remaining_amount - ?, updated_at = ?
		WHERE id = ? AND status = ? AND remaining_amount >= ? AND expires_at > ?`,
		int64(amount), ts, id, string(ledger.StatusActive), int64(amount), ts)
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, ledger.SpendConflict(id, cur, amount, at)
}

// Release restores a reservation that was never committed
func (s *Store) Release(ctx context.Context, id string, amount policy.Amount, at time.Time) (*ledger.Session, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	sess, err := s.update(ctx,
		`UPDATE sessions SET remaining_amount = MIN(total_amount, remaining_amount + ?), updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		int64(amount), formatTime(at), id,
		string(ledger.StatusActive), string(ledger.StatusRevoked), string(ledger.StatusExpired))
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, ledger.ReleaseConflict(id, cur)
}

// Commit finalizes a reservation: an ACTIVE session with nothing left becomes EXPIRED
func (s *Store) Commit(ctx context.Context, id string, at time.Time) (*ledger.Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND remaining_amount <= 0`,
		string(ledger.StatusExpired), formatTime(at), id, string(ledger.StatusActive))
	if err != nil || sess != nil {
		return sess, err
	}
	return s.GetSession(ctx, id)
}

// Debit decrements and commits in one statement
func (s *Store) Debit(ctx context.Context, id string, amount policy.Amount, at time.Time) (*ledger.Session, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	ts := formatTime(at)
	sess, err := s.update(ctx,
		`UPDATE sessions SET
			remaining_amount = remaining_amount - ?,
			status = CASE WHEN remaining_amount - ? <= 0 THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ? AND status = ? AND remaining_amount >= ? AND expires_at > ?`,
		int64(amount), int64(amount), string(ledger.StatusExpired), ts,
		id, string(ledger.StatusActive), int64(amount), ts)
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, ledger.SpendConflict(id, cur, amount, at)
}
