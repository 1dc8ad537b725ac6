// Package postgres is the ledger store for multi-instance deployments, backed by a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Store is a PostgreSQL session ledger and key store
type Store struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.KeyStore = (*Store)(nil)
)

// Config holds pool settings
type Config struct {
	DSN      string
	MaxConns int32
}

// Open connects to the database and creates the schema if missing
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	pgLogger := log.Named("postgres")

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool, logger: pgLogger}
	if err := s.initDB(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	pgLogger.Info("Connected to PostgreSQL ledger", logger.Int("max_conns", int(poolCfg.MaxConns)))
	return s, nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) initDB(ctx context.Context) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"sessions table", `
			CREATE TABLE IF NOT EXISTS sessions (
				seq BIGSERIAL,
				id TEXT PRIMARY KEY,
				owner_wallet TEXT NOT NULL,
				smart_account_address TEXT NOT NULL,
				session_public_key TEXT NOT NULL,
				key_id TEXT NOT NULL,
				allowed_target_address TEXT NOT NULL,
				per_call_ceiling BIGINT NOT NULL,
				cumulative_budget BIGINT NOT NULL,
				not_before TIMESTAMPTZ,
				not_after TIMESTAMPTZ,
				enablement_proof BYTEA,
				status TEXT NOT NULL,
				total_amount BIGINT NOT NULL,
				remaining_amount BIGINT NOT NULL CHECK (remaining_amount >= 0),
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				CHECK (remaining_amount <= total_amount)
			)`},
		{"owner index", `CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_wallet, status, created_at)`},
		{"expiry index", `CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(status, expires_at)`},
		{"reconciliations table", `
			CREATE TABLE IF NOT EXISTS reconciliations (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				kind TEXT NOT NULL,
				amount BIGINT NOT NULL,
				withdrawal_tx TEXT,
				settlement_tx TEXT,
				reason TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				resolved_at TIMESTAMPTZ,
				resolution TEXT
			)`},
		{"settlement_tx column", `ALTER TABLE reconciliations ADD COLUMN IF NOT EXISTS settlement_tx TEXT`},
		{"session_keys table", `
			CREATE TABLE IF NOT EXISTS session_keys (
				key_id TEXT PRIMARY KEY,
				address TEXT NOT NULL,
				sealed BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`},
	}
	for _, st := range statements {
		if _, err := s.pool.Exec(ctx, st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.name, err)
		}
	}
	return nil
}

const sessionColumns = `id, owner_wallet, smart_account_address, session_public_key, key_id,
	allowed_target_address, per_call_ceiling, cumulative_budget, not_before, not_after,
	enablement_proof, status, total_amount, remaining_amount, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*ledger.Session, error) {
	var (
		sess                ledger.Session
		notBefore, notAfter *time.Time
		status              string
		ceiling, budget     int64
		total, remaining    int64
	)
	if err := row.Scan(
		&sess.ID, &sess.OwnerWallet, &sess.SmartAccountAddress, &sess.SessionPublicKey, &sess.KeyID,
		&sess.Policy.AllowedTargetAddress, &ceiling, &budget, &notBefore, &notAfter,
		&sess.EnablementProof, &status, &total, &remaining,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt,
	); err != nil {
		return nil, err
	}
	sess.Policy.PerCallCeiling = policy.Amount(ceiling)
	sess.Policy.CumulativeBudget = policy.Amount(budget)
	sess.TotalAmount = policy.Amount(total)
	sess.RemainingAmount = policy.Amount(remaining)
	sess.Status = ledger.Status(status)
	if notBefore != nil {
		sess.Policy.ValidityWindow.NotBefore = notBefore.UTC()
	}
	if notAfter != nil {
		sess.Policy.ValidityWindow.NotAfter = notAfter.UTC()
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	return &sess, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CreateSession inserts a new session record
func (s *Store) CreateSession(ctx context.Context, sess *ledger.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		sess.ID, sess.OwnerWallet, sess.SmartAccountAddress, sess.SessionPublicKey, sess.KeyID,
		sess.Policy.AllowedTargetAddress, int64(sess.Policy.PerCallCeiling), int64(sess.Policy.CumulativeBudget),
		nullTime(sess.Policy.ValidityWindow.NotBefore), nullTime(sess.Policy.ValidityWindow.NotAfter),
		sess.EnablementProof, string(sess.Status), int64(sess.TotalAmount), int64(sess.RemainingAmount),
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) find(ctx context.Context, id string) (*ledger.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
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

// LatestActiveByOwner returns the most recently created ACTIVE session of an owner
func (s *Store) LatestActiveByOwner(ctx context.Context, ownerWallet string) (*ledger.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE owner_wallet = $1 AND status = $2
		ORDER BY created_at DESC, seq DESC LIMIT 1`,
		ownerWallet, string(ledger.StatusActive)))
	if errors.Is(err, pgx.ErrNoRows) {
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
		args = append(args, f.OwnerWallet)
		where = append(where, fmt.Sprintf("owner_wallet = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, seq DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) update(ctx context.Context, q string, args ...any) (*ledger.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, q+` RETURNING `+sessionColumns, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
	sess, err := s.update(ctx,
		`UPDATE sessions SET enablement_proof = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status = $5 AND expires_at > $3`,
		proof, string(ledger.StatusActive), at, id, string(ledger.StatusPending))
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
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		string(ledger.StatusRevoked), at, id, string(ledger.StatusPending), string(ledger.StatusActive))
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
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(ledger.StatusExpired), at, id, string(ledger.StatusActive))
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
	rows, err := s.pool.Query(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at <= $2 RETURNING id`,
		string(ledger.StatusExpired), now, string(ledger.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to expire sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired session ids: %w", err)
	}
	return ids, nil
}

// Reserve atomically decrements remaining if the session can afford amount
func (s *Store) Reserve(ctx context.Context, id string, amount policy.Amount, at time.Time) (*ledger.Session, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	sess, err := s.update(ctx,
		`UPDATE sessions SET remaining_amount = remaining_amount - $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND remaining_amount >= $1 AND expires_at > $2`,
		int64(amount), at, id, string(ledger.StatusActive))
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
		`UPDATE sessions SET remaining_amount = LEAST(total_amount, remaining_amount + $1), updated_at = $2
		WHERE id = $3 AND status IN ($4, $5, $6)`,
		int64(amount), at, id,
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
		`UPDATE sessions SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND remaining_amount <= 0`,
		string(ledger.StatusExpired), at, id, string(ledger.StatusActive))
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
	sess, err := s.update(ctx,
		`UPDATE sessions SET
			remaining_amount = remaining_amount - $1,
			status = CASE WHEN remaining_amount - $1 <= 0 THEN $2 ELSE status END,
			updated_at = $3
		WHERE id = $4 AND status = $5 AND remaining_amount >= $1 AND expires_at > $3`,
		int64(amount), string(ledger.StatusExpired), at, id, string(ledger.StatusActive))
	if err != nil || sess != nil {
		return sess, err
	}
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, ledger.SpendConflict(id, cur, amount, at)
}

const reconciliationColumns = `id, session_id, kind, amount, withdrawal_tx, settlement_tx, reason, created_at, resolved_at, resolution`

func scanReconciliation(row pgx.Row) (*ledger.Reconciliation, error) {
	var (
		rec                                    ledger.Reconciliation
		kind                                   string
		amount                                 int64
		withdrawalTx, settlementTx, resolution *string
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &kind, &amount, &withdrawalTx, &settlementTx, &rec.Reason,
		&rec.CreatedAt, &rec.ResolvedAt, &resolution); err != nil {
		return nil, err
	}
	rec.Kind = ledger.ReconciliationKind(kind)
	rec.Amount = policy.Amount(amount)
	if withdrawalTx != nil {
		rec.WithdrawalTx = *withdrawalTx
	}
	if settlementTx != nil {
		rec.SettlementTx = *settlementTx
	}
	if resolution != nil {
		rec.Resolution = *resolution
	}
	return &rec, nil
}

// RecordReconciliation stores a new open reconciliation record
func (s *Store) RecordReconciliation(ctx context.Context, r *ledger.Reconciliation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliations (id, session_id, kind, amount, withdrawal_tx, settlement_tx, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.SessionID, string(r.Kind), int64(r.Amount), nullable(r.WithdrawalTx), nullable(r.SettlementTx),
		r.Reason, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}
	s.logger.Warn("Reconciliation recorded",
		logger.String("id", r.ID),
		logger.String("session_id", r.SessionID),
		logger.String("kind", string(r.Kind)))
	return nil
}

// ListReconciliations returns records oldest first
func (s *Store) ListReconciliations(ctx context.Context, openOnly bool) ([]*ledger.Reconciliation, error) {
	q := `SELECT ` + reconciliationColumns + ` FROM reconciliations`
	if openOnly {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliations: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveReconciliation closes an open record
func (s *Store) ResolveReconciliation(ctx context.Context, id, resolution string, at time.Time) (*ledger.Reconciliation, error) {
	rec, err := scanReconciliation(s.pool.QueryRow(ctx,
		`UPDATE reconciliations SET resolved_at = $1, resolution = $2
		WHERE id = $3 AND resolved_at IS NULL RETURNING `+reconciliationColumns,
		at, resolution, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ReconciliationNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reconciliation: %w", err)
	}
	return rec, nil
}

// PutKey stores sealed key material
func (s *Store) PutKey(ctx context.Context, keyID, address string, sealed []byte) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO session_keys (key_id, address, sealed) VALUES ($1,$2,$3)`, keyID, address, sealed); err != nil {
		return fmt.Errorf("failed to insert session key: %w", err)
	}
	return nil
}

// GetKey loads sealed key material
func (s *Store) GetKey(ctx context.Context, keyID string) (string, []byte, error) {
	var (
		address string
		sealed  []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT address, sealed FROM session_keys WHERE key_id = $1`, keyID).Scan(&address, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ledger.ErrKeyNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to query session key: %w", err)
	}
	return address, sealed, nil
}

// DeleteKey removes key material
func (s *Store) DeleteKey(ctx context.Context, keyID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_keys WHERE key_id = $1`, keyID); err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
