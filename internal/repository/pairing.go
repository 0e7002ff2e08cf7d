package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/torchlight-app/table-sync-go/internal/model"
)

// ErrCodeTaken reports that another waiting session already holds the
// code. Enforced inside the store (unique partial index in Postgres,
// mutex-held scan in memory) so two racing writers can never both win.
var ErrCodeTaken = errors.New("pairing code already held by a waiting session")

const activeCodeConstraint = "pairing_sessions_active_code_idx"

// PairingSessionRepository is the narrow store behind the pairing registry.
// ClaimByCode and RefreshCode carry the compare-and-set semantics; every
// other method is an independently idempotent read or write.
type PairingSessionRepository interface {
	// Create inserts a fresh waiting session. Returns ErrCodeTaken when
	// another waiting session holds the same code; the caller retries
	// with a fresh one.
	Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.PairingSession, error)
	FindByCode(ctx context.Context, code string) (*model.PairingSession, error)
	// ClaimByCode atomically transitions the waiting session holding an
	// unexpired code to paired and binds campaignID. Returns nil when no
	// such session exists — the caller decides between invalid-code and
	// lost-race from a follow-up FindByCode.
	ClaimByCode(ctx context.Context, code, campaignID string, now time.Time) (*model.PairingSession, error)
	// RefreshCode swaps in a new code while the session is still waiting.
	// Returns false when the session is not waiting (or gone), and
	// ErrCodeTaken when another waiting session holds the new code.
	RefreshCode(ctx context.Context, id, code string, expiresAt, now time.Time) (bool, error)
	// Touch records a heartbeat. Returns false when the token is unknown
	// or the session is disconnected.
	Touch(ctx context.Context, tokenHash string, at time.Time) (bool, error)
	MarkDisconnected(ctx context.Context, id string, now time.Time) error
	// FindStale returns live (waiting or paired) sessions whose last
	// heartbeat predates olderThan.
	FindStale(ctx context.Context, olderThan time.Time) ([]model.PairingSession, error)
	// DeleteDisconnected reaps terminal sessions older than olderThan.
	DeleteDisconnected(ctx context.Context, olderThan time.Time) (int64, error)
}

type pairingSessionRepo struct {
	db *sqlx.DB
}

func NewPairingSessionRepository(db *sqlx.DB) PairingSessionRepository {
	return &pairingSessionRepo{db: db}
}

func (r *pairingSessionRepo) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	var s model.PairingSession
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO pairing_sessions (id, token_hash, code, status, code_expires_at, last_heartbeat_at)
		VALUES ($1, $2, $3, 'waiting', $4, NOW())
		RETURNING *
	`, uuid.NewString(), params.TokenHash, params.Code, params.CodeExpiresAt)
	if isActiveCodeViolation(err) {
		return nil, ErrCodeTaken
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func isActiveCodeViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) &&
		pqErr.Code == "23505" &&
		pqErr.Constraint == activeCodeConstraint
}

func (r *pairingSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.PairingSession, error) {
	var s model.PairingSession
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM pairing_sessions WHERE token_hash = $1
	`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pairingSessionRepo) FindByCode(ctx context.Context, code string) (*model.PairingSession, error) {
	var s model.PairingSession
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM pairing_sessions
		WHERE code = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pairingSessionRepo) ClaimByCode(ctx context.Context, code, campaignID string, now time.Time) (*model.PairingSession, error) {
	var s model.PairingSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE pairing_sessions SET
			status = 'paired',
			campaign_id = $2,
			paired_at = $3,
			last_heartbeat_at = $3,
			updated_at = $3
		WHERE code = $1 AND status = 'waiting' AND code_expires_at > $3
		RETURNING *
	`, code, campaignID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pairingSessionRepo) RefreshCode(ctx context.Context, id, code string, expiresAt, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			code = $2,
			code_expires_at = $3,
			updated_at = $4
		WHERE id = $1 AND status = 'waiting'
	`, id, code, expiresAt, now)
	if isActiveCodeViolation(err) {
		return false, ErrCodeTaken
	}
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (r *pairingSessionRepo) Touch(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			last_heartbeat_at = $2,
			updated_at = $2
		WHERE token_hash = $1 AND status IN ('waiting', 'paired')
	`, tokenHash, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (r *pairingSessionRepo) MarkDisconnected(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = 'disconnected',
			updated_at = $2
		WHERE id = $1 AND status IN ('waiting', 'paired')
	`, id, now)
	return err
}

func (r *pairingSessionRepo) FindStale(ctx context.Context, olderThan time.Time) ([]model.PairingSession, error) {
	var sessions []model.PairingSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM pairing_sessions
		WHERE status IN ('waiting', 'paired') AND last_heartbeat_at < $1
	`, olderThan)
	return sessions, err
}

func (r *pairingSessionRepo) DeleteDisconnected(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE status = 'disconnected' AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
