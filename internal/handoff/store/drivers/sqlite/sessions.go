package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/domain"
)

type sessionsRepo struct {
	db *sql.DB
}

const sessionColumns = `id, challenge, token_hash, status, ip_address, user_agent_hint,
	bound_credential, approver_identity, device_fingerprint, approver_ip,
	approved_at, expires_at, created_at`

func (r *sessionsRepo) Insert(ctx context.Context, s domain.AuthSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO handoff_sessions (
			id, challenge, token_hash, status, ip_address, user_agent_hint,
			expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Challenge, s.TokenHash, string(s.Status), s.IPAddress,
		s.UserAgentHint, s.ExpiresAt.UTC(), s.CreatedAt.UTC(),
	)
	return mapConflict(err)
}

func (r *sessionsRepo) FindByTokenMatch(ctx context.Context, sessionID, challenge, tokenHash string) (domain.AuthSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM handoff_sessions
		WHERE id = ? AND challenge = ? AND token_hash = ?`,
		sessionID, challenge, tokenHash,
	)
	return scanSession(row)
}

// Approve flips pending -> approved and attaches the credential payload and
// audit metadata in the same statement. The status predicate makes this a
// compare-and-swap: a concurrent exchange or an intervening expiry leaves
// zero rows affected.
func (r *sessionsRepo) Approve(ctx context.Context, sessionID string, approval domain.Approval, approvedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE handoff_sessions
		SET status = 'approved',
		    bound_credential = ?,
		    approver_identity = ?,
		    device_fingerprint = ?,
		    approver_ip = ?,
		    approved_at = ?
		WHERE id = ? AND status = 'pending'`,
		approval.Credential, approval.ApproverIdentity, approval.DeviceFingerprint,
		approval.IPAddress, approvedAt.UTC(), sessionID,
	)
	return oneRowAffected(res, err)
}

// Consume flips approved -> consumed and clears the credential in the same
// conditional write. Exactly one concurrent caller can win this update.
func (r *sessionsRepo) Consume(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE handoff_sessions
		SET status = 'consumed', bound_credential = NULL
		WHERE id = ? AND status = 'approved'`,
		sessionID,
	)
	return oneRowAffected(res, err)
}

func (r *sessionsRepo) Expire(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE handoff_sessions
		SET status = 'expired', bound_credential = NULL
		WHERE id = ? AND status IN ('pending', 'approved')`,
		sessionID,
	)
	return oneRowAffected(res, err)
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM handoff_sessions
		WHERE expires_at < ?`,
		cutoff.UTC(),
	)
	return err
}

func oneRowAffected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func scanSession(row *sql.Row) (domain.AuthSession, error) {
	var (
		s          domain.AuthSession
		status     string
		credential sql.NullString
		approvedAt sql.NullTime
	)

	err := row.Scan(
		&s.ID, &s.Challenge, &s.TokenHash, &status, &s.IPAddress, &s.UserAgentHint,
		&credential, &s.ApproverIdentity, &s.DeviceFingerprint, &s.ApproverIP,
		&approvedAt, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		return domain.AuthSession{}, mapNotFound(err)
	}

	s.Status = domain.SessionStatus(status)
	s.BoundCredential = mapNullString(credential)
	if approvedAt.Valid {
		t := approvedAt.Time
		s.ApprovedAt = &t
	}

	return s, nil
}
