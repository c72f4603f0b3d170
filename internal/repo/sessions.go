package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"roadready/internal/domain"
)

const sessionColumns = `id,applicant_id,token,expires_at,last_used_at,revoked,created_at`

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s                          domain.Session
		expires, lastUsed, created string
	)
	err := row.Scan(&s.ID, &s.ApplicantID, &s.Token, &expires, &lastUsed, &s.Revoked, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.ExpiresAt, err = parseTime(expires); err != nil {
		return s, err
	}
	if s.LastUsedAt, err = parseTime(lastUsed); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, err
	}
	return s, nil
}

// UpsertSession creates the applicant's session or refreshes the existing one
// in a single statement. A live row keeps its token; a revoked or lapsed row
// takes the candidate token from s. The stored row is returned.
func (r Repo) UpsertSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	now := formatTime(s.LastUsedAt)
	row := r.DB.QueryRowContext(ctx, `INSERT INTO sessions(id,applicant_id,token,expires_at,last_used_at,revoked,created_at) VALUES (?,?,?,?,?,0,?)
ON CONFLICT(applicant_id) DO UPDATE SET
  token = CASE WHEN sessions.revoked = 1 OR sessions.expires_at <= ? THEN excluded.token ELSE sessions.token END,
  expires_at = excluded.expires_at,
  last_used_at = excluded.last_used_at,
  revoked = 0
RETURNING `+sessionColumns,
		s.ID, s.ApplicantID, s.Token, formatTime(s.ExpiresAt), now, formatTime(s.CreatedAt), now)
	return scanSession(row)
}

// GetSessionByToken finds the session matching both token and applicant.
func (r Repo) GetSessionByToken(ctx context.Context, token, applicantID string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token=? AND applicant_id=?`, token, applicantID))
}

func (r Repo) GetSessionByApplicant(ctx context.Context, applicantID string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE applicant_id=?`, applicantID))
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

func (r Repo) UpdateSessionExpiry(ctx context.Context, id string, expiresAt, lastUsedAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET expires_at=?, last_used_at=? WHERE id=? AND revoked=0`, formatTime(expiresAt), formatTime(lastUsedAt), id)
	return expectOne(res, err)
}

// RevokeSessions marks every session of the applicant revoked and reports how many changed.
func (r Repo) RevokeSessions(ctx context.Context, applicantID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET revoked=1 WHERE applicant_id=? AND revoked=0`, applicantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountSessions(ctx context.Context, applicantID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE applicant_id=?`, applicantID).Scan(&n)
	return n, err
}
