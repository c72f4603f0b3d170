// Package session manages the resumable, sliding-window sessions that let an
// applicant pick the onboarding flow back up where they left it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"roadready/internal/domain"
	"roadready/internal/repo"
)

const (
	DefaultSessionTTL = 2 * time.Hour
	DefaultResumeTTL  = 30 * 24 * time.Hour

	tokenBytes = 32
)

// Reason classifies an expected session failure.
type Reason string

const (
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonNotFound         Reason = "not_found"
	ReasonRevoked          Reason = "revoked"
	ReasonExpired          Reason = "expired"
	ReasonRecordNotFound   Reason = "record_not_found"
	ReasonTerminated       Reason = "terminated"
	ReasonRecordExpired    Reason = "record_expired"
	ReasonAlreadyCompleted Reason = "already_completed"
)

// Failure is returned for every expected session outcome other than success.
// Storage errors are never reported as a Failure.
type Failure struct {
	Reason Reason
}

func (f *Failure) Error() string {
	return "session rejected: " + string(f.Reason)
}

func fail(r Reason) error {
	return &Failure{Reason: r}
}

// ReasonOf reports the failure reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason, true
	}
	return "", false
}

// Store is the persistence the manager needs. repo.Repo implements it.
type Store interface {
	GetApplicant(ctx context.Context, id string) (domain.Applicant, error)
	TouchApplicantResume(ctx context.Context, id string, deadline, now time.Time) error
	UpsertSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSessionByToken(ctx context.Context, token, applicantID string) (domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	UpdateSessionExpiry(ctx context.Context, id string, expiresAt, lastUsedAt time.Time) error
	RevokeSessions(ctx context.Context, applicantID string) (int64, error)
	CountSessions(ctx context.Context, applicantID string) (int, error)
}

type Config struct {
	SessionTTL time.Duration
	ResumeTTL  time.Duration
}

type Manager struct {
	Store    Store
	Config   Config
	Now      func() time.Time
	NewToken func() (string, error)
}

func New(store Store, cfg Config) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.ResumeTTL <= 0 {
		cfg.ResumeTTL = DefaultResumeTTL
	}
	return &Manager{Store: store, Config: cfg, Now: time.Now, NewToken: NewToken}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// NewToken returns a random opaque session token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// WellFormed reports whether tok has the shape NewToken produces.
func WellFormed(tok string) bool {
	if len(tok) != base64.RawURLEncoding.EncodedLen(tokenBytes) {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(tok)
	return err == nil && len(b) == tokenBytes
}

// CreateOrReuse starts a session for the applicant or refreshes the one it
// already has. Concurrent calls for one applicant converge on a single row
// and, while that row is live, a single token.
func (m *Manager) CreateOrReuse(ctx context.Context, applicantID string) (domain.Session, string, error) {
	newToken := m.NewToken
	if newToken == nil {
		newToken = NewToken
	}
	tok, err := newToken()
	if err != nil {
		return domain.Session{}, "", err
	}
	now := m.now()
	s, err := m.Store.UpsertSession(ctx, domain.Session{
		ID:          uuid.NewString(),
		ApplicantID: applicantID,
		Token:       tok,
		ExpiresAt:   now.Add(m.Config.SessionTTL),
		LastUsedAt:  now,
		CreatedAt:   now,
	})
	if err != nil {
		return domain.Session{}, "", fmt.Errorf("upsert session: %w", err)
	}
	return s, s.Token, nil
}

// Resumed is a successful validation: the applicant, the slid session and the
// token to hand back to the caller.
type Resumed struct {
	Applicant domain.Applicant
	Session   domain.Session
	Token     string
}

// ValidateAndSlide checks the token against the applicant's session and the
// applicant record. Any rejection after the session row is found deletes the
// row first, so a bad token is never accepted later.
func (m *Manager) ValidateAndSlide(ctx context.Context, applicantID, token string) (Resumed, error) {
	if !WellFormed(token) || applicantID == "" {
		return Resumed{}, fail(ReasonInvalidToken)
	}
	s, err := m.Store.GetSessionByToken(ctx, token, applicantID)
	if errors.Is(err, repo.ErrNotFound) {
		return Resumed{}, fail(ReasonNotFound)
	}
	if err != nil {
		return Resumed{}, fmt.Errorf("load session: %w", err)
	}

	now := m.now()
	reject := func(r Reason) (Resumed, error) {
		if err := m.Store.DeleteSession(ctx, s.ID); err != nil {
			return Resumed{}, fmt.Errorf("delete session: %w", err)
		}
		return Resumed{}, fail(r)
	}
	if s.Revoked {
		return reject(ReasonRevoked)
	}
	if !s.ExpiresAt.After(now) {
		return reject(ReasonExpired)
	}

	a, err := m.Store.GetApplicant(ctx, applicantID)
	if errors.Is(err, repo.ErrNotFound) {
		return reject(ReasonRecordNotFound)
	}
	if err != nil {
		return Resumed{}, fmt.Errorf("load applicant: %w", err)
	}
	switch {
	case a.Terminated:
		return reject(ReasonTerminated)
	case !a.ResumeDeadline.After(now):
		return reject(ReasonRecordExpired)
	case a.Status.Completed:
		return reject(ReasonAlreadyCompleted)
	}

	s.ExpiresAt = now.Add(m.Config.SessionTTL)
	s.LastUsedAt = now
	if err := m.Store.UpdateSessionExpiry(ctx, s.ID, s.ExpiresAt, s.LastUsedAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Revoked or removed between the read and the write.
			return Resumed{}, fail(ReasonNotFound)
		}
		return Resumed{}, fmt.Errorf("slide session: %w", err)
	}
	a.ResumeDeadline = now.Add(m.Config.ResumeTTL)
	if err := m.Store.TouchApplicantResume(ctx, a.ID, a.ResumeDeadline, now); err != nil {
		return Resumed{}, fmt.Errorf("slide resume deadline: %w", err)
	}
	return Resumed{Applicant: a, Session: s, Token: s.Token}, nil
}

// RevokeAll marks every session of the applicant revoked.
func (m *Manager) RevokeAll(ctx context.Context, applicantID string) (int64, error) {
	n, err := m.Store.RevokeSessions(ctx, applicantID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return n, nil
}

// Count returns how many session rows the applicant has.
func (m *Manager) Count(ctx context.Context, applicantID string) (int, error) {
	return m.Store.CountSessions(ctx, applicantID)
}
