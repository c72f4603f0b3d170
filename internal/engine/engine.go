package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roadready/internal/config"
	"roadready/internal/domain"
	"roadready/internal/events"
	"roadready/internal/flow"
	"roadready/internal/repo"
	"roadready/internal/session"
)

var (
	ErrWrongOwner      = errors.New("stage is owned by another party")
	ErrStageNotReached = errors.New("stage not reached yet")
	ErrApplicantClosed = errors.New("applicant is completed or terminated")
	ErrStageCompleted  = errors.New("stage already completed")
	ErrNameRequired    = errors.New("name is required")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Sessions *session.Manager
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Sessions: session.New(r, session.Config{SessionTTL: cfg.SessionTTL(), ResumeTTL: cfg.ResumeTTL()}),
		Config:   cfg,
		Now:      time.Now,
	}
}

// WithClock returns a copy of the engine whose events and sessions share now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	sessions := *e.Sessions
	sessions.Now = now
	e.Sessions = &sessions
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) resumeTTL() time.Duration {
	return e.Sessions.Config.ResumeTTL
}

// StartOptions are parameters for starting an application.
type StartOptions struct {
	ID           string
	Name         string
	Email        string
	CargoType    string
	NeedsFlatbed bool
	ActorID      string
}

type Started struct {
	Applicant domain.Applicant
	Session   domain.Session
	Token     string
}

// StartApplication creates the applicant at the first stage and opens a session.
func (e Engine) StartApplication(ctx context.Context, opts StartOptions) (Started, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return Started{}, ErrNameRequired
	}
	now := e.now()
	a := domain.Applicant{
		ID:             opts.ID,
		Name:           name,
		Email:          strings.TrimSpace(opts.Email),
		CargoType:      strings.ToLower(strings.TrimSpace(opts.CargoType)),
		NeedsFlatbed:   opts.NeedsFlatbed,
		ResumeDeadline: now.Add(e.resumeTTL()),
		Status:         flow.InitialStatus(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CargoType == domain.CargoFlatbed {
		a.NeedsFlatbed = true
	}
	actor := actorOr(opts.ActorID, a.ID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Started{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApplicant(ctx, tx, a); err != nil {
		return Started{}, fmt.Errorf("insert applicant: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ApplicantCreated, a.ID, "applicant", a.ID, actor, events.EventPayload{
		"cargo_type":    a.CargoType,
		"needs_flatbed": a.NeedsFlatbed,
		"stage":         a.Status.CurrentStage.String(),
	}); err != nil {
		return Started{}, err
	}
	if err := tx.Commit(); err != nil {
		return Started{}, err
	}

	// The applicant row is committed at this point. On a session error the
	// caller still gets the applicant and can retry with OpenSession.
	s, tok, err := e.OpenSession(ctx, a.ID, actor)
	if err != nil {
		return Started{Applicant: a}, fmt.Errorf("applicant %s created without a session: %w", a.ID, err)
	}
	return Started{Applicant: a, Session: s, Token: tok}, nil
}

// OpenSession creates or reuses the session of an open applicant and returns
// its raw token.
func (e Engine) OpenSession(ctx context.Context, applicantID, actorID string) (domain.Session, string, error) {
	a, err := e.Repo.GetApplicant(ctx, applicantID)
	if err != nil {
		return domain.Session{}, "", err
	}
	if a.Terminated || a.Status.Completed {
		return domain.Session{}, "", ErrApplicantClosed
	}
	s, tok, err := e.Sessions.CreateOrReuse(ctx, a.ID)
	if err != nil {
		return domain.Session{}, "", err
	}
	if err := e.Events.Append(ctx, nil, events.SessionStarted, a.ID, "session", s.ID, actorOr(actorID, a.ID), events.EventPayload{"expires_at": s.ExpiresAt}); err != nil {
		return domain.Session{}, "", err
	}
	return s, tok, nil
}

// Resume validates the applicant's token and slides the session window.
// Rejections are logged as events and returned as *session.Failure.
func (e Engine) Resume(ctx context.Context, applicantID, token string) (session.Resumed, error) {
	res, err := e.Sessions.ValidateAndSlide(ctx, applicantID, token)
	if err != nil {
		reason, ok := session.ReasonOf(err)
		if ok && applicantID != "" {
			if aerr := e.Events.Append(ctx, nil, events.SessionRejected, applicantID, "session", "", applicantID, events.EventPayload{"reason": string(reason)}); aerr != nil {
				return session.Resumed{}, aerr
			}
		}
		return session.Resumed{}, err
	}
	if err := e.Events.Append(ctx, nil, events.SessionResumed, applicantID, "session", res.Session.ID, applicantID, events.EventPayload{"expires_at": res.Session.ExpiresAt}); err != nil {
		return session.Resumed{}, err
	}
	return res, nil
}

// Logout revokes the applicant's sessions at their own request.
func (e Engine) Logout(ctx context.Context, applicantID string) error {
	_, err := e.RevokeSessions(ctx, applicantID, applicantID)
	return err
}

// RevokeSessions marks all of the applicant's sessions revoked.
func (e Engine) RevokeSessions(ctx context.Context, applicantID, actorID string) (int64, error) {
	if _, err := e.Repo.GetApplicant(ctx, applicantID); err != nil {
		return 0, err
	}
	n, err := e.Sessions.RevokeAll(ctx, applicantID)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, nil, events.SessionsRevoked, applicantID, "session", "", actorOr(actorID, "system"), events.EventPayload{"count": n}); err != nil {
		return 0, err
	}
	return n, nil
}

// SubmitStage completes an applicant-owned stage.
func (e Engine) SubmitStage(ctx context.Context, applicantID string, stage flow.Stage, actorID string) (domain.Applicant, error) {
	if stage.Owner() != flow.OwnerApplicant {
		return domain.Applicant{}, fmt.Errorf("%w: %s", ErrWrongOwner, stage)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, err
	}
	defer tx.Rollback()
	a, err := e.openApplicant(ctx, tx, applicantID, stage)
	if err != nil {
		return domain.Applicant{}, err
	}
	a, completedNow, err := e.advance(ctx, tx, a, stage, actorOr(actorID, applicantID))
	if err != nil {
		return domain.Applicant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Applicant{}, err
	}
	return a, e.afterCompletion(ctx, a.ID, completedNow)
}

// ResultOptions are parameters for recording an administrator-owned stage outcome.
type ResultOptions struct {
	ApplicantID string
	Stage       flow.Stage
	Passed      bool
	Notes       string
	ActorID     string
}

// RecordResult stores the outcome of an administrator-owned stage. A pass
// advances progress; a fail only records.
func (e Engine) RecordResult(ctx context.Context, opts ResultOptions) (domain.StageResult, domain.Applicant, error) {
	if opts.Stage.Owner() != flow.OwnerAdmin {
		return domain.StageResult{}, domain.Applicant{}, fmt.Errorf("%w: %s", ErrWrongOwner, opts.Stage)
	}
	actor := actorOr(opts.ActorID, "admin")
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageResult{}, domain.Applicant{}, err
	}
	defer tx.Rollback()
	a, err := e.openApplicant(ctx, tx, opts.ApplicantID, opts.Stage)
	if err != nil {
		return domain.StageResult{}, domain.Applicant{}, err
	}
	// A recorded pass stays authoritative once progress has moved past it.
	if flow.HasCompleted(a.FlowRecord(), opts.Stage) {
		return domain.StageResult{}, domain.Applicant{}, fmt.Errorf("%w: %s", ErrStageCompleted, opts.Stage)
	}
	res, err := e.Repo.UpsertStageResult(ctx, tx, domain.StageResult{
		ID:          uuid.NewString(),
		ApplicantID: a.ID,
		Stage:       opts.Stage,
		Passed:      opts.Passed,
		Notes:       strings.TrimSpace(opts.Notes),
		RecordedBy:  actor,
		RecordedAt:  e.now(),
	})
	if err != nil {
		return domain.StageResult{}, domain.Applicant{}, fmt.Errorf("record result: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.StageResultRecorded, a.ID, "stage_result", res.ID, actor, events.EventPayload{
		"stage":  opts.Stage.String(),
		"passed": opts.Passed,
	}); err != nil {
		return domain.StageResult{}, domain.Applicant{}, err
	}
	completedNow := false
	if opts.Passed {
		a, completedNow, err = e.advance(ctx, tx, a, opts.Stage, actor)
		if err != nil {
			return domain.StageResult{}, domain.Applicant{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StageResult{}, domain.Applicant{}, err
	}
	return res, a, e.afterCompletion(ctx, a.ID, completedNow)
}

// openApplicant loads the applicant inside tx and checks it can act on stage.
func (e Engine) openApplicant(ctx context.Context, tx *sql.Tx, id string, stage flow.Stage) (domain.Applicant, error) {
	a, err := e.Repo.GetApplicantTx(ctx, tx, id)
	if err != nil {
		return domain.Applicant{}, err
	}
	if a.Terminated || a.Status.Completed {
		return domain.Applicant{}, ErrApplicantClosed
	}
	rec := a.FlowRecord()
	if !flow.ResolveFlow(rec.Options).Contains(stage) {
		return domain.Applicant{}, fmt.Errorf("%w: %s", flow.ErrStageNotInFlow, stage)
	}
	if !flow.HasReached(rec, stage) {
		return domain.Applicant{}, fmt.Errorf("%w: %s", ErrStageNotReached, stage)
	}
	return a, nil
}

func (e Engine) advance(ctx context.Context, tx *sql.Tx, a domain.Applicant, stage flow.Stage, actor string) (domain.Applicant, bool, error) {
	now := e.now()
	before := a.Status
	next, err := flow.Advance(a.Status, stage, a.FlowOptions(), now)
	if err != nil {
		return domain.Applicant{}, false, err
	}
	if err := e.Repo.SaveApplicantStatus(ctx, tx, a.ID, next, now); err != nil {
		return domain.Applicant{}, false, fmt.Errorf("save status: %w", err)
	}
	a.Status = next
	a.UpdatedAt = now
	if err := e.Events.Append(ctx, tx, events.StageCompleted, a.ID, "applicant", a.ID, actor, events.EventPayload{
		"stage": stage.String(),
		"from":  before.CurrentStage.String(),
		"to":    next.CurrentStage.String(),
	}); err != nil {
		return domain.Applicant{}, false, err
	}
	completedNow := next.Completed && !before.Completed
	if completedNow {
		if err := e.Events.Append(ctx, tx, events.ApplicantCompleted, a.ID, "applicant", a.ID, actor, events.EventPayload{"completed_at": next.CompletedAt}); err != nil {
			return domain.Applicant{}, false, err
		}
	}
	return a, completedNow, nil
}

func (e Engine) afterCompletion(ctx context.Context, applicantID string, completedNow bool) error {
	if !completedNow {
		return nil
	}
	_, err := e.Sessions.RevokeAll(ctx, applicantID)
	return err
}

// SetEligibility flips the late-bound flatbed flag. Progress already recorded
// is remapped by the next advance. Completed and terminated applicants are
// frozen.
func (e Engine) SetEligibility(ctx context.Context, applicantID string, needsFlatbed bool, actorID string) (domain.Applicant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetApplicantTx(ctx, tx, applicantID)
	if err != nil {
		return domain.Applicant{}, err
	}
	if a.Terminated || a.Status.Completed {
		return domain.Applicant{}, ErrApplicantClosed
	}
	if a.NeedsFlatbed == needsFlatbed {
		return a, nil
	}
	now := e.now()
	if err := e.Repo.SetApplicantEligibility(ctx, tx, a.ID, needsFlatbed, now); err != nil {
		return domain.Applicant{}, err
	}
	if err := e.Events.Append(ctx, tx, events.EligibilityChanged, a.ID, "applicant", a.ID, actorOr(actorID, "admin"), events.EventPayload{
		"needs_flatbed": needsFlatbed,
		"stage":         a.Status.CurrentStage.String(),
	}); err != nil {
		return domain.Applicant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Applicant{}, err
	}
	a.NeedsFlatbed = needsFlatbed
	a.UpdatedAt = now
	return a, nil
}

// Terminate closes the application and revokes its sessions.
func (e Engine) Terminate(ctx context.Context, applicantID, reason, actorID string) (domain.Applicant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetApplicantTx(ctx, tx, applicantID)
	if err != nil {
		return domain.Applicant{}, err
	}
	if a.Terminated {
		return a, nil
	}
	now := e.now()
	if err := e.Repo.SetApplicantTerminated(ctx, tx, a.ID, now); err != nil {
		return domain.Applicant{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ApplicantTerminated, a.ID, "applicant", a.ID, actorOr(actorID, "admin"), events.EventPayload{
		"reason": strings.TrimSpace(reason),
		"stage":  a.Status.CurrentStage.String(),
	}); err != nil {
		return domain.Applicant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Applicant{}, err
	}
	if _, err := e.Sessions.RevokeAll(ctx, a.ID); err != nil {
		return domain.Applicant{}, err
	}
	a.Terminated = true
	a.UpdatedAt = now
	return a, nil
}

// Progress is an applicant with their resolved flow laid out stage by stage.
type Progress struct {
	Applicant domain.Applicant     `json:"applicant"`
	Flow      []string             `json:"flow"`
	Stages    []flow.StageState    `json:"stages"`
	Results   []domain.StageResult `json:"results"`
}

func (e Engine) Progress(ctx context.Context, applicantID string) (Progress, error) {
	a, err := e.Repo.GetApplicant(ctx, applicantID)
	if err != nil {
		return Progress{}, err
	}
	results, err := e.Repo.ListStageResults(ctx, applicantID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		Applicant: a,
		Flow:      flow.ResolveFlow(a.FlowOptions()).Keys(),
		Stages:    flow.Describe(a.FlowRecord()),
		Results:   results,
	}, nil
}

func (e Engine) ListApplicants(ctx context.Context, f repo.ApplicantFilters) ([]domain.Applicant, error) {
	return e.Repo.ListApplicants(ctx, f)
}

// CreateAdminKey stores a new admin key and returns the raw value once.
func (e Engine) CreateAdminKey(ctx context.Context, actorID, name string) (domain.AdminKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.AdminKey{}, "", errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.AdminKey{}, "", err
	}
	raw := "rrk_" + hex.EncodeToString(buf)
	key := domain.AdminKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAdminKey(raw),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAdminKey(ctx, nil, key); err != nil {
		return domain.AdminKey{}, "", err
	}
	return key, raw, nil
}

func actorOr(actorID, fallback string) string {
	if strings.TrimSpace(actorID) == "" {
		return fallback
	}
	return actorID
}
