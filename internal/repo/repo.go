package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"roadready/internal/domain"
	"roadready/internal/flow"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Timestamps are stored as fixed-width UTC text so that string order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

const applicantColumns = `id,name,COALESCE(email,''),COALESCE(cargo_type,''),needs_flatbed,terminated,resume_deadline,current_stage,completed,completed_at,created_at,updated_at`

func scanApplicant(row rowScanner) (domain.Applicant, error) {
	var (
		a                                   domain.Applicant
		resume, stage, created, updated     string
		completedAt                         sql.NullString
		needsFlatbed, terminated, completed bool
	)
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.CargoType, &needsFlatbed, &terminated, &resume, &stage, &completed, &completedAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.NeedsFlatbed = needsFlatbed
	a.Terminated = terminated
	a.Status.Completed = completed
	// Keys unknown to this build scan as the zero stage, which progress treats as unpositioned.
	if s, perr := flow.ParseStage(stage); perr == nil {
		a.Status.CurrentStage = s
	}
	if a.ResumeDeadline, err = parseTime(resume); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return a, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return a, err
		}
		a.Status.CompletedAt = &t
	}
	return a, nil
}

func (r Repo) InsertApplicant(ctx context.Context, tx *sql.Tx, a domain.Applicant) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO applicants(id,name,email,cargo_type,needs_flatbed,terminated,resume_deadline,current_stage,completed,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Email), nullable(a.CargoType), a.NeedsFlatbed, a.Terminated, formatTime(a.ResumeDeadline),
		a.Status.CurrentStage.String(), a.Status.Completed, nullableTime(a.Status.CompletedAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

func (r Repo) GetApplicant(ctx context.Context, id string) (domain.Applicant, error) {
	return r.GetApplicantTx(ctx, nil, id)
}

func (r Repo) GetApplicantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Applicant, error) {
	return scanApplicant(r.q(tx).QueryRowContext(ctx, `SELECT `+applicantColumns+` FROM applicants WHERE id=?`, id))
}

// SaveApplicantStatus persists a status computed by the progress engine.
func (r Repo) SaveApplicantStatus(ctx context.Context, tx *sql.Tx, id string, st flow.Status, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE applicants SET current_stage=?, completed=?, completed_at=?, updated_at=? WHERE id=?`,
		st.CurrentStage.String(), st.Completed, nullableTime(st.CompletedAt), formatTime(now), id)
	return expectOne(res, err)
}

func (r Repo) SetApplicantEligibility(ctx context.Context, tx *sql.Tx, id string, needsFlatbed bool, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE applicants SET needs_flatbed=?, updated_at=? WHERE id=?`, needsFlatbed, formatTime(now), id)
	return expectOne(res, err)
}

func (r Repo) SetApplicantTerminated(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE applicants SET terminated=1, updated_at=? WHERE id=?`, formatTime(now), id)
	return expectOne(res, err)
}

// TouchApplicantResume slides the applicant's resume deadline.
func (r Repo) TouchApplicantResume(ctx context.Context, id string, deadline, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE applicants SET resume_deadline=?, updated_at=? WHERE id=?`, formatTime(deadline), formatTime(now), id)
	return expectOne(res, err)
}

type ApplicantFilters struct {
	Completed       *bool
	Terminated      *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListApplicants(ctx context.Context, f ApplicantFilters) ([]domain.Applicant, error) {
	var clauses []string
	var args []any
	if f.Completed != nil {
		clauses = append(clauses, "completed=?")
		args = append(args, *f.Completed)
	}
	if f.Terminated != nil {
		clauses = append(clauses, "terminated=?")
		args = append(args, *f.Terminated)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + applicantColumns + ` FROM applicants ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Applicant
	for rows.Next() {
		a, err := scanApplicant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CursorFor returns the paging cursor values for an applicant in a listing.
func CursorFor(a domain.Applicant) (string, string) {
	return formatTime(a.CreatedAt), a.ID
}

func (r Repo) UpsertStageResult(ctx context.Context, tx *sql.Tx, res domain.StageResult) (domain.StageResult, error) {
	var (
		out               domain.StageResult
		stage, recordedAt string
		notes             sql.NullString
	)
	err := r.q(tx).QueryRowContext(ctx, `INSERT INTO stage_results(id,applicant_id,stage,passed,notes,recorded_by,recorded_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(applicant_id, stage) DO UPDATE SET passed=excluded.passed, notes=excluded.notes, recorded_by=excluded.recorded_by, recorded_at=excluded.recorded_at
RETURNING id,applicant_id,stage,passed,notes,recorded_by,recorded_at`,
		res.ID, res.ApplicantID, res.Stage.String(), res.Passed, nullable(res.Notes), res.RecordedBy, formatTime(res.RecordedAt)).
		Scan(&out.ID, &out.ApplicantID, &stage, &out.Passed, &notes, &out.RecordedBy, &recordedAt)
	if err != nil {
		return out, err
	}
	return finishResult(out, stage, notes, recordedAt)
}

func (r Repo) ListStageResults(ctx context.Context, applicantID string) ([]domain.StageResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,applicant_id,stage,passed,notes,recorded_by,recorded_at FROM stage_results WHERE applicant_id=? ORDER BY recorded_at ASC, id ASC`, applicantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageResult
	for rows.Next() {
		var (
			sr                domain.StageResult
			stage, recordedAt string
			notes             sql.NullString
		)
		if err := rows.Scan(&sr.ID, &sr.ApplicantID, &stage, &sr.Passed, &notes, &sr.RecordedBy, &recordedAt); err != nil {
			return nil, err
		}
		sr, err = finishResult(sr, stage, notes, recordedAt)
		if err != nil {
			return nil, err
		}
		res = append(res, sr)
	}
	return res, rows.Err()
}

func finishResult(sr domain.StageResult, stage string, notes sql.NullString, recordedAt string) (domain.StageResult, error) {
	s, err := flow.ParseStage(stage)
	if err != nil {
		return sr, err
	}
	sr.Stage = s
	if notes.Valid {
		sr.Notes = notes.String
	}
	sr.RecordedAt, err = parseTime(recordedAt)
	return sr, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, applicantID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if applicantID != "" {
		clauses = append(clauses, "applicant_id=?")
		args = append(args, applicantID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(applicant_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(applicant_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ApplicantID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
