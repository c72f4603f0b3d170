package domain

import (
	"time"

	"roadready/internal/flow"
)

const CargoFlatbed = "flatbed"

type Applicant struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Email          string      `json:"email,omitempty"`
	CargoType      string      `json:"cargo_type,omitempty"`
	NeedsFlatbed   bool        `json:"needs_flatbed"`
	Terminated     bool        `json:"terminated"`
	ResumeDeadline time.Time   `json:"resume_deadline"`
	Status         flow.Status `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// FlowOptions derives the flow resolver inputs from the applicant's eligibility flags.
func (a Applicant) FlowOptions() flow.Options {
	return flow.Options{NeedsExtraStage: a.NeedsFlatbed}
}

func (a Applicant) FlowRecord() flow.Record {
	return flow.Record{Status: a.Status, Options: a.FlowOptions()}
}

// Session is a resumable, sliding-window login bound to one applicant.
type Session struct {
	ID          string    `json:"id"`
	ApplicantID string    `json:"applicant_id"`
	Token       string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

// StageResult is an administrator's outcome for an admin-owned stage.
type StageResult struct {
	ID          string     `json:"id"`
	ApplicantID string     `json:"applicant_id"`
	Stage       flow.Stage `json:"stage"`
	Passed      bool       `json:"passed"`
	Notes       string     `json:"notes,omitempty"`
	RecordedBy  string     `json:"recorded_by"`
	RecordedAt  time.Time  `json:"recorded_at"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ApplicantID string `json:"applicant_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type AdminKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
