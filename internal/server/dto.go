package server

import (
	"encoding/json"
	"time"

	"roadready/internal/domain"
	"roadready/internal/engine"
	"roadready/internal/flow"
)

// Request payloads

type StartApplicationRequest struct {
	Name         string `json:"name" minLength:"1"`
	Email        string `json:"email,omitempty"`
	CargoType    string `json:"cargo_type,omitempty" example:"flatbed"`
	NeedsFlatbed bool   `json:"needs_flatbed,omitempty"`
}

type EligibilityRequest struct {
	NeedsFlatbed bool `json:"needs_flatbed"`
}

type RecordResultRequest struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ApplicantResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Email          string  `json:"email,omitempty"`
	CargoType      string  `json:"cargo_type,omitempty"`
	NeedsFlatbed   bool    `json:"needs_flatbed"`
	Terminated     bool    `json:"terminated"`
	CurrentStage   string  `json:"current_stage"`
	Completed      bool    `json:"completed"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	ResumeDeadline string  `json:"resume_deadline" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type SessionResponse struct {
	ApplicantID string `json:"applicant_id"`
	Token       string `json:"token"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

type StartApplicationResponse struct {
	Applicant ApplicantResponse `json:"applicant"`
	Session   SessionResponse   `json:"session"`
}

type ResumeResponse struct {
	Applicant ApplicantResponse `json:"applicant"`
	Session   SessionResponse   `json:"session"`
	Stages    []StageResponse   `json:"stages"`
}

type StageResponse struct {
	Stage     string `json:"stage"`
	Label     string `json:"label"`
	Owner     string `json:"owner" enum:"applicant,admin"`
	Reached   bool   `json:"reached"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

type StageResultResponse struct {
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	Passed     bool   `json:"passed"`
	Notes      string `json:"notes,omitempty"`
	RecordedBy string `json:"recorded_by"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type ProgressResponse struct {
	Applicant ApplicantResponse     `json:"applicant"`
	Flow      []string              `json:"flow"`
	Stages    []StageResponse       `json:"stages"`
	Results   []StageResultResponse `json:"results"`
}

type FlowStageResponse struct {
	Stage    string `json:"stage"`
	Label    string `json:"label"`
	Owner    string `json:"owner" enum:"applicant,admin"`
	Optional bool   `json:"optional"`
}

type FlowResponse struct {
	NeedsFlatbed bool                `json:"needs_flatbed"`
	Stages       []FlowStageResponse `json:"stages"`
}

type RecordResultResponse struct {
	Result    StageResultResponse `json:"result"`
	Applicant ApplicantResponse   `json:"applicant"`
}

type RevokeResponse struct {
	Revoked int64 `json:"revoked"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ApplicantID string         `json:"applicant_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedApplicants struct {
	Items      []ApplicantResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func applicantResponse(a domain.Applicant) ApplicantResponse {
	res := ApplicantResponse{
		ID:             a.ID,
		Name:           a.Name,
		Email:          a.Email,
		CargoType:      a.CargoType,
		NeedsFlatbed:   a.NeedsFlatbed,
		Terminated:     a.Terminated,
		CurrentStage:   stageKey(a.Status.CurrentStage),
		Completed:      a.Status.Completed,
		ResumeDeadline: formatTS(a.ResumeDeadline),
		CreatedAt:      formatTS(a.CreatedAt),
		UpdatedAt:      formatTS(a.UpdatedAt),
	}
	if a.Status.CompletedAt != nil {
		ts := formatTS(*a.Status.CompletedAt)
		res.CompletedAt = &ts
	}
	return res
}

// stageKey renders stages unknown to this build as an empty key.
func stageKey(s flow.Stage) string {
	if !s.Valid() {
		return ""
	}
	return s.String()
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{ApplicantID: s.ApplicantID, Token: s.Token, ExpiresAt: formatTS(s.ExpiresAt)}
}

func stageResponses(states []flow.StageState) []StageResponse {
	out := make([]StageResponse, 0, len(states))
	for _, st := range states {
		out = append(out, StageResponse{
			Stage:     st.Stage.String(),
			Label:     st.Stage.Label(),
			Owner:     string(st.Owner),
			Reached:   st.Reached,
			Completed: st.Completed,
			Current:   st.Current,
		})
	}
	return out
}

func stageResultResponse(r domain.StageResult) StageResultResponse {
	return StageResultResponse{
		ID:         r.ID,
		Stage:      r.Stage.String(),
		Passed:     r.Passed,
		Notes:      r.Notes,
		RecordedBy: r.RecordedBy,
		RecordedAt: formatTS(r.RecordedAt),
	}
}

func progressResponse(p engine.Progress) ProgressResponse {
	res := ProgressResponse{
		Applicant: applicantResponse(p.Applicant),
		Flow:      nonNilSlice(p.Flow),
		Stages:    stageResponses(p.Stages),
		Results:   []StageResultResponse{},
	}
	for _, r := range p.Results {
		res.Results = append(res.Results, stageResultResponse(r))
	}
	return res
}

func flowResponse(needsFlatbed bool) FlowResponse {
	f := flow.ResolveFlow(flow.Options{NeedsExtraStage: needsFlatbed})
	base := flow.ResolveFlow(flow.Options{})
	res := FlowResponse{NeedsFlatbed: needsFlatbed, Stages: make([]FlowStageResponse, 0, len(f))}
	for _, s := range f {
		res.Stages = append(res.Stages, FlowStageResponse{
			Stage:    s.String(),
			Label:    s.Label(),
			Owner:    string(s.Owner()),
			Optional: !base.Contains(s),
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		ApplicantID: e.ApplicantID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
