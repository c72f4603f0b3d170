package roadreadysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ResumeTokenHeader carries the applicant's session token.
const ResumeTokenHeader = "X-Resume-Token"

// Client is a minimal RoadReady HTTP API client.
//
// Applicant calls send ResumeToken. Admin calls send BearerToken, or APIKey when no bearer is set.
type Client struct {
	BaseURL     string
	BasePath    string
	ResumeToken string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Applicant represents the API applicant model.
type Applicant struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Email          string  `json:"email,omitempty"`
	CargoType      string  `json:"cargo_type,omitempty"`
	NeedsFlatbed   bool    `json:"needs_flatbed"`
	Terminated     bool    `json:"terminated"`
	CurrentStage   string  `json:"current_stage"`
	Completed      bool    `json:"completed"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	ResumeDeadline string  `json:"resume_deadline"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type Session struct {
	ApplicantID string `json:"applicant_id"`
	Token       string `json:"token"`
	ExpiresAt   string `json:"expires_at"`
}

// Stage is one row of a progress listing.
type Stage struct {
	Stage     string `json:"stage"`
	Label     string `json:"label"`
	Owner     string `json:"owner"`
	Reached   bool   `json:"reached"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

type StageResult struct {
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	Passed     bool   `json:"passed"`
	Notes      string `json:"notes,omitempty"`
	RecordedBy string `json:"recorded_by"`
	RecordedAt string `json:"recorded_at"`
}

type Progress struct {
	Applicant Applicant     `json:"applicant"`
	Flow      []string      `json:"flow"`
	Stages    []Stage       `json:"stages"`
	Results   []StageResult `json:"results"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ApplicantID string         `json:"applicant_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// StartRequest opens a new application.
type StartRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	CargoType    string `json:"cargo_type,omitempty"`
	NeedsFlatbed bool   `json:"needs_flatbed,omitempty"`
}

type Started struct {
	Applicant Applicant `json:"applicant"`
	Session   Session   `json:"session"`
}

type Resumed struct {
	Applicant Applicant `json:"applicant"`
	Session   Session   `json:"session"`
	Stages    []Stage   `json:"stages"`
}

// APIError wraps non-2xx responses. Code is the error envelope's code when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsSessionRejected reports whether err is a 401 carrying the given rejection code.
func IsSessionRejected(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && apiErr.Code == code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedApplicants struct {
	Items      []Applicant `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// StartApplication creates an applicant and remembers the returned resume token.
func (c *Client) StartApplication(ctx context.Context, req StartRequest) (Started, error) {
	var resp Started
	if err := c.do(ctx, http.MethodPost, "applicants", req, &resp, c.applicantAuth); err != nil {
		return resp, err
	}
	c.ResumeToken = resp.Session.Token
	return resp, nil
}

// Resume validates the current resume token and slides its expiry.
func (c *Client) Resume(ctx context.Context, applicantID string) (Resumed, error) {
	var resp Resumed
	err := c.do(ctx, http.MethodPost, applicantPath(applicantID, "resume"), nil, &resp, c.applicantAuth)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, applicantID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, applicantPath(applicantID, "progress"), nil, &resp, c.applicantAuth)
	return resp, err
}

// Submit completes an applicant-owned stage.
func (c *Client) Submit(ctx context.Context, applicantID, stage string) (Applicant, error) {
	var resp Applicant
	endpoint := applicantPath(applicantID, "stages/"+url.PathEscape(stage)+"/submit")
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, c.applicantAuth)
	return resp, err
}

// Logout revokes the applicant's sessions and forgets the token.
func (c *Client) Logout(ctx context.Context, applicantID string) error {
	if err := c.do(ctx, http.MethodPost, applicantPath(applicantID, "logout"), nil, nil, c.applicantAuth); err != nil {
		return err
	}
	c.ResumeToken = ""
	return nil
}

// ListOptions filters the admin applicant listing.
type ListOptions struct {
	Completed  *bool
	Terminated *bool
	Limit      int
	Cursor     string
}

func (c *Client) ListApplicants(ctx context.Context, opts ListOptions) (PaginatedApplicants, error) {
	q := url.Values{}
	if opts.Completed != nil {
		q.Set("completed", fmt.Sprint(*opts.Completed))
	}
	if opts.Terminated != nil {
		q.Set("terminated", fmt.Sprint(*opts.Terminated))
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedApplicants
	err := c.do(ctx, http.MethodGet, withQuery("admin/applicants", q), nil, &resp, c.adminAuth)
	return resp, err
}

func (c *Client) GetApplicant(ctx context.Context, applicantID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "admin/applicants/"+url.PathEscape(applicantID), nil, &resp, c.adminAuth)
	return resp, err
}

func (c *Client) SetEligibility(ctx context.Context, applicantID string, needsFlatbed bool) (Applicant, error) {
	var resp Applicant
	body := map[string]any{"needs_flatbed": needsFlatbed}
	err := c.do(ctx, http.MethodPatch, adminApplicantPath(applicantID, "eligibility"), body, &resp, c.adminAuth)
	return resp, err
}

// RecordResult stores the outcome of an admin-owned stage.
func (c *Client) RecordResult(ctx context.Context, applicantID, stage string, passed bool, notes string) (StageResult, Applicant, error) {
	var resp struct {
		Result    StageResult `json:"result"`
		Applicant Applicant   `json:"applicant"`
	}
	body := map[string]any{"passed": passed, "notes": notes}
	err := c.do(ctx, http.MethodPost, adminApplicantPath(applicantID, "results/"+url.PathEscape(stage)), body, &resp, c.adminAuth)
	return resp.Result, resp.Applicant, err
}

func (c *Client) Terminate(ctx context.Context, applicantID, reason string) (Applicant, error) {
	var resp Applicant
	err := c.do(ctx, http.MethodPost, adminApplicantPath(applicantID, "terminate"), map[string]any{"reason": reason}, &resp, c.adminAuth)
	return resp, err
}

func (c *Client) RevokeSessions(ctx context.Context, applicantID string) (int64, error) {
	var resp struct {
		Revoked int64 `json:"revoked"`
	}
	err := c.do(ctx, http.MethodPost, adminApplicantPath(applicantID, "sessions/revoke"), nil, &resp, c.adminAuth)
	return resp.Revoked, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("admin/events", q), nil, &resp, c.adminAuth)
	return resp, err
}

func (c *Client) applicantAuth(req *http.Request) {
	if c.ResumeToken != "" {
		req.Header.Set(ResumeTokenHeader, c.ResumeToken)
	}
}

func (c *Client) adminAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, auth func(*http.Request)) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	auth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func applicantPath(id, rest string) string {
	return "applicants/" + url.PathEscape(id) + "/" + rest
}

func adminApplicantPath(id, rest string) string {
	return "admin/applicants/" + url.PathEscape(id) + "/" + rest
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
