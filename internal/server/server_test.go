package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadready/internal/config"
	"roadready/internal/db"
	"roadready/internal/engine"
	"roadready/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return engine.New(conn, cfg)
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default("Test Portal"))
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}, DevAuth: true})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func startApplicant(t *testing.T, srv *testServer, body map[string]any) StartApplicationResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/applicants", body, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var started StartApplicationResponse
	require.NoError(t, json.Unmarshal(data, &started))
	return started
}

func adminToken(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "ops"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out.Token
}

func TestApplicantJourney(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/applicants", map[string]any{"name": "Robin", "cargo_type": "flatbed"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var started StartApplicationResponse
	require.NoError(t, json.Unmarshal(data, &started))
	assert.Equal(t, "qualification", started.Applicant.CurrentStage)
	assert.True(t, started.Applicant.NeedsFlatbed)
	assert.True(t, strings.HasPrefix(res.Header.Get("Set-Cookie"), "rr_session="+started.Session.Token))

	id := started.Applicant.ID
	auth := map[string]string{resumeTokenHeader: started.Session.Token}
	base := srv.URL + "/v1/applicants/" + id

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/qualification/submit", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var a ApplicantResponse
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, "application_page_1", a.CurrentStage)

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/application_page_3/submit", nil, auth)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "stage_not_reached", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/drive_test/submit", nil, auth)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "wrong_owner", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/forklift/submit", nil, auth)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "unknown_stage", errorCode(t, data))

	cookieAuth := map[string]string{"Cookie": "rr_session=" + started.Session.Token}
	res, data = doJSON(t, client, http.MethodGet, base+"/progress", nil, cookieAuth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var progress ProgressResponse
	require.NoError(t, json.Unmarshal(data, &progress))
	assert.Len(t, progress.Flow, 11)
	require.Len(t, progress.Stages, 11)
	assert.True(t, progress.Stages[0].Completed)
	assert.True(t, progress.Stages[1].Current)
	assert.Equal(t, "admin", progress.Stages[10].Owner)
}

func TestResumeFailures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	started := startApplicant(t, srv, map[string]any{"name": "Kai"})
	resume := srv.URL + "/v1/applicants/" + started.Applicant.ID + "/resume"

	res, data := doJSON(t, client, http.MethodPost, resume, nil, map[string]string{resumeTokenHeader: "nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_token", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, resume, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_token", errorCode(t, data))

	auth := map[string]string{resumeTokenHeader: started.Session.Token}
	res, data = doJSON(t, client, http.MethodPost, resume, nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resumed ResumeResponse
	require.NoError(t, json.Unmarshal(data, &resumed))
	assert.Equal(t, started.Session.Token, resumed.Session.Token)
	assert.NotEmpty(t, resumed.Stages)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/applicants/"+started.Applicant.ID+"/logout", nil, auth)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Contains(t, res.Header.Get("Set-Cookie"), "Max-Age=0")

	res, data = doJSON(t, client, http.MethodPost, resume, nil, auth)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "revoked", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, resume, nil, auth)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestAdminRequiresCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants", nil, map[string]string{"X-Actor-Id": "ops"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "legacy header is off by default")

	_, raw, err := srv.Engine.CreateAdminKey(context.Background(), "ops", "ci")
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants", nil, map[string]string{"X-Api-Key": raw})
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAdminWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := map[string]string{"Authorization": "Bearer " + adminToken(t, srv)}

	started := startApplicant(t, srv, map[string]any{"name": "Lee"})
	id := started.Applicant.ID
	auth := map[string]string{resumeTokenHeader: started.Session.Token}
	for _, stage := range []string{"qualification", "application_page_1", "application_page_2", "application_page_3", "application_page_4", "application_page_5", "policy_consents"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/applicants/"+id+"/stages/"+stage+"/submit", nil, auth)
		require.Equal(t, http.StatusOK, res.StatusCode, "%s: %s", stage, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/applicants/"+id+"/results/drive_test", map[string]any{"passed": true, "notes": "clean"}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var recorded RecordResultResponse
	require.NoError(t, json.Unmarshal(data, &recorded))
	assert.Equal(t, "ops", recorded.Result.RecordedBy)
	assert.Equal(t, "training", recorded.Applicant.CurrentStage)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/applicants/"+id+"/results/flatbed_training", map[string]any{"passed": true}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "stage_not_in_flow", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/applicants/"+id+"/results/drive_test", map[string]any{"passed": false}, admin)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "stage_completed", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/admin/applicants/"+id+"/eligibility", map[string]any{"needs_flatbed": true}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants/"+id, nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var progress ProgressResponse
	require.NoError(t, json.Unmarshal(data, &progress))
	assert.Len(t, progress.Flow, 11)
	require.Len(t, progress.Results, 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/applicants/"+id+"/terminate", map[string]any{"reason": "withdrew"}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/applicants/"+id+"/resume", nil, auth)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "revoked", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants?terminated=true", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list paginatedApplicants
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, id, list.Items[0].ID)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/applicants?terminated=maybe", nil, admin)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/events?applicant_id="+id+"&limit=2", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 2)
	assert.NotEmpty(t, events.NextCursor)
	assert.Equal(t, "session.rejected", events.Items[0].Type)
}

func TestApplicantListPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := map[string]string{"Authorization": "Bearer " + adminToken(t, srv)}
	for _, name := range []string{"A", "B", "C"} {
		startApplicant(t, srv, map[string]any{"name": name})
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 3; page++ {
		url := srv.URL + "/v1/admin/applicants?limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, admin)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var list paginatedApplicants
		require.NoError(t, json.Unmarshal(data, &list))
		for _, a := range list.Items {
			assert.False(t, seen[a.ID], "applicant listed twice")
			seen[a.ID] = true
		}
		if list.NextCursor == "" {
			break
		}
		cursor = list.NextCursor
	}
	assert.Len(t, seen, 3)
}

func TestFlowAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/flow?flatbed=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var f FlowResponse
	require.NoError(t, json.Unmarshal(data, &f))
	require.Len(t, f.Stages, 11)
	last := f.Stages[len(f.Stages)-1]
	assert.Equal(t, "flatbed_training", last.Stage)
	assert.True(t, last.Optional)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/applicants/{id}/resume")
	assert.Contains(t, string(data), "resumeToken")
}
