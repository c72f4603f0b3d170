package roadreadysdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadready/internal/config"
	"roadready/internal/db"
	"roadready/internal/engine"
	"roadready/internal/migrate"
	"roadready/internal/server"
)

func newAPI(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(conn, config.Default("SDK"))
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func TestClientApplicantAndAdmin(t *testing.T) {
	ctx := context.Background()
	srv, e := newAPI(t)

	applicant := New(srv.URL)
	started, err := applicant.StartApplication(ctx, StartRequest{Name: "Jo", CargoType: "dry_van"})
	require.NoError(t, err)
	assert.Equal(t, started.Session.Token, applicant.ResumeToken)
	id := started.Applicant.ID

	a, err := applicant.Submit(ctx, id, "qualification")
	require.NoError(t, err)
	assert.Equal(t, "application_page_1", a.CurrentStage)

	p, err := applicant.Progress(ctx, id)
	require.NoError(t, err)
	assert.Len(t, p.Flow, 10)

	_, err = applicant.Submit(ctx, id, "drive_test")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "wrong_owner", apiErr.Code)

	_, raw, err := e.CreateAdminKey(ctx, "ops", "sdk")
	require.NoError(t, err)
	admin := New(srv.URL)
	admin.APIKey = raw

	page, err := admin.ListApplicants(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	n, err := admin.RevokeSessions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = applicant.Resume(ctx, id)
	assert.True(t, IsSessionRejected(err, "revoked"), "got %v", err)

	events, err := admin.Events(ctx, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestClientLogoutForgetsToken(t *testing.T) {
	ctx := context.Background()
	srv, _ := newAPI(t)
	c := New(srv.URL)
	started, err := c.StartApplication(ctx, StartRequest{Name: "Ash"})
	require.NoError(t, err)
	_, err = c.Resume(ctx, started.Applicant.ID)
	require.NoError(t, err)

	require.NoError(t, c.Logout(ctx, started.Applicant.ID))
	assert.Empty(t, c.ResumeToken)
	_, err = c.Resume(ctx, started.Applicant.ID)
	assert.True(t, IsSessionRejected(err, "invalid_token"), "got %v", err)
}
