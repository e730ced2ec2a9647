package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine"
	"github.com/BenPearsey/vaportal-sub001/internal/notify"
	"github.com/BenPearsey/vaportal-sub001/internal/testutil"
	saleslinesdk "github.com/BenPearsey/vaportal-sub001/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL  string
	Sent *notify.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, config.Default())
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	conn := testutil.NewTestDB(t)
	testutil.SeedCatalog(t, conn)
	testutil.SeedSale(t, conn)

	rec := &notify.Recorder{}
	e := engine.New(conn, cfg)
	e.Docs = docstore.Local{Root: t.TempDir(), DB: conn}
	e.Notifier = notify.Dispatcher{Gateway: rec, Directory: notify.RepoDirectory{DB: conn}}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowLegacyHeaders: true}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Sent: rec}
}

func (s *testServer) client(t *testing.T, userID string, kind domain.Role) *saleslinesdk.Client {
	t.Helper()
	token, err := SignToken(testSecret, userID, kind, time.Hour)
	require.NoError(t, err)
	return saleslinesdk.New(s.URL, token)
}

func itemByKey(sum saleslinesdk.Summary, key string) (saleslinesdk.ItemView, bool) {
	for _, st := range sum.Stages {
		for _, it := range st.Items {
			if it.TaskKey == key {
				return it, true
			}
		}
	}
	return saleslinesdk.ItemView{}, false
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, err := http.Get(srv.URL + "/v0/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/v0/sales/" + testutil.SaleID + "/checklist")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)

	bad := saleslinesdk.New(srv.URL, "not-a-jwt")
	_, err = bad.Checklist(context.Background(), testutil.SaleID)
	assert.Equal(t, http.StatusUnauthorized, saleslinesdk.StatusCode(err))

	forged, err := SignToken("other-secret", testutil.AdminID, domain.RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = saleslinesdk.New(srv.URL, forged).Checklist(context.Background(), testutil.SaleID)
	assert.Equal(t, http.StatusUnauthorized, saleslinesdk.StatusCode(err))
}

func TestChecklistLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	admin := srv.client(t, testutil.AdminID, domain.RoleAdmin)
	agent := srv.client(t, testutil.AgentID, domain.RoleAgent)
	client := srv.client(t, testutil.ClientID, domain.RoleClient)

	sum, err := client.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.False(t, sum.Exists)

	created, err := agent.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, []string{"checklist_created"}, created.Signals)

	again, err := admin.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, created.Checklist.ID, again.Checklist.ID)

	sum, err = client.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, "client", sum.Role)
	_, hidden := itemByKey(sum, "agent_notes")
	assert.False(t, hidden)
	idUpload, ok := itemByKey(sum, "id_upload")
	require.True(t, ok)
	assert.True(t, idUpload.ClientActionRequired)

	up, err := client.Upload(ctx, testutil.SaleID, idUpload.ID, []saleslinesdk.UploadFile{{Name: "passport.pdf", Data: []byte("%PDF-1.4")}})
	require.NoError(t, err)
	require.NotNil(t, up.Item)
	assert.Equal(t, "pending_review", up.Item.State)
	require.Len(t, up.Links, 1)
	assert.Equal(t, []string{"uploaded", "pending_review"}, up.Signals)

	note := "expired"
	rev, err := admin.Review(ctx, testutil.SaleID, idUpload.ID, up.Links[0].ID, "rejected", &note, up.Links[0].Version)
	require.NoError(t, err)
	assert.Equal(t, "rejected", rev.Item.State)
	assert.Contains(t, rev.Signals, "client_action_required")

	_, err = admin.Review(ctx, testutil.SaleID, idUpload.ID, up.Links[0].ID, "approved", nil, up.Links[0].Version)
	assert.Equal(t, http.StatusConflict, saleslinesdk.StatusCode(err))

	sum, err = client.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	idUpload, _ = itemByKey(sum, "id_upload")
	assert.Equal(t, "todo", idUpload.UIState)
	require.Len(t, idUpload.Links, 1)
	require.NotNil(t, idUpload.Links[0].ReviewNote)
	assert.Equal(t, "expired", *idUpload.Links[0].ReviewNote)

	intake, _ := itemByKey(sum, "intake")
	res, err := admin.UpdateState(ctx, testutil.SaleID, intake.ID, "complete", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Checklist.ProgressCached)

	rc, err := admin.Recalc(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, rc.Before, rc.After)

	cl, err := admin.Archive(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, "archived", cl.Status)
	assert.Positive(t, srv.Sent.Count("uploaded"))
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	admin := srv.client(t, testutil.AdminID, domain.RoleAdmin)
	agent := srv.client(t, testutil.AgentID, domain.RoleAgent)
	stranger := srv.client(t, "client-9", domain.RoleClient)

	_, err := admin.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	sum, err := admin.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	intake, _ := itemByKey(sum, "intake")

	_, err = agent.UpdateState(ctx, testutil.SaleID, intake.ID, "complete", nil)
	assert.Equal(t, http.StatusForbidden, saleslinesdk.StatusCode(err))

	_, err = stranger.Checklist(ctx, testutil.SaleID)
	assert.Equal(t, http.StatusForbidden, saleslinesdk.StatusCode(err))

	_, err = admin.UpdateState(ctx, testutil.SaleID, intake.ID, "finished", nil)
	assert.Equal(t, http.StatusBadRequest, saleslinesdk.StatusCode(err))

	_, err = admin.UpdateState(ctx, testutil.SaleID, "missing-item", "complete", nil)
	assert.Equal(t, http.StatusNotFound, saleslinesdk.StatusCode(err))

	_, err = admin.UpsertSale(ctx, saleslinesdk.Sale{ID: "sale-life", Product: "Whole Life", AgentID: testutil.AgentID})
	require.NoError(t, err)
	_, err = admin.EnsureChecklist(ctx, "sale-life")
	var apiErr *saleslinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "not_eligible", apiErr.Code)

	_, err = agent.UpsertSale(ctx, saleslinesdk.Sale{ID: "sale-x", Product: "Trust"})
	assert.Equal(t, http.StatusForbidden, saleslinesdk.StatusCode(err))

	_, err = admin.AddRepeatable(ctx, testutil.SaleID, sum.Stages[1].ID, "boats", "")
	assert.Equal(t, http.StatusBadRequest, saleslinesdk.StatusCode(err))
}

func TestRepeatablesAndUsers(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	admin := srv.client(t, testutil.AdminID, domain.RoleAdmin)

	u, err := admin.UpsertUser(ctx, saleslinesdk.User{ID: "agent-2", Kind: "agent", Name: "Second Agent"})
	require.NoError(t, err)
	assert.Equal(t, "agent", u.Kind)
	_, err = admin.UpsertUser(ctx, saleslinesdk.User{ID: "x", Kind: "robot"})
	assert.Equal(t, http.StatusBadRequest, saleslinesdk.StatusCode(err))

	_, err = admin.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	sum, err := admin.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)

	res, err := admin.AddRepeatable(ctx, testutil.SaleID, sum.Stages[1].ID, "mvtr", "")
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	assert.Equal(t, []string{"repeat_group_added"}, res.Signals)

	sum, err = admin.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	var container *saleslinesdk.ItemView
	for i, it := range sum.Stages[1].Items {
		if it.Container {
			container = &sum.Stages[1].Items[i]
		}
	}
	require.NotNil(t, container)
	assert.Equal(t, "MVTR #1", container.Label)
	assert.Len(t, container.Children, 2)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	admin := srv.client(t, testutil.AdminID, domain.RoleAdmin)

	_, err := admin.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = admin.Recalc(ctx, testutil.SaleID)
		require.NoError(t, err)
	}

	page, err := admin.EventsPage(ctx, testutil.SaleID, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "checklist.recalculated", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	next, err := admin.EventsPage(ctx, testutil.SaleID, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "checklist.created", next.Items[0].Type)
	assert.Empty(t, next.NextCursor)

	_, err = srv.client(t, testutil.AgentID, domain.RoleAgent).EventsPage(ctx, testutil.SaleID, 10, "")
	assert.Equal(t, http.StatusForbidden, saleslinesdk.StatusCode(err))
}

func TestLegacyHeadersAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	legacy := &saleslinesdk.Client{BaseURL: srv.URL, UserID: testutil.AgentID, UserKind: "agent", Timeout: 5 * time.Second}
	res, err := legacy.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.True(t, res.Created)

	legacy.UserKind = "superuser"
	_, err = legacy.Checklist(ctx, testutil.SaleID)
	assert.Equal(t, http.StatusUnauthorized, saleslinesdk.StatusCode(err))

	resp, err := http.Get(srv.URL + "/v0/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(doc), "/v0/sales/{sale_id}/checklist/items/{item_id}/uploads"))
	assert.Contains(t, string(doc), "bearerAuth")
}

func TestUploadHonorsConfiguredSizeLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Uploads.MaxFiles = 2
	cfg.Uploads.MaxBytes = 3 << 20
	srv := newTestServerWithConfig(t, cfg)
	ctx := context.Background()
	admin := srv.client(t, testutil.AdminID, domain.RoleAdmin)
	client := srv.client(t, testutil.ClientID, domain.RoleClient)

	_, err := admin.EnsureChecklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	sum, err := client.Checklist(ctx, testutil.SaleID)
	require.NoError(t, err)
	idUpload, ok := itemByKey(sum, "id_upload")
	require.True(t, ok)

	big := bytes.Repeat([]byte("a"), 2<<20)
	up, err := client.Upload(ctx, testutil.SaleID, idUpload.ID, []saleslinesdk.UploadFile{{Name: "scan.pdf", Data: big}})
	require.NoError(t, err, "files above 1 MiB but within max_bytes are accepted")
	require.Len(t, up.Links, 1)

	tooBig := bytes.Repeat([]byte("a"), 3<<20+1)
	_, err = client.Upload(ctx, testutil.SaleID, idUpload.ID, []saleslinesdk.UploadFile{{Name: "huge.pdf", Data: tooBig}})
	require.Error(t, err)
	var apiErr *saleslinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad_request", apiErr.Code)
}

func TestUploadBodyLimitCoversEncodedFiles(t *testing.T) {
	cfg := config.Default()
	limit := uploadBodyLimit(cfg)
	encoded := int64(cfg.Uploads.MaxFiles) * cfg.Uploads.MaxBytes * 4 / 3
	assert.Greater(t, limit, encoded)
	assert.Equal(t, uploadBodyLimit(config.Default()), uploadBodyLimit(nil))
}
