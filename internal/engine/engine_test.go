package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/auth"
	"github.com/BenPearsey/vaportal-sub001/internal/notify"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
	"github.com/BenPearsey/vaportal-sub001/internal/testutil"
)

var (
	admin  = auth.Caller{UserID: testutil.AdminID, Kind: domain.RoleAdmin}
	agent  = auth.Caller{UserID: testutil.AgentID, Kind: domain.RoleAgent}
	client = auth.Caller{UserID: testutil.ClientID, Kind: domain.RoleClient}
)

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Sent   *notify.Recorder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database := testutil.NewTestDB(t)
	testutil.SeedCatalog(t, database)
	testutil.SeedSale(t, database)

	rec := &notify.Recorder{}
	e := engine.New(database, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	e.Docs = docstore.Local{Root: t.TempDir(), DB: database}
	e.Notifier = notify.Dispatcher{Gateway: rec, Directory: notify.RepoDirectory{DB: database}}
	return &testEnv{Engine: e, DB: database, Sent: rec, Ctx: context.Background()}
}

func (env *testEnv) ensure(t *testing.T) engine.EnsureResult {
	t.Helper()
	res, err := env.Engine.Ensure(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	return res
}

// itemIDs maps task keys to the item ids of the admin view.
func (env *testEnv) itemIDs(t *testing.T) map[string]string {
	t.Helper()
	sum, err := env.Engine.Summary(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	out := map[string]string{}
	for _, s := range sum.Stages {
		for _, it := range s.Items {
			if !it.Container {
				out[it.TaskKey] = it.ID
			}
		}
	}
	return out
}

func (env *testEnv) setState(t *testing.T, itemID, state string) engine.MutationResult {
	t.Helper()
	res, err := env.Engine.UpdateState(env.Ctx, admin, engine.UpdateStateInput{SaleID: testutil.SaleID, ItemID: itemID, State: state})
	require.NoError(t, err)
	return res
}

func (env *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.DB.QueryRow(query, args...).Scan(&n))
	return n
}

func visibleKeys(sum engine.Summary) []string {
	var keys []string
	for _, s := range sum.Stages {
		for _, it := range s.Items {
			if it.Container {
				for _, c := range it.Children {
					keys = append(keys, c.TaskKey)
				}
				continue
			}
			keys = append(keys, it.TaskKey)
		}
	}
	return keys
}

func TestEnsureIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.ensure(t)
	assert.True(t, first.Created)
	assert.Equal(t, 5, first.Items, "bundled tasks are not instantiated")
	assert.Equal(t, 0, first.Checklist.ProgressCached)
	assert.Equal(t, 1, env.Sent.Count("checklist_created"))

	second, err := env.Engine.Ensure(env.Ctx, agent, testutil.SaleID)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Checklist.ID, second.Checklist.ID)
	assert.Empty(t, second.Signals)

	assert.Equal(t, 1, env.count(t, `SELECT COUNT(1) FROM checklists WHERE sale_id=?`, testutil.SaleID))
	assert.Equal(t, 5, env.count(t, `SELECT COUNT(1) FROM checklist_items`))
	assert.Equal(t, 1, env.Sent.Count("checklist_created"), "created fires only once")

	ids := env.itemIDs(t)
	it, err := env.Engine.Repo.GetItem(env.Ctx, first.Checklist.ID, ids["id_upload"])
	require.NoError(t, err)
	require.NotNil(t, it.DueAt)
	assert.Equal(t, "2024-01-08T00:00:00Z", *it.DueAt)
}

func TestEnsureNotEligible(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SyncSale(env.Ctx, admin, domain.Sale{ID: "sale-life", Product: "Whole Life", AgentID: testutil.AgentID})
	require.NoError(t, err)

	_, err = env.Engine.Ensure(env.Ctx, admin, "sale-life")
	assert.ErrorIs(t, err, engine.ErrNotEligible)

	// eligible by marker but no template for the product
	env.Engine.Config = config.Default()
	env.Engine.Config.Eligibility.ProductMarker = "life"
	_, err = env.Engine.Ensure(env.Ctx, admin, "sale-life")
	assert.ErrorIs(t, err, engine.ErrNotEligible)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(1) FROM checklists`))
}

func TestEnsureRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Ensure(env.Ctx, auth.Caller{UserID: "agent-2", Kind: domain.RoleAgent}, testutil.SaleID)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.Ensure(env.Ctx, admin, "missing-sale")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSummaryFiltersByRole(t *testing.T) {
	env := newTestEnv(t)

	sum, err := env.Engine.Summary(env.Ctx, client, testutil.SaleID)
	require.NoError(t, err)
	assert.False(t, sum.Exists)
	assert.Empty(t, sum.Stages)

	env.ensure(t)

	sum, err = env.Engine.Summary(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	assert.True(t, sum.Exists)
	assert.Equal(t, domain.RoleAdmin, sum.Role)
	assert.ElementsMatch(t, []string{"intake", "id_upload", "agent_notes", "deed_review", "funding_docs"}, visibleKeys(sum))
	require.Len(t, sum.Stages, 2)
	assert.Equal(t, "application", sum.Stages[0].Key)
	assert.Equal(t, 3, sum.Stages[0].Total)

	sum, err = env.Engine.Summary(env.Ctx, agent, testutil.SaleID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"intake", "agent_notes", "funding_docs"}, visibleKeys(sum))

	sum, err = env.Engine.Summary(env.Ctx, client, testutil.SaleID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"intake", "id_upload", "funding_docs"}, visibleKeys(sum))
	for _, it := range sum.Stages[0].Items {
		if it.TaskKey == "id_upload" {
			assert.True(t, it.ClientActionRequired)
			assert.Equal(t, domain.UITodo, it.UIState)
		}
	}
}

func TestWeightedProgressAndSaleCompletedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)

	assert.Equal(t, 0, env.setState(t, ids["agent_notes"], "na").Checklist.ProgressCached)
	assert.Equal(t, 10, env.setState(t, ids["intake"], "complete").Checklist.ProgressCached)
	assert.Equal(t, 50, env.setState(t, ids["deed_review"], "approved").Checklist.ProgressCached)

	res := env.setState(t, ids["funding_docs"], "complete")
	assert.Equal(t, 90, res.Checklist.ProgressCached)
	assert.Equal(t, 1, env.Sent.Count("client_milestone"), "funding is done for the client")
	assert.Equal(t, 0, env.Sent.Count("sale_completed"))

	res = env.setState(t, ids["id_upload"], "complete")
	assert.Equal(t, 100, res.Checklist.ProgressCached)
	assert.Equal(t, domain.ChecklistComplete, res.Checklist.Status)
	assert.Equal(t, 1, env.Sent.Count("sale_completed"))
	assert.Equal(t, 2, env.Sent.Count("client_milestone"))
	require.NotNil(t, res.Item.CompletedAt)

	rc, err := env.Engine.Recalc(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, 100, rc.Before)
	assert.Equal(t, 100, rc.After)
	assert.Empty(t, rc.Signals)
	assert.Equal(t, 1, env.Sent.Count("sale_completed"), "steady state does not re-fire")

	cl, err := env.Engine.Repo.ChecklistForSale(env.Ctx, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, 100, cl.ProgressCached)
}

func TestUpdateStateSignalsClientAction(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)

	note := "blurry scan"
	res, err := env.Engine.UpdateState(env.Ctx, admin, engine.UpdateStateInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], State: "rejected", Note: &note})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, res.Item.State)
	assert.Nil(t, res.Item.CompletedAt)
	assert.Equal(t, 1, env.Sent.Count("state_changed"))
	assert.Equal(t, 1, env.Sent.Count("client_action_required"))

	res = env.setState(t, ids["id_upload"], "todo")
	assert.Equal(t, domain.StateNotStarted, res.Item.State)
	assert.Equal(t, 2, env.Sent.Count("client_action_required"))

	env.setState(t, ids["intake"], "complete")
	assert.Equal(t, 2, env.Sent.Count("client_action_required"), "info tasks never need client action")
}

func TestUpdateStateRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)

	_, err := env.Engine.UpdateState(env.Ctx, admin, engine.UpdateStateInput{SaleID: testutil.SaleID, ItemID: ids["intake"], State: "finished"})
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.UpdateState(env.Ctx, agent, engine.UpdateStateInput{SaleID: testutil.SaleID, ItemID: ids["intake"], State: "complete"})
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.UpdateState(env.Ctx, admin, engine.UpdateStateInput{SaleID: testutil.SaleID, ItemID: "nope", State: "complete"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUploadAndReviewDeriveState(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	upload := func() engine.MutationResult {
		res, err := env.Engine.Upload(env.Ctx, client, engine.UploadInput{
			SaleID: testutil.SaleID, ItemID: ids["id_upload"],
			Files: []docstore.File{{Name: "passport.pdf", Data: []byte("%PDF-1.4")}},
		})
		require.NoError(t, err)
		return res
	}
	review := func(linkID, decision string) engine.MutationResult {
		res, err := env.Engine.Review(env.Ctx, admin, engine.ReviewInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], LinkID: linkID, Decision: decision})
		require.NoError(t, err)
		return res
	}

	first := upload()
	assert.Equal(t, domain.StatePendingReview, first.Item.State)
	require.Len(t, first.Links, 1)
	assert.Equal(t, domain.ReviewPending, first.Links[0].ReviewState)
	assert.Equal(t, 1, env.Sent.Count("uploaded"))
	assert.Equal(t, 1, env.Sent.Count("pending_review"))

	res := review(first.Links[0].ID, "rejected")
	assert.Equal(t, domain.StateRejected, res.Item.State)
	assert.Equal(t, 1, env.Sent.Count("reviewed"))
	assert.Equal(t, 1, env.Sent.Count("client_action_required"))

	second := upload()
	assert.Equal(t, domain.StatePendingReview, second.Item.State, "upload sets the state directly")

	res = review(second.Links[0].ID, "approved")
	assert.Equal(t, domain.StateRejected, res.Item.State, "a rejected link outranks an approved one")

	res = review(first.Links[0].ID, "approved")
	assert.Equal(t, domain.StateApproved, res.Item.State)
	assert.Equal(t, 7, res.Checklist.ProgressCached)
	require.Len(t, res.Links, 2)
	for _, l := range res.Links {
		require.NotNil(t, l.ReviewedBy)
		assert.Equal(t, testutil.AdminID, *l.ReviewedBy)
	}
	assert.Equal(t, 2, env.count(t, `SELECT COUNT(1) FROM documents WHERE sale_id=?`, testutil.SaleID))
}

func TestUploadWithoutReviewCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)

	res, err := env.Engine.Upload(env.Ctx, agent, engine.UploadInput{
		SaleID: testutil.SaleID, ItemID: ids["funding_docs"],
		Files: []docstore.File{{Name: "wire.pdf", Data: []byte("a")}, {Name: "deed.pdf", Data: []byte("b")}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, res.Item.State)
	require.Len(t, res.Links, 2)
	assert.Equal(t, domain.ReviewApproved, res.Links[1].ReviewState)
	assert.Equal(t, 40, res.Checklist.ProgressCached)
	assert.Equal(t, 0, env.Sent.Count("pending_review"))
	assert.Equal(t, 1, env.Sent.Count("client_milestone"))
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	files := []docstore.File{{Name: "id.png", Data: []byte("png")}}
	var ve engine.ValidationError
	var fe auth.ForbiddenError

	_, err := env.Engine.Upload(env.Ctx, admin, engine.UploadInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], Files: files})
	assert.True(t, errors.As(err, &fe), "admins review, they do not upload")

	_, err = env.Engine.Upload(env.Ctx, client, engine.UploadInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"]})
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.Upload(env.Ctx, agent, engine.UploadInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], Files: files})
	assert.ErrorIs(t, err, repo.ErrNotFound, "client-only task is invisible to the agent")

	env.Engine.Config = config.Default()
	env.Engine.Config.Uploads.MaxBytes = 2
	_, err = env.Engine.Upload(env.Ctx, client, engine.UploadInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], Files: files})
	assert.True(t, errors.As(err, &ve))

	assert.Equal(t, 0, env.count(t, `SELECT COUNT(1) FROM checklist_item_links`))
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(1) FROM documents`))
}

func TestItemOfAnotherSaleIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)

	_, err := env.Engine.SyncSale(env.Ctx, admin, domain.Sale{ID: "sale-2", Product: "Trust Basic", AgentID: testutil.AgentID, ClientID: testutil.ClientID})
	require.NoError(t, err)
	_, err = env.Engine.Ensure(env.Ctx, admin, "sale-2")
	require.NoError(t, err)

	_, err = env.Engine.UpdateState(env.Ctx, admin, engine.UpdateStateInput{SaleID: "sale-2", ItemID: ids["intake"], State: "complete"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Upload(env.Ctx, client, engine.UploadInput{
		SaleID: "sale-2", ItemID: ids["id_upload"], Files: []docstore.File{{Name: "x.pdf", Data: []byte("x")}},
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestReviewVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	up, err := env.Engine.Upload(env.Ctx, client, engine.UploadInput{
		SaleID: testutil.SaleID, ItemID: ids["id_upload"], Files: []docstore.File{{Name: "id.pdf", Data: []byte("x")}},
	})
	require.NoError(t, err)
	link := up.Links[0]

	res, err := env.Engine.Review(env.Ctx, admin, engine.ReviewInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], LinkID: link.ID, Decision: "approved", ExpectedVersion: link.Version})
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, res.Item.State)

	_, err = env.Engine.Review(env.Ctx, admin, engine.ReviewInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], LinkID: link.ID, Decision: "rejected", ExpectedVersion: link.Version})
	assert.ErrorIs(t, err, engine.ErrConflict)

	_, err = env.Engine.Review(env.Ctx, admin, engine.ReviewInput{SaleID: testutil.SaleID, ItemID: ids["id_upload"], LinkID: link.ID, Decision: "maybe"})
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.Review(env.Ctx, admin, engine.ReviewInput{SaleID: testutil.SaleID, ItemID: ids["intake"], LinkID: link.ID, Decision: "approved"})
	assert.ErrorIs(t, err, repo.ErrNotFound, "link must belong to the addressed item")
}

func TestAddRepeatable(t *testing.T) {
	env := newTestEnv(t)
	res := env.ensure(t)
	tpl, err := env.Engine.Repo.GetTemplate(env.Ctx, res.Checklist.TemplateID)
	require.NoError(t, err)
	funding := tpl.Stages[1].ID

	env.setState(t, env.itemIDs(t)["funding_docs"], "complete")
	add, err := env.Engine.AddRepeatable(env.Ctx, admin, engine.AddRepeatableInput{SaleID: testutil.SaleID, StageID: funding, Group: "mvtr"})
	require.NoError(t, err)
	require.Len(t, add.Items, 3)
	assert.True(t, add.Items[0].IsContainer())
	assert.Equal(t, "MVTR #1", add.Items[0].Meta.Label)
	assert.Nil(t, add.Items[0].DueAt)
	for _, child := range add.Items[1:] {
		require.NotNil(t, child.ParentItemID)
		assert.Equal(t, add.Items[0].ID, *child.ParentItemID)
		assert.Equal(t, domain.StateNotStarted, child.State)
	}
	// funding now has funding_docs done out of deed_review plus two children
	assert.Equal(t, 20, add.Checklist.ProgressCached)
	assert.Equal(t, 1, env.Sent.Count("repeat_group_added"))

	again, err := env.Engine.AddRepeatable(env.Ctx, admin, engine.AddRepeatableInput{SaleID: testutil.SaleID, StageID: funding, Group: "MVTR", Label: "Boat"})
	require.NoError(t, err)
	assert.Equal(t, "Boat", again.Items[0].Meta.Label)

	sum, err := env.Engine.Summary(env.Ctx, client, testutil.SaleID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"intake", "id_upload", "funding_docs", "mvtr_title", "mvtr_title"}, visibleKeys(sum))
	sum, err = env.Engine.Summary(env.Ctx, agent, testutil.SaleID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"intake", "agent_notes", "funding_docs", "mvtr_registration", "mvtr_registration"}, visibleKeys(sum))

	var ve engine.ValidationError
	_, err = env.Engine.AddRepeatable(env.Ctx, admin, engine.AddRepeatableInput{SaleID: testutil.SaleID, StageID: funding, Group: "boats"})
	assert.True(t, errors.As(err, &ve))
	_, err = env.Engine.AddRepeatable(env.Ctx, admin, engine.AddRepeatableInput{SaleID: testutil.SaleID, StageID: tpl.Stages[0].ID, Group: "quitclaim"})
	assert.True(t, errors.As(err, &ve))
	_, err = env.Engine.AddRepeatable(env.Ctx, admin, engine.AddRepeatableInput{SaleID: testutil.SaleID, StageID: "nope", Group: "mvtr"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAddRepeatableIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	res := env.ensure(t)
	tpl, err := env.Engine.Repo.GetTemplate(env.Ctx, res.Checklist.TemplateID)
	require.NoError(t, err)

	env.Engine.UoW = &testutil.FailOnNthExecUoW{DB: env.DB, FailOn: 2, Err: errors.New("disk full")}
	_, err = env.Engine.AddRepeatable(env.Ctx, admin, engine.AddRepeatableInput{SaleID: testutil.SaleID, StageID: tpl.Stages[1].ID, Group: "mvtr"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, 5, env.count(t, `SELECT COUNT(1) FROM checklist_items`), "no partial bundle persists")
	assert.Equal(t, 0, env.Sent.Count("repeat_group_added"))
}

func TestDependencyGate(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	env.Engine.Config = config.Default()
	env.Engine.Config.Workflow.EnforceDependencies = true

	_, err := env.Engine.UpdateState(env.Ctx, admin, engine.UpdateStateInput{SaleID: testutil.SaleID, ItemID: ids["deed_review"], State: "in_progress"})
	var de engine.DependencyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, []string{"intake"}, de.Pending)

	env.setState(t, ids["deed_review"], "blocked")
	env.setState(t, ids["intake"], "na")
	res := env.setState(t, ids["deed_review"], "in_progress")
	assert.Equal(t, domain.StateInProgress, res.Item.State)
	assert.Nil(t, res.Item.BlockedReason)
}

func TestNotificationFailureKeepsWrite(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	env.Sent.Err = errors.New("gateway down")

	res := env.setState(t, ids["intake"], "complete")
	assert.Equal(t, 10, res.Checklist.ProgressCached)

	it, err := env.Engine.Repo.GetItem(env.Ctx, res.Checklist.ID, ids["intake"])
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, it.State)
}

func TestCompletedSaleFiresOnRecalc(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	_, err := env.Engine.SyncSale(env.Ctx, admin, domain.Sale{
		ID: testutil.SaleID, Product: testutil.Product, Status: domain.SaleStatusCompleted,
		AgentID: testutil.AgentID, ClientID: testutil.ClientID,
	})
	require.NoError(t, err)

	rc, err := env.Engine.Recalc(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	require.Len(t, rc.Signals, 1)
	assert.Equal(t, domain.ChecklistComplete, rc.Checklist.Status)

	rc, err = env.Engine.Recalc(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	assert.Empty(t, rc.Signals)
	assert.Equal(t, 1, env.Sent.Count("sale_completed"))

	_, err = env.Engine.Recalc(env.Ctx, client, testutil.SaleID)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))
}

func TestCrossingToFullFiresAfterSaleStatusCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	_, err := env.Engine.SyncSale(env.Ctx, admin, domain.Sale{
		ID: testutil.SaleID, Product: testutil.Product, Status: domain.SaleStatusCompleted,
		AgentID: testutil.AgentID, ClientID: testutil.ClientID,
	})
	require.NoError(t, err)

	rc, err := env.Engine.Recalc(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChecklistComplete, rc.Checklist.Status)
	assert.Equal(t, 1, env.Sent.Count("sale_completed"))

	env.setState(t, ids["agent_notes"], "na")
	env.setState(t, ids["intake"], "complete")
	env.setState(t, ids["deed_review"], "approved")
	res := env.setState(t, ids["funding_docs"], "complete")
	assert.Equal(t, 90, res.Checklist.ProgressCached)
	assert.Equal(t, 1, env.Sent.Count("sale_completed"), "status alone does not re-fire")

	res = env.setState(t, ids["id_upload"], "complete")
	assert.Equal(t, 100, res.Checklist.ProgressCached)
	assert.Equal(t, domain.ChecklistComplete, res.Checklist.Status)
	assert.Equal(t, 2, env.Sent.Count("sale_completed"), "crossing to 100 fires")

	rc, err = env.Engine.Recalc(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	assert.Empty(t, rc.Signals)
}

func TestArchiveAndEvents(t *testing.T) {
	env := newTestEnv(t)
	env.ensure(t)
	ids := env.itemIDs(t)
	env.setState(t, ids["intake"], "complete")

	cl, err := env.Engine.Archive(env.Ctx, admin, testutil.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChecklistArchived, cl.Status)
	assert.Equal(t, 10, cl.ProgressCached)

	evts, err := env.Engine.Events(env.Ctx, admin, testutil.SaleID, 10, 0, repo.EventFilters{})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "checklist.archived", evts[0].Type)
	assert.Equal(t, "item.state_changed", evts[1].Type)
	assert.Equal(t, "checklist.created", evts[2].Type)

	_, err = env.Engine.Events(env.Ctx, agent, testutil.SaleID, 10, 0, repo.EventFilters{})
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))
}
