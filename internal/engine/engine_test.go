package engine_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionflow/internal/config"
	"actionflow/internal/db"
	"actionflow/internal/domain"
	"actionflow/internal/engine"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/flowstatus"
	"actionflow/internal/migrate"
	"actionflow/internal/repo"
	"actionflow/internal/storage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Admin  auth.Principal
	User   auth.Principal
	Other  auth.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	admin, err := eng.EnsureAdmin(ctx, "admin@example.com", "Admin", "")
	require.NoError(t, err)
	adminP := auth.Principal{UserID: admin.ID, Role: admin.Role}
	user, err := eng.CreateUser(ctx, adminP, engine.UserCreateOptions{Email: "user@example.com", Name: "User"})
	require.NoError(t, err)
	other, err := eng.CreateUser(ctx, adminP, engine.UserCreateOptions{Email: "other@example.com"})
	require.NoError(t, err)
	return testEnv{
		Engine: eng,
		Ctx:    ctx,
		Admin:  adminP,
		User:   auth.Principal{UserID: user.ID, Role: user.Role},
		Other:  auth.Principal{UserID: other.ID, Role: other.Role},
	}
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

// seedFlow creates a flow assigned to env.User with one approval task and one
// plain task.
func seedFlow(t *testing.T, env testEnv) domain.ActionFlow {
	t.Helper()
	f, err := env.Engine.CreateFlow(env.Ctx, env.Admin, engine.FlowCreateOptions{
		Title:      "Onboarding",
		AssigneeID: strPtr(env.User.UserID),
		Sections: []engine.SectionSpec{{
			ID:    "s1",
			Title: "Paperwork",
			Tasks: []engine.TaskSpec{
				{ID: "sign", Title: "Sign contract", Inputs: []engine.InputSpec{{ID: "scan", Kind: domain.InputFile, Label: "Scan"}}},
				{ID: "read", Title: "Read handbook", RequiresApproval: boolPtr(false), Inputs: []engine.InputSpec{{ID: "notes", Label: "Notes"}}},
			},
		}},
	})
	require.NoError(t, err)
	return f
}

func TestCreateFlowDefaults(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)
	assert.Equal(t, domain.FlowDraft, f.Status)
	require.Len(t, f.Sections, 1)
	assert.True(t, f.Sections[0].Tasks[0].RequiresApproval, "approval defaults to required")
	assert.False(t, f.Sections[0].Tasks[1].RequiresApproval)
	assert.Equal(t, domain.ApprovalNone, f.Sections[0].Tasks[0].ApprovalStatus)

	stored, err := env.Engine.Repo.GetFlow(env.Ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Sections, stored.Sections)
}

func TestCreateFlowValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateFlow(env.Ctx, env.Admin, engine.FlowCreateOptions{Title: "  "})
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "title", ve.Field)

	_, err = env.Engine.CreateFlow(env.Ctx, env.Admin, engine.FlowCreateOptions{Title: "x", AssigneeID: strPtr("ghost")})
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.CreateFlow(env.Ctx, env.Admin, engine.FlowCreateOptions{Title: "x", Deadline: strPtr("tomorrow")})
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.CreateFlow(env.Ctx, env.Admin, engine.FlowCreateOptions{Title: "x", Sections: []engine.SectionSpec{
		{ID: "dup", Title: "a"}, {ID: "dup", Title: "b"},
	}})
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.CreateFlow(env.Ctx, env.User, engine.FlowCreateOptions{Title: "x"})
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))
}

func TestCompletionRecomputesPersistedStatus(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)

	f, err := env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "read", true)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowInProgress, f.Status)

	f, err = env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "sign", true)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowInProgress, f.Status, "pending approval keeps the flow in progress")
	assert.Equal(t, domain.ApprovalPending, f.Sections[0].Tasks[0].ApprovalStatus)

	f, err = env.Engine.SetApproval(env.Ctx, env.Admin, f.ID, "sign", flowstatus.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowCompleted, f.Status)

	stored, err := env.Engine.Repo.GetFlow(env.Ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowCompleted, stored.Status)
	assert.Equal(t, flowstatus.DetermineFlowStatus(stored), stored.Status)

	f, err = env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "sign", false)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowInProgress, f.Status)
	assert.Equal(t, domain.ApprovalNone, f.Sections[0].Tasks[0].ApprovalStatus)

	f, err = env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "read", false)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowDraft, f.Status)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 100, 0, repo.EventFilters{FlowID: f.ID, Type: events.FlowStatusChange})
	require.NoError(t, err)
	assert.Len(t, evts, 4)
}

func TestApprovalRefuseAndReset(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)

	_, err := env.Engine.SetApproval(env.Ctx, env.Admin, f.ID, "sign", flowstatus.ActionApprove)
	assert.ErrorIs(t, err, flowstatus.ErrInvalidTransition, "task not completed yet")

	_, err = env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "sign", true)
	require.NoError(t, err)

	f, err = env.Engine.SetApproval(env.Ctx, env.Admin, f.ID, "sign", flowstatus.ActionRefuse)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRefused, f.Sections[0].Tasks[0].ApprovalStatus)

	f, err = env.Engine.SetApproval(env.Ctx, env.Admin, f.ID, "sign", flowstatus.ActionReset)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, f.Sections[0].Tasks[0].ApprovalStatus)
	assert.True(t, f.Sections[0].Tasks[0].Completed)

	_, err = env.Engine.SetApproval(env.Ctx, env.User, f.ID, "sign", flowstatus.ActionApprove)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "read", true)
	require.NoError(t, err)
	_, err = env.Engine.SetApproval(env.Ctx, env.Admin, f.ID, "read", flowstatus.ActionApprove)
	assert.ErrorIs(t, err, flowstatus.ErrInvalidTransition, "task without approval gating")
}

func TestUsersOnlySeeAssignedFlows(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)
	_, err := env.Engine.CreateFlow(env.Ctx, env.Admin, engine.FlowCreateOptions{Title: "Unassigned"})
	require.NoError(t, err)

	all, err := env.Engine.ListFlows(env.Ctx, env.Admin, engine.ListFlowsOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := env.Engine.ListFlows(env.Ctx, env.User, engine.ListFlowsOptions{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, f.ID, mine[0].ID)

	none, err := env.Engine.ListFlows(env.Ctx, env.Other, engine.ListFlowsOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.Engine.ListFlows(env.Ctx, env.Other, engine.ListFlowsOptions{AssigneeID: env.User.UserID})
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.GetFlow(env.Ctx, env.Other, f.ID)
	assert.True(t, errors.As(err, &fe))
	_, err = env.Engine.SetTaskCompleted(env.Ctx, env.Other, f.ID, "read", true)
	assert.True(t, errors.As(err, &fe))

	unchanged, err := env.Engine.GetFlow(env.Ctx, env.User, f.ID)
	require.NoError(t, err)
	assert.False(t, unchanged.Sections[0].Tasks[1].Completed)
}

func TestSectionAndTaskAuthoring(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)

	f, err := env.Engine.AddSection(env.Ctx, env.Admin, f.ID, engine.SectionSpec{ID: "s0", Title: "Intro"}, intPtr(0))
	require.NoError(t, err)
	require.Len(t, f.Sections, 2)
	assert.Equal(t, "s0", f.Sections[0].ID)

	f, task, err := env.Engine.AddTask(env.Ctx, env.Admin, f.ID, "s0", engine.TaskSpec{Title: "Say hi", RequiresApproval: boolPtr(false)})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Len(t, f.Sections[0].Tasks, 1)

	f, err = env.Engine.UpdateSection(env.Ctx, env.Admin, engine.SectionUpdateOptions{FlowID: f.ID, SectionID: "s0", Title: strPtr("Welcome")})
	require.NoError(t, err)
	assert.Equal(t, "Welcome", f.Sections[0].Title)

	_, _, err = env.Engine.AddTask(env.Ctx, env.Admin, f.ID, "missing", engine.TaskSpec{Title: "x"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	f, err = env.Engine.DeleteTask(env.Ctx, env.Admin, f.ID, task.ID)
	require.NoError(t, err)
	assert.Empty(t, f.Sections[0].Tasks)

	f, err = env.Engine.DeleteSection(env.Ctx, env.Admin, f.ID, "s0")
	require.NoError(t, err)
	require.Len(t, f.Sections, 1)

	_, err = env.Engine.DeleteSection(env.Ctx, env.Admin, f.ID, "s0")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.AddSection(env.Ctx, env.User, f.ID, engine.SectionSpec{Title: "nope"}, nil)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))
}

func intPtr(v int) *int { return &v }

func TestUpdateTaskRequiresApprovalRenormalizes(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)
	_, err := env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "read", true)
	require.NoError(t, err)
	_, err = env.Engine.SetTaskCompleted(env.Ctx, env.User, f.ID, "sign", true)
	require.NoError(t, err)
	f, err = env.Engine.SetApproval(env.Ctx, env.Admin, f.ID, "sign", flowstatus.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, domain.FlowCompleted, f.Status)

	f, err = env.Engine.UpdateTask(env.Ctx, env.Admin, engine.TaskUpdateOptions{FlowID: f.ID, TaskID: "read", RequiresApproval: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, f.Sections[0].Tasks[1].ApprovalStatus)
	assert.Equal(t, domain.FlowInProgress, f.Status)

	f, err = env.Engine.UpdateTask(env.Ctx, env.Admin, engine.TaskUpdateOptions{FlowID: f.ID, TaskID: "read", RequiresApproval: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalNone, f.Sections[0].Tasks[1].ApprovalStatus)
	assert.Equal(t, domain.FlowCompleted, f.Status)
}

func TestInputsAndFiles(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)

	f, err := env.Engine.SetInputValue(env.Ctx, env.User, f.ID, "read", "notes", "done reading")
	require.NoError(t, err)
	assert.Equal(t, "done reading", f.Sections[0].Tasks[1].Inputs[0].Value)

	_, err = env.Engine.SetInputValue(env.Ctx, env.User, f.ID, "sign", "scan", "text")
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	f, err = env.Engine.UploadInputFile(env.Ctx, env.User, engine.UploadOptions{
		FlowID: f.ID, TaskID: "sign", InputID: "scan",
		FileName: "contract.pdf", ContentType: "application/pdf",
		Size: 7, Body: strings.NewReader("PDFDATA"),
	})
	require.NoError(t, err)
	key := f.Sections[0].Tasks[0].Inputs[0].Value
	assert.Contains(t, key, "contract.pdf")

	rc, obj, err := env.Engine.OpenInputFile(env.Ctx, env.Admin, f.ID, "sign", "scan")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "PDFDATA", string(data))
	assert.Equal(t, "application/pdf", obj.ContentType)

	_, _, err = env.Engine.OpenInputFile(env.Ctx, env.Other, f.ID, "sign", "scan")
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.UploadInputFile(env.Ctx, env.User, engine.UploadOptions{
		FlowID: f.ID, TaskID: "read", InputID: "notes", FileName: "x.txt", Body: strings.NewReader("x"),
	})
	assert.True(t, errors.As(err, &ve))

	require.NoError(t, env.Engine.DeleteFlow(env.Ctx, env.Admin, f.ID))
	_, _, err = env.Engine.Files.Get(env.Ctx, key)
	assert.Error(t, err, "files are removed with the flow")
}

// reassigningStore stores the object and then runs afterPut, letting a test
// change the flow between the upload and its commit.
type reassigningStore struct {
	storage.ObjectStore
	afterPut func()
}

func (s reassigningStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (storage.Object, error) {
	obj, err := s.ObjectStore.Put(ctx, key, r, size, contentType)
	if err == nil && s.afterPut != nil {
		s.afterPut()
	}
	return obj, err
}

func TestFailedReuploadKeepsLiveFile(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)
	upload := func(eng engine.Engine, body string) (domain.ActionFlow, error) {
		return eng.UploadInputFile(env.Ctx, env.User, engine.UploadOptions{
			FlowID: f.ID, TaskID: "sign", InputID: "scan",
			FileName: "c.pdf", ContentType: "application/pdf",
			Size: int64(len(body)), Body: strings.NewReader(body),
		})
	}

	f, err := upload(env.Engine, "FIRST")
	require.NoError(t, err)
	liveKey := f.Sections[0].Tasks[0].Inputs[0].Value

	eng := env.Engine
	eng.Files = reassigningStore{ObjectStore: env.Engine.Files, afterPut: func() {
		_, err := env.Engine.UpdateFlow(env.Ctx, env.Admin, engine.FlowUpdateOptions{ID: f.ID, AssigneeID: strPtr(env.Other.UserID)})
		require.NoError(t, err)
	}}
	_, err = upload(eng, "SECOND")
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe), "got %v", err)

	stored, err := env.Engine.GetFlow(env.Ctx, env.Admin, f.ID)
	require.NoError(t, err)
	assert.Equal(t, liveKey, stored.Sections[0].Tasks[0].Inputs[0].Value)

	rc, _, err := env.Engine.OpenInputFile(env.Ctx, env.Admin, f.ID, "sign", "scan")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "FIRST", string(data))
}

func TestMessagesAndNotifications(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)

	_, msg, err := env.Engine.PostMessage(env.Ctx, env.Admin, f.ID, "sign", "Please sign by Friday")
	require.NoError(t, err)
	_, _, err = env.Engine.PostMessage(env.Ctx, env.User, f.ID, "sign", "On it")
	require.NoError(t, err)
	_, _, err = env.Engine.PostMessage(env.Ctx, env.User, f.ID, "sign", "   ")
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	userNotes, err := env.Engine.Notifications(env.Ctx, env.User)
	require.NoError(t, err)
	require.Len(t, userNotes, 1)
	assert.Equal(t, msg.ID, userNotes[0].MessageID)

	adminNotes, err := env.Engine.Notifications(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Len(t, adminNotes, 1)

	require.NoError(t, env.Engine.DismissNotification(env.Ctx, env.User, msg.ID))
	userNotes, err = env.Engine.Notifications(env.Ctx, env.User)
	require.NoError(t, err)
	assert.Empty(t, userNotes)

	f, err = env.Engine.MarkMessagesRead(env.Ctx, env.Admin, f.ID, "sign")
	require.NoError(t, err)
	msgs := f.Sections[0].Tasks[0].Messages
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].Read, "own message untouched")
	assert.True(t, msgs[1].Read)

	adminNotes, err = env.Engine.Notifications(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Empty(t, adminNotes)
}

func TestAPIKeysAndBootstrap(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, env.Admin, env.User.UserID, "cli")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, "af_"))
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, env.User, env.User.UserID, "cli")
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	again, err := env.Engine.EnsureAdmin(env.Ctx, "admin@example.com", "Admin", "bootstrap-key")
	require.NoError(t, err)
	assert.Equal(t, env.Admin.UserID, again.ID)
	_, err = env.Engine.EnsureAdmin(env.Ctx, "admin@example.com", "Admin", "bootstrap-key")
	require.NoError(t, err)
	keys, err := env.Engine.Repo.ListAPIKeys(env.Ctx, again.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	_, err = env.Engine.EnsureAdmin(env.Ctx, "user@example.com", "", "")
	assert.Error(t, err)

	_, err = env.Engine.CreateUser(env.Ctx, env.Admin, engine.UserCreateOptions{Email: "USER@example.com"})
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestFlowEvents(t *testing.T) {
	env := newTestEnv(t)
	f := seedFlow(t, env)
	_, err := env.Engine.UpdateFlow(env.Ctx, env.Admin, engine.FlowUpdateOptions{ID: f.ID, Title: strPtr("Renamed"), Deadline: strPtr("2024-03-01")})
	require.NoError(t, err)

	evts, err := env.Engine.FlowEvents(env.Ctx, env.User, f.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.FlowUpdated, evts[0].Type)
	assert.Equal(t, events.FlowCreated, evts[1].Type)

	_, err = env.Engine.FlowEvents(env.Ctx, env.User, "", 10, 0)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))
}
