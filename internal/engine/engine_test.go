package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workqueue/internal/db"
	"workqueue/internal/domain"
	"workqueue/internal/engine"
	"workqueue/internal/engine/auth"
	"workqueue/internal/engine/machine"
	"workqueue/internal/errs"
	"workqueue/internal/migrate"
	"workqueue/internal/peers"
	"workqueue/internal/ports"
	"workqueue/internal/repo"
)

var (
	admin    = auth.Actor{ID: "admin", Name: "Admin", Roles: auth.NewSet(auth.Admin)}
	reviewer = auth.Actor{ID: "A", Name: "Alice", Roles: auth.NewSet(auth.Reviewer)}
	intruder = auth.Actor{ID: "B", Name: "Bob", Roles: auth.NewSet(auth.Reviewer)}
	plain    = auth.Actor{ID: "C", Name: "Carol", Roles: auth.NewSet(auth.User)}
	manager  = auth.Actor{ID: "M", Name: "Mallory", Roles: auth.NewSet(auth.ComplianceManager)}
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	r := repo.Repo{DB: conn}
	eng := engine.New(r, machine.DefaultPolicy(), nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Repo: r, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, risk domain.RiskLevel) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.Create(env.Ctx, admin, engine.CreateOptions{ApplicationID: "app-1", ApplicantName: "Ada", Country: "gb", RiskLevel: risk})
	require.NoError(t, err)
	return it
}

func (env testEnv) pendingEvents(t *testing.T) []domain.Event {
	t.Helper()
	evts, err := env.Repo.PendingEvents(env.Ctx, 1000)
	require.NoError(t, err)
	return evts
}

func TestHighRiskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.RiskHigh)
	assert.Equal(t, "WI-000001", it.HumanNumber)
	assert.True(t, it.RequiresApproval)
	assert.Equal(t, "GB", it.Country)

	it, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "Alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, it.Status)
	hist, err := env.Repo.History(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = env.Engine.StartReview(env.Ctx, it.ID, intruder)
	assert.True(t, errs.Is(err, errs.CodeUnauthorized))
	stored, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it, stored)

	_, err = env.Engine.StartReview(env.Ctx, it.ID, reviewer)
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, it.ID, reviewer, "")
	assert.True(t, errs.Is(err, errs.CodeInvalidTransition))

	_, err = env.Engine.SubmitForApproval(env.Ctx, it.ID, reviewer, "sanctions screening clean")
	require.NoError(t, err)

	_, err = env.Engine.Approve(env.Ctx, it.ID, plain, "")
	assert.True(t, errs.Is(err, errs.CodeForbidden))

	_, err = env.Engine.Approve(env.Ctx, it.ID, manager, "ok")
	require.NoError(t, err)

	it, err = env.Engine.Complete(env.Ctx, it.ID, reviewer, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, it.Status)
	assert.Equal(t, int64(6), it.Version)
	require.NotNil(t, it.NextRefreshAt)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), *it.NextRefreshAt)

	hist, err = env.Repo.History(env.Ctx, it.ID)
	require.NoError(t, err)
	var actions []string
	for _, h := range hist {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{"Assign", "StartReview", "SubmitForApproval", "Approve", "Complete"}, actions)

	var types []domain.EventType
	for _, e := range env.pendingEvents(t) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventCreated, domain.EventAssigned, domain.EventReviewStarted,
		domain.EventSubmittedForApproval, domain.EventApproved, domain.EventCompleted,
	}, types)
}

func TestRejectedCommandWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.RiskHigh)
	_, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "")
	require.NoError(t, err)
	_, err = env.Engine.StartReview(env.Ctx, it.ID, reviewer)
	require.NoError(t, err)
	_, err = env.Engine.SubmitForApproval(env.Ctx, it.ID, reviewer, "")
	require.NoError(t, err)

	before, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	eventsBefore := len(env.pendingEvents(t))

	_, err = env.Engine.Decline(env.Ctx, it.ID, manager, "   ")
	assert.True(t, errs.Is(err, errs.CodeValidation))
	_, err = env.Engine.Assign(env.Ctx, it.ID, admin, "Z", "")
	assert.True(t, errs.Is(err, errs.CodeInvalidTransition))

	after, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, env.pendingEvents(t), eventsBefore)
	hist, err := env.Repo.History(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	declined, err := env.Engine.Decline(env.Ctx, it.ID, manager, "adverse media")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, declined.Status)
	_, err = env.Engine.Assign(env.Ctx, it.ID, admin, "Z", "")
	assert.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

type staleStore struct {
	ports.Store
	snapshot domain.WorkItem
}

func (s staleStore) Get(context.Context, string) (domain.WorkItem, error) {
	return s.snapshot, nil
}

func TestConcurrentModificationIsRejected(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.RiskLow)

	_, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "")
	require.NoError(t, err)

	stale := env.Engine
	stale.Store = staleStore{Store: env.Repo, snapshot: it}
	_, err = stale.Assign(env.Ctx, it.ID, admin, "B", "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeConcurrencyConflict))
	assert.True(t, errors.Is(err, repo.ErrConflict))

	got, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.AssigneeID())
	assert.Equal(t, int64(2), got.Version)
	hist, err := env.Repo.History(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestParallelCommandsNeverLoseUpdates(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.RiskLow)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.MarkForRefresh(env.Ctx, it.ID, admin, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errs.Is(err, errs.CodeConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, n, succeeded+conflicts)
	assert.Equal(t, succeeded, got.RefreshCount)
	assert.Equal(t, int64(1+succeeded), got.Version)
}

type fakeRisk struct {
	level domain.RiskLevel
	calls int
}

func (f *fakeRisk) CurrentLevel(_ context.Context, _ string, _ domain.RiskLevel) (domain.RiskLevel, error) {
	f.calls++
	return f.level, nil
}

func TestRiskEscalationBlocksDirectCompletion(t *testing.T) {
	env := newTestEnv(t)
	risk := &fakeRisk{level: domain.RiskCritical}
	env.Engine.Risk = risk
	it := env.create(t, domain.RiskLow)
	_, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "")
	require.NoError(t, err)
	_, err = env.Engine.StartReview(env.Ctx, it.ID, reviewer)
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, it.ID, reviewer, "")
	assert.True(t, errs.Is(err, errs.CodeInvalidTransition))
	stored, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskLow, stored.RiskLevel)

	submitted, err := env.Engine.SubmitForApproval(env.Ctx, it.ID, reviewer, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RiskCritical, submitted.RiskLevel)
	assert.True(t, submitted.RequiresApproval)
	assert.Equal(t, 2, risk.calls)
}

func TestLowerRiskAnswerKeepsApprovalGate(t *testing.T) {
	for _, answer := range []domain.RiskLevel{domain.RiskUnknown, domain.RiskLow} {
		t.Run(string(answer), func(t *testing.T) {
			env := newTestEnv(t)
			env.Engine.Risk = &fakeRisk{level: answer}
			it := env.create(t, domain.RiskHigh)
			_, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "")
			require.NoError(t, err)
			_, err = env.Engine.StartReview(env.Ctx, it.ID, reviewer)
			require.NoError(t, err)

			_, err = env.Engine.Complete(env.Ctx, it.ID, reviewer, "")
			assert.True(t, errs.Is(err, errs.CodeInvalidTransition), "got %v", err)
			stored, err := env.Repo.Get(env.Ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusInProgress, stored.Status)
			assert.Equal(t, domain.RiskHigh, stored.RiskLevel)
			assert.True(t, stored.RequiresApproval)

			submitted, err := env.Engine.SubmitForApproval(env.Ctx, it.ID, reviewer, "")
			require.NoError(t, err)
			assert.Equal(t, domain.RiskHigh, submitted.RiskLevel)
			for _, evt := range env.pendingEvents(t) {
				assert.NotEqual(t, domain.EventRiskLevelChanged, evt.Type)
			}
		})
	}
}

func TestRiskEscalationIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Risk = &fakeRisk{level: domain.RiskHigh}
	it := env.create(t, domain.RiskMedium)
	_, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "")
	require.NoError(t, err)
	_, err = env.Engine.StartReview(env.Ctx, it.ID, reviewer)
	require.NoError(t, err)

	submitted, err := env.Engine.SubmitForApproval(env.Ctx, it.ID, reviewer, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingApproval, submitted.Status)
	assert.Equal(t, int64(4), submitted.Version)

	evts := env.pendingEvents(t)
	require.GreaterOrEqual(t, len(evts), 2)
	changed, submittedEvt := evts[len(evts)-2], evts[len(evts)-1]
	assert.Equal(t, domain.EventRiskLevelChanged, changed.Type)
	assert.Equal(t, domain.EventSubmittedForApproval, submittedEvt.Type)
	assert.Less(t, changed.Sequence, submittedEvt.Sequence)
	assert.JSONEq(t, `{"from":"Medium","to":"High","requiresApproval":true,"source":"risk-service"}`, string(changed.Payload))
}

type fakeChecklist struct {
	status peers.ChecklistStatus
	err    error
}

func (f fakeChecklist) Status(context.Context, string) (peers.ChecklistStatus, error) {
	return f.status, f.err
}

func TestChecklistGate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.RequireChecklist = true
	it := env.create(t, domain.RiskLow)
	_, err := env.Engine.Assign(env.Ctx, it.ID, admin, "A", "")
	require.NoError(t, err)
	_, err = env.Engine.StartReview(env.Ctx, it.ID, reviewer)
	require.NoError(t, err)

	env.Engine.Checklist = fakeChecklist{status: peers.ChecklistStatus{Complete: false, Pending: []string{"selfie"}}}
	_, err = env.Engine.Complete(env.Ctx, it.ID, reviewer, "")
	assert.True(t, errs.Is(err, errs.CodeValidation))
	assert.Contains(t, err.Error(), "selfie")

	env.Engine.Checklist = fakeChecklist{err: errs.New(errs.CodeTransient, "503")}
	_, err = env.Engine.Complete(env.Ctx, it.ID, reviewer, "")
	assert.True(t, errs.Is(err, errs.CodeDependencyUnavailable))

	env.Engine.Checklist = fakeChecklist{status: peers.ChecklistStatus{Complete: true}}
	done, err := env.Engine.Complete(env.Ctx, it.ID, reviewer, "all good")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestComments(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.RiskLow)

	_, err := env.Engine.AddComment(env.Ctx, it.ID, plain, "  ")
	assert.True(t, errs.Is(err, errs.CodeValidation))

	c, err := env.Engine.AddComment(env.Ctx, it.ID, plain, " called the applicant ")
	require.NoError(t, err)
	assert.Equal(t, "called the applicant", c.Text)

	_, err = env.Engine.AddComment(env.Ctx, "missing", plain, "hello")
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	got, err := env.Repo.Get(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	hist, err := env.Repo.History(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestCreateRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, reviewer, engine.CreateOptions{ApplicationID: "app-9"})
	assert.True(t, errs.Is(err, errs.CodeForbidden))
	_, err = env.Engine.Create(env.Ctx, admin, engine.CreateOptions{})
	assert.True(t, errs.Is(err, errs.CodeValidation))
	_, err = env.Engine.Create(env.Ctx, admin, engine.CreateOptions{ApplicationID: "x", RiskLevel: "Extreme"})
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestUpdateRiskLevelAndCancel(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.RiskLow)

	_, err := env.Engine.UpdateRiskLevel(env.Ctx, it.ID, manager, domain.RiskHigh, "")
	assert.True(t, errs.Is(err, errs.CodeForbidden))
	it, err = env.Engine.UpdateRiskLevel(env.Ctx, it.ID, admin, domain.RiskHigh, "")
	require.NoError(t, err)
	assert.True(t, it.RequiresApproval)

	it, err = env.Engine.Cancel(env.Ctx, it.ID, manager, "duplicate application")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, it.Status)

	_, err = env.Engine.MarkForRefresh(env.Ctx, it.ID, admin, "")
	assert.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestGetMissingItem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Assign(env.Ctx, "nope", admin, "A", "")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}
