package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
	"github.com/ashita-ai/tsumugi/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

func TestRunMigrationsIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestAgentsOrderedByExecutionCount(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()

	quiet, err := testDB.CreateAgent(ctx, model.Agent{WorkspaceID: ws, Name: "quiet", Type: "research"})
	require.NoError(t, err)
	busy, err := testDB.CreateAgent(ctx, model.Agent{WorkspaceID: ws, Name: "busy", Type: "research"})
	require.NoError(t, err)
	retired, err := testDB.CreateAgent(ctx, model.Agent{WorkspaceID: ws, Name: "retired", Type: "research"})
	require.NoError(t, err)
	require.NoError(t, testDB.SetAgentStatus(ctx, ws, retired.ID, model.AgentStatusInactive))

	now := time.Now().UTC()
	require.NoError(t, testDB.RecordAgentExecution(ctx, busy.ID, now))
	require.NoError(t, testDB.RecordAgentExecution(ctx, busy.ID, now))

	agents, err := testDB.ListActiveAgents(ctx, ws)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, busy.ID, agents[0].ID)
	assert.Equal(t, int64(2), agents[0].ExecutionCount)
	require.NotNil(t, agents[0].LastExecutedAt)
	assert.Equal(t, quiet.ID, agents[1].ID)

	_, err = testDB.GetAgent(ctx, uuid.New(), busy.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTeamMembersOrderedByPriority(t *testing.T) {
	ctx := context.Background()
	f, err := testutil.CreateTeam(ctx, testDB, testutil.TeamSpec{
		Name:        "sales",
		Department:  model.DepartmentSales,
		Coordinator: &testutil.AgentSpec{Name: "lead", Type: "coordinator", Priority: 0},
		Specialists: []testutil.AgentSpec{
			{Name: "closer", Type: "sales", Priority: 2},
			{Name: "prospector", Type: "sales", Priority: 1},
		},
	})
	require.NoError(t, err)

	members, err := testDB.ListTeamMembers(ctx, f.Team.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "lead", members[0].Agent.Name)
	assert.Equal(t, "prospector", members[1].Agent.Name)
	assert.Equal(t, "closer", members[2].Agent.Name)

	require.NoError(t, testDB.RecordTeamExecution(ctx, f.Team.ID, true))
	require.NoError(t, testDB.RecordTeamExecution(ctx, f.Team.ID, false))
	team, err := testDB.GetTeam(ctx, f.WorkspaceID, f.Team.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), team.TotalExecutions)
	assert.Equal(t, int64(1), team.SuccessfulExecutions)

	prev, err := testDB.SetTeamAutonomyLevel(ctx, f.WorkspaceID, f.Team.ID, model.AutonomyAutonomous)
	require.NoError(t, err)
	assert.Equal(t, model.AutonomySupervised, prev)

	_, err = testDB.AddTeamMember(ctx, model.TeamMember{
		TeamID: f.Team.ID, AgentID: f.Specialists[0].ID, Role: model.RoleSupport,
	})
	assert.ErrorIs(t, err, storage.ErrConflict, "an agent joins a team once")

	ids, err := testDB.ListWorkspaceIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, f.WorkspaceID)
}

func TestCreateWorkflowVersions(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	wf := model.Workflow{WorkspaceID: ws, Name: "onboarding", Steps: []model.WorkflowStep{{ID: "a"}}}

	first, err := testDB.CreateWorkflow(ctx, wf)
	require.NoError(t, err)
	second, err := testDB.CreateWorkflow(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	wf.Version = 2
	_, err = testDB.CreateWorkflow(ctx, wf)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestMemoryUpsertKeepsOneRowPerScopeKey(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	team := uuid.New()
	scope := model.MemoryScope{WorkspaceID: ws, TeamID: &team}

	first := model.SharedMemory{
		Scope: scope, Tier: model.TierShortTerm, Category: model.CategoryKnowledge,
		Key: "pricing", Value: map[string]any{"tier": "gold"}, Metadata: map[string]any{"source": "crm"},
	}
	id1, inserted, err := testDB.UpsertMemory(ctx, first, ptr(80))
	require.NoError(t, err)
	assert.True(t, inserted)

	second := first
	second.Value = "plain string value"
	second.Metadata = map[string]any{"editor": "agent-7"}
	id2, inserted, err := testDB.UpsertMemory(ctx, second, nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	got, err := testDB.GetMemoryByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "plain string value", got.Value)
	assert.Equal(t, 80, got.Importance, "importance is unchanged when not supplied")
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, "crm", got.Metadata["source"])
	assert.Equal(t, "agent-7", got.Metadata["editor"])

	// Workspace-scoped key with the same name is a different entry.
	_, inserted, err = testDB.UpsertMemory(ctx, model.SharedMemory{
		Scope: model.MemoryScope{WorkspaceID: ws}, Tier: model.TierLongTerm,
		Category: model.CategoryKnowledge, Key: "pricing", Value: 1,
	}, nil)
	require.NoError(t, err)
	assert.True(t, inserted)

	var rows int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM shared_memory WHERE workspace_id = $1 AND key = 'pricing'`, ws,
	).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestQueryMemoriesOrdersAndTracksAccess(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	for _, m := range []struct {
		key        string
		importance int
		expires    *time.Time
	}{
		{"low", 10, nil},
		{"high", 90, nil},
		{"mid", 50, nil},
		{"gone", 99, &past},
	} {
		_, _, err := testDB.UpsertMemory(ctx, model.SharedMemory{
			Scope: model.MemoryScope{WorkspaceID: ws}, Tier: model.TierShortTerm,
			Category: model.CategoryContext, Key: m.key, Value: m.key, ExpiresAt: m.expires,
		}, ptr(m.importance))
		require.NoError(t, err)
	}

	got, err := testDB.QueryMemories(ctx, model.MemoryQuery{WorkspaceID: ws}, now)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"high", "mid", "low"}, []string{got[0].Key, got[1].Key, got[2].Key})
	for _, m := range got {
		assert.Equal(t, 1, m.AccessCount)
		assert.NotNil(t, m.LastAccessedAt)
	}

	got, err = testDB.QueryMemories(ctx, model.MemoryQuery{WorkspaceID: ws, KeyContains: "i", MinImportance: 40}, now)
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, err = testDB.GetMemory(ctx, model.MemoryScope{WorkspaceID: ws}, "gone", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err := testDB.DeleteExpiredMemories(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
	deleted, err = testDB.DeleteExpiredMemories(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestPromoteMemoryGuarded(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	id, _, err := testDB.UpsertMemory(ctx, model.SharedMemory{
		Scope: model.MemoryScope{WorkspaceID: ws}, Tier: model.TierShortTerm,
		Category: model.CategoryPattern, Key: "habit", Value: true,
	}, ptr(75))
	require.NoError(t, err)

	ok, err := testDB.PromoteMemory(ctx, id, model.TierShortTerm, model.TierMediumTerm, 70, 3, nil)
	require.NoError(t, err)
	assert.False(t, ok, "access threshold not yet met")

	_, err = testDB.Pool().Exec(ctx, `UPDATE shared_memory SET access_count = 3 WHERE id = $1`, id)
	require.NoError(t, err)

	exp := time.Now().UTC().Add(model.MediumTermTTL)
	ok, err = testDB.PromoteMemory(ctx, id, model.TierShortTerm, model.TierMediumTerm, 70, 3, &exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.PromoteMemory(ctx, id, model.TierShortTerm, model.TierMediumTerm, 70, 3, &exp)
	require.NoError(t, err)
	assert.False(t, ok, "second promotion from the old tier is a no-op")
}

func TestCreateAgentRejectsMalformedCapabilities(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	_, err := testDB.CreateAgent(ctx, model.Agent{WorkspaceID: ws, Name: "bad", Type: "research", Capabilities: []string{"crm", "Lead Scoring"}})
	require.ErrorIs(t, err, model.ErrInvalidInput)

	agents, err := testDB.ListActiveAgents(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, agents)

	ok, err := testDB.CreateAgent(ctx, model.Agent{WorkspaceID: ws, Name: "good", Type: "research", Capabilities: []string{"crm", "lead-scoring"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"crm", "lead-scoring"}, ok.Capabilities)
}

func TestListPromotionCandidatesPagesByID(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	want := map[uuid.UUID]bool{}
	for i := range 3 {
		id, _, err := testDB.UpsertMemory(ctx, model.SharedMemory{
			Scope: model.MemoryScope{WorkspaceID: ws}, Tier: model.TierShortTerm,
			Category: model.CategoryPattern, Key: fmt.Sprintf("ready-%d", i), Value: i,
		}, ptr(80))
		require.NoError(t, err)
		want[id] = true
	}
	cold, _, err := testDB.UpsertMemory(ctx, model.SharedMemory{
		Scope: model.MemoryScope{WorkspaceID: ws}, Tier: model.TierShortTerm,
		Category: model.CategoryPattern, Key: "unread", Value: true,
	}, ptr(99))
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE shared_memory SET access_count = $2 WHERE workspace_id = $1 AND key LIKE 'ready-%'`,
		ws, model.PromoteToMediumAccesses)
	require.NoError(t, err)

	seen := map[uuid.UUID]bool{}
	after := uuid.Nil
	for {
		page, err := testDB.ListPromotionCandidates(ctx, time.Now().UTC(), after, 2)
		require.NoError(t, err)
		for i, m := range page {
			if i > 0 {
				assert.Less(t, page[i-1].ID.String(), m.ID.String())
			}
			if m.Scope.WorkspaceID == ws {
				seen[m.ID] = true
			}
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].ID
	}
	assert.Equal(t, want, seen)
	assert.False(t, seen[cold], "below the access threshold")
}

func TestAdvanceMessageStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	to := uuid.New()
	msg, err := testDB.InsertMessage(ctx, model.AgentMessage{
		WorkspaceID: ws, ToAgentID: &to, Type: model.MessageTypeTask,
		Content: model.MessageContent{Subject: "hi"}, ThreadID: uuid.New(), Status: model.MessageDelivered,
	})
	require.NoError(t, err)

	n, err := testDB.AdvanceMessageStatus(ctx, ws, []uuid.UUID{msg.ID}, model.MessageProcessed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = testDB.AdvanceMessageStatus(ctx, ws, []uuid.UUID{msg.ID}, model.MessageRead)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "never moves backwards")

	got, err := testDB.GetMessage(ctx, ws, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageProcessed, got.Status)
	assert.NotNil(t, got.ReadAt)
	assert.NotNil(t, got.ProcessedAt)

	unread, err := testDB.CountUnread(ctx, ws, to)
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
}

func TestInsertMessagesCopy(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	thread := uuid.New()
	var batch []model.AgentMessage
	for range 3 {
		to := uuid.New()
		batch = append(batch, model.AgentMessage{
			WorkspaceID: ws, ToAgentID: &to, Type: model.MessageTypeContext,
			Content: model.MessageContent{Subject: "objective"}, ThreadID: thread, Status: model.MessageDelivered,
		})
	}
	n, err := testDB.InsertMessages(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	thr, err := testDB.ListThread(ctx, ws, thread)
	require.NoError(t, err)
	assert.Len(t, thr, 3)
}

func TestUpdateExecutionOptimisticLock(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	wf, err := testDB.CreateWorkflow(ctx, model.Workflow{
		WorkspaceID: ws, Name: "onboard",
		Steps: []model.WorkflowStep{{ID: "a", Name: "A", AgentID: uuid.New(), Action: "greet"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, wf.Version)

	again, err := testDB.CreateWorkflow(ctx, model.Workflow{WorkspaceID: ws, Name: "onboard"})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)

	loaded, err := testDB.GetWorkflow(ctx, ws, wf.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "greet", loaded.Steps[0].Action)

	exec, err := testDB.CreateExecution(ctx, model.WorkflowExecution{
		WorkspaceID: ws, WorkflowID: wf.ID, Status: model.ExecutionRunning, CurrentStepID: "a", TotalSteps: 1,
	})
	require.NoError(t, err)

	stale := exec
	exec.Context["x"] = 1.0
	updated, err := testDB.UpdateExecution(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = testDB.UpdateExecution(ctx, stale)
	assert.ErrorIs(t, err, storage.ErrConflict)

	paused, applied, err := testDB.TransitionExecution(ctx, ws, exec.ID,
		[]model.ExecutionStatus{model.ExecutionRunning}, model.ExecutionPaused)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.ExecutionPaused, paused.Status)

	current, applied, err := testDB.TransitionExecution(ctx, ws, exec.ID,
		[]model.ExecutionStatus{model.ExecutionRunning}, model.ExecutionPaused)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.ExecutionPaused, current.Status)
}

func TestCompleteAgentTaskOnce(t *testing.T) {
	ctx := context.Background()
	task, err := testDB.CreateAgentTask(ctx, model.AgentTask{
		WorkspaceID: uuid.New(), AgentID: uuid.New(), Content: model.MessageContent{Subject: "work"},
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := testDB.CompleteAgentTask(ctx, task.ID, model.AgentTaskCompleted,
				map[string]any{"ok": true}, nil, time.Now().UTC())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestReviewPendingAction(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	now := time.Now().UTC()

	live, err := testDB.InsertPendingAction(ctx, model.PendingAction{
		WorkspaceID: ws, ActionType: "send_email", RiskLevel: model.RiskHigh,
		RiskReasons: []string{"external"}, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	got, outcome, err := testDB.ReviewPendingAction(ctx, storage.Review{
		WorkspaceID: ws, ActionID: live.ID, Approved: true, ReviewedBy: "ops@example.com", At: now,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ReviewApplied, outcome)
	assert.Equal(t, model.ActionApproved, got.Status)

	_, outcome, err = testDB.ReviewPendingAction(ctx, storage.Review{
		WorkspaceID: ws, ActionID: live.ID, Approved: false, ReviewedBy: "late", At: now,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ReviewNotPending, outcome)

	stale, err := testDB.InsertPendingAction(ctx, model.PendingAction{
		WorkspaceID: ws, ActionType: "refund", RiskLevel: model.RiskCritical, ExpiresAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	_, outcome, err = testDB.ReviewPendingAction(ctx, storage.Review{
		WorkspaceID: ws, ActionID: stale.ID, Approved: true, ReviewedBy: "ops", At: now,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ReviewExpired, outcome)

	reloaded, err := testDB.GetPendingAction(ctx, ws, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionExpired, reloaded.Status)

	entries, err := testDB.ListActionAudit(ctx, model.AuditFilter{WorkspaceID: ws})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].WasAutomatic)
	assert.True(t, entries[0].Success)
	assert.Equal(t, live.ID, *entries[0].PendingActionID)
}

func TestActionAuditIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	e, err := testDB.InsertActionAudit(ctx, model.ActionAuditEntry{
		WorkspaceID: uuid.New(), ActionType: "read_report", WasAutomatic: true,
		RiskLevel: model.RiskLow, Success: true,
	})
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE action_audit_log SET success = false WHERE id = $1`, e.ID)
	assert.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM action_audit_log WHERE id = $1`, e.ID)
	assert.Error(t, err)
}

func TestExpirePendingActionsSweep(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	now := time.Now().UTC()
	for _, exp := range []time.Time{now.Add(-time.Hour), now.Add(-time.Second), now.Add(time.Hour)} {
		_, err := testDB.InsertPendingAction(ctx, model.PendingAction{
			WorkspaceID: ws, ActionType: "update_record", RiskLevel: model.RiskMedium, ExpiresAt: exp,
		})
		require.NoError(t, err)
	}

	expired, err := testDB.ExpirePendingActions(ctx, &ws, now)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	n, err := testDB.CountPendingActions(ctx, ws, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, testDB.Listen(ctx, storage.ChannelNotifications))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelNotifications, `{"type":"test"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelNotifications, channel)
	assert.JSONEq(t, `{"type":"test"}`, payload)
}

func TestReconnectNotifyRelistens(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, testDB.Listen(ctx, storage.ChannelCompletions))
	require.NoError(t, testDB.ReconnectNotify(ctx))

	require.NoError(t, testDB.Notify(ctx, storage.ChannelCompletions, `{"task_id":"x"}`))
	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelCompletions, channel)
	assert.JSONEq(t, `{"task_id":"x"}`, payload)
}

func TestPoolOptionsApplied(t *testing.T) {
	ctx := context.Background()
	var name string
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT current_setting('application_name')`).Scan(&name))
	assert.Equal(t, "tsumugi-test", name)
	assert.Equal(t, int32(8), testDB.Pool().Config().MaxConns)
}
