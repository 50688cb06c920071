package messaging_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

var (
	testDB  *storage.DB
	testBus *messaging.Service
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx := context.Background()
	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "messaging test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db
	testBus = messaging.New(db, testutil.TestLogger())

	code := m.Run()
	db.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func salesTeam(t *testing.T) testutil.Fixture {
	t.Helper()
	f, err := testutil.CreateTeam(context.Background(), testDB, testutil.TeamSpec{
		Name:        "sales-" + uuid.NewString()[:8],
		Department:  model.DepartmentSales,
		Coordinator: &testutil.AgentSpec{Name: "Lead", Type: "coordinator"},
		Specialists: []testutil.AgentSpec{
			{Name: "Prospector", Type: "prospecting", Priority: 1},
			{Name: "Closer", Type: "closing", Priority: 2},
		},
	})
	require.NoError(t, err)
	return f
}

func TestSendDirectIsDelivered(t *testing.T) {
	ctx := context.Background()
	f := salesTeam(t)
	from, to := f.Coordinator.ID, f.Specialists[0].ID

	msg, err := testBus.Send(ctx, messaging.SendInput{
		WorkspaceID: f.WorkspaceID, FromAgentID: &from, ToAgentID: &to,
		Type: model.MessageTypeTask, Content: model.MessageContent{Subject: "Call Acme", Body: "today"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, msg.Status)
	assert.Equal(t, msg.ID, msg.ThreadID, "new message seeds its own thread")
	require.NotNil(t, msg.DeliveredAt)

	n, err := testBus.UnreadCount(ctx, f.WorkspaceID, to)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendWithoutRecipientStaysPending(t *testing.T) {
	ctx := context.Background()
	f := salesTeam(t)

	msg, err := testBus.Send(ctx, messaging.SendInput{
		WorkspaceID: f.WorkspaceID, TeamID: &f.Team.ID,
		Type: model.MessageTypeStatus, Content: model.MessageContent{Subject: "standup"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessagePending, msg.Status)
	assert.Nil(t, msg.DeliveredAt)
}

func TestSendRequiresType(t *testing.T) {
	_, err := testBus.Send(context.Background(), messaging.SendInput{WorkspaceID: uuid.New()})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestBroadcastSkipsSender(t *testing.T) {
	ctx := context.Background()
	f := salesTeam(t)
	from := f.Coordinator.ID

	ids, err := testBus.Broadcast(ctx, messaging.BroadcastInput{
		WorkspaceID: f.WorkspaceID, TeamID: f.Team.ID, FromAgentID: &from,
		Content: model.MessageContent{Subject: "Q4 push"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, err := testDB.GetMessage(ctx, f.WorkspaceID, ids[0])
	require.NoError(t, err)
	thread, err := testBus.Thread(ctx, f.WorkspaceID, first.ThreadID)
	require.NoError(t, err)
	assert.Len(t, thread, 2)
	for _, m := range thread {
		assert.Equal(t, model.MessageDelivered, m.Status)
		assert.Equal(t, model.MessageTypeContext, m.Type)
		assert.NotEqual(t, from, *m.ToAgentID)
	}
}

func TestBroadcastEmptyTeam(t *testing.T) {
	ctx := context.Background()
	f, err := testutil.CreateTeam(ctx, testDB, testutil.TeamSpec{Name: "empty"})
	require.NoError(t, err)

	ids, err := testBus.Broadcast(ctx, messaging.BroadcastInput{WorkspaceID: f.WorkspaceID, TeamID: f.Team.ID})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReplyJoinsThreadAndAnswersSender(t *testing.T) {
	ctx := context.Background()
	f := salesTeam(t)
	lead, closer := f.Coordinator.ID, f.Specialists[1].ID

	orig, err := testBus.Send(ctx, messaging.SendInput{
		WorkspaceID: f.WorkspaceID, FromAgentID: &lead, ToAgentID: &closer,
		Type: model.MessageTypeQuery, Content: model.MessageContent{Subject: "status?"},
	})
	require.NoError(t, err)

	reply, err := testBus.Reply(ctx, f.WorkspaceID, orig.ID, closer, model.MessageContent{Subject: "signed"})
	require.NoError(t, err)
	assert.Equal(t, orig.ThreadID, reply.ThreadID)
	assert.Equal(t, model.MessageTypeResult, reply.Type)
	require.NotNil(t, reply.ToAgentID)
	assert.Equal(t, lead, *reply.ToAgentID)
	assert.Equal(t, orig.ID, *reply.ParentMessageID)

	// The original sender replying goes back to the recipient.
	again, err := testBus.Reply(ctx, f.WorkspaceID, reply.ID, lead, model.MessageContent{Subject: "great"})
	require.NoError(t, err)
	assert.Equal(t, closer, *again.ToAgentID)
	assert.Equal(t, orig.ThreadID, again.ThreadID)

	thread, err := testBus.Thread(ctx, f.WorkspaceID, orig.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, orig.ID, thread[0].ID)
	assert.Equal(t, again.ID, thread[2].ID)
}

func TestReplyMissingMessage(t *testing.T) {
	_, err := testBus.Reply(context.Background(), uuid.New(), uuid.New(), uuid.New(), model.MessageContent{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusTransitionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := salesTeam(t)
	to := f.Specialists[0].ID

	var ids []uuid.UUID
	for range 3 {
		m, err := testBus.Send(ctx, messaging.SendInput{
			WorkspaceID: f.WorkspaceID, ToAgentID: &to, Type: model.MessageTypeContext,
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	require.NoError(t, testBus.Acknowledge(ctx, f.WorkspaceID, ids[0]))
	require.NoError(t, testBus.MarkAsRead(ctx, f.WorkspaceID, ids[0]), "read after processed is a no-op")
	require.NoError(t, testBus.MarkAsRead(ctx, f.WorkspaceID, ids[1]))
	require.NoError(t, testBus.MarkAsRead(ctx, f.WorkspaceID, ids[1]))

	n, err := testBus.MarkMultipleAsRead(ctx, f.WorkspaceID, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the delivered message moves")

	first, err := testDB.GetMessage(ctx, f.WorkspaceID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MessageProcessed, first.Status)

	unread, err := testBus.UnreadCount(ctx, f.WorkspaceID, to)
	require.NoError(t, err)
	assert.Zero(t, unread)

	inbox, err := testBus.Messages(ctx, f.WorkspaceID, to, model.MessageFilter{Status: model.MessageRead})
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
}
