package tsumugi_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/autonomy"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

var (
	tc     *testutil.TestContainer
	testDB *storage.DB
)

func TestMain(m *testing.M) {
	tc = testutil.MustStartPostgres()

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

type sinkRecorder struct {
	mu  sync.Mutex
	got []tsumugi.Notification
}

func (r *sinkRecorder) Deliver(_ context.Context, n tsumugi.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *sinkRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Type)
	}
	return out
}

func newApp(t *testing.T, opts ...tsumugi.Option) *tsumugi.App {
	t.Helper()
	opts = append([]tsumugi.Option{
		tsumugi.WithDatabaseURL(tc.DSN),
		tsumugi.WithLogger(testutil.TestLogger()),
		tsumugi.WithVersion("test"),
	}, opts...)
	app, err := tsumugi.New(opts...)
	require.NoError(t, err)
	return app
}

func newTeam(t *testing.T) testutil.Fixture {
	t.Helper()
	f, err := testutil.CreateTeam(context.Background(), testDB, testutil.TeamSpec{
		Name:          "support",
		Department:    model.DepartmentSupport,
		AutonomyLevel: model.AutonomySupervised,
		NotifyUserIDs: []string{"lead@example.com"},
	})
	require.NoError(t, err)
	return f
}

func TestNotificationSinkReceivesApprovalEvents(t *testing.T) {
	sink := &sinkRecorder{}
	app := newApp(t, tsumugi.WithNotificationSink(sink))
	defer func() { _ = app.Close() }()
	f := newTeam(t)

	_, err := app.Autonomy().QueueForApproval(context.Background(), autonomy.QueueInput{
		WorkspaceID: f.WorkspaceID,
		TeamID:      &f.Team.ID,
		ActionType:  "process_refund",
		ActionData:  map[string]any{"amount": 40},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{tsumugi.NotificationPendingApproval, tsumugi.NotificationCriticalAction}, sink.types())
	sink.mu.Lock()
	n := sink.got[0]
	sink.mu.Unlock()
	assert.Equal(t, f.WorkspaceID, n.WorkspaceID)
	assert.Equal(t, []string{"lead@example.com"}, n.TargetUserIDs)
	assert.Equal(t, "critical", n.Metadata["riskLevel"])
}

func TestRunFansOutNotificationsAndStops(t *testing.T) {
	app := newApp(t)
	f := newTeam(t)
	sub := app.Subscribe()
	defer app.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// The broker starts listening asynchronously; re-emit until one arrives.
	require.Eventually(t, func() bool {
		err := app.Autonomy().SetAutonomyLevel(context.Background(), f.WorkspaceID, f.Team.ID,
			model.AutonomySemiAutonomous, "admin")
		if err != nil {
			return false
		}
		select {
		case ev := <-sub:
			return string(ev.Type) == tsumugi.NotificationAutonomyLevelChanged && ev.WorkspaceID == f.WorkspaceID
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSweepExpiresApprovals(t *testing.T) {
	app := newApp(t)
	defer func() { _ = app.Close() }()
	f := newTeam(t)
	ctx := context.Background()

	_, err := app.Autonomy().QueueForApproval(ctx, autonomy.QueueInput{
		WorkspaceID: f.WorkspaceID,
		TeamID:      &f.Team.ID,
		ActionType:  "update_ticket",
		ExpiresIn:   time.Millisecond,
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	report, err := app.Sweep(ctx, &f.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}
