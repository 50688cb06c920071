// Package testutil provides shared test infrastructure for integration tests
// that require a Postgres container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres 17 container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "tsumugi",
			"POSTGRES_PASSWORD": "tsumugi",
			"POSTGRES_DB":       "tsumugi",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://tsumugi:tsumugi@%s:%s/tsumugi?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

// MustStartNATS starts a NATS server container and returns it with a client
// URL in DSN. Calls os.Exit(1) on failure.
func MustStartNATS() *TestContainer {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start nats: %v\n", err)
		os.Exit(1)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get nats host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get nats port: %v\n", err)
		os.Exit(1)
	}
	return &TestContainer{Container: container, DSN: fmt.Sprintf("nats://%s:%s", host, port.Port())}
}

// NewTestDB creates a storage.DB connected to this container and runs all
// migrations. The DB also holds a dedicated LISTEN connection.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger, storage.WithApplicationName("tsumugi-test"), storage.WithMaxConns(8))
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Fixture is a provisioned workspace for service-level tests: one team with a
// coordinator and the requested specialists and support agents.
type Fixture struct {
	WorkspaceID uuid.UUID
	Team        model.Team
	Coordinator *model.Agent
	Specialists []model.Agent
	Support     []model.Agent
}

// AgentSpec describes one agent to provision.
type AgentSpec struct {
	Name         string
	Type         string
	Capabilities []string
	Priority     int
}

// TeamSpec describes a team to provision. A nil Coordinator adds none.
type TeamSpec struct {
	Name          string
	Department    model.Department
	AutonomyLevel model.AutonomyLevel

	// ApprovalRequired lists action types that always need review.
	ApprovalRequired []string
	NotifyUserIDs    []string
	Coordinator      *AgentSpec
	Specialists      []AgentSpec
	Support          []AgentSpec
}

// CreateTeam provisions a fresh workspace with one team and its members.
func CreateTeam(ctx context.Context, db *storage.DB, spec TeamSpec) (Fixture, error) {
	f := Fixture{WorkspaceID: uuid.New()}
	team, err := db.CreateTeam(ctx, model.Team{
		WorkspaceID:      f.WorkspaceID,
		Name:             spec.Name,
		Department:       spec.Department,
		AutonomyLevel:    spec.AutonomyLevel,
		ApprovalRequired: spec.ApprovalRequired,
		NotifyUserIDs:    spec.NotifyUserIDs,
	})
	if err != nil {
		return Fixture{}, err
	}
	f.Team = team

	add := func(as AgentSpec, role model.MemberRole) (model.Agent, error) {
		agent, err := db.CreateAgent(ctx, model.Agent{
			WorkspaceID:  f.WorkspaceID,
			Name:         as.Name,
			Type:         as.Type,
			Capabilities: as.Capabilities,
		})
		if err != nil {
			return model.Agent{}, err
		}
		if _, err := db.AddTeamMember(ctx, model.TeamMember{
			TeamID: team.ID, AgentID: agent.ID, Role: role, Priority: as.Priority,
		}); err != nil {
			return model.Agent{}, err
		}
		return agent, nil
	}

	if spec.Coordinator != nil {
		a, err := add(*spec.Coordinator, model.RoleCoordinator)
		if err != nil {
			return Fixture{}, err
		}
		f.Coordinator = &a
	}
	for _, s := range spec.Specialists {
		a, err := add(s, model.RoleSpecialist)
		if err != nil {
			return Fixture{}, err
		}
		f.Specialists = append(f.Specialists, a)
	}
	for _, s := range spec.Support {
		a, err := add(s, model.RoleSupport)
		if err != nil {
			return Fixture{}, err
		}
		f.Support = append(f.Support, a)
	}
	return f, nil
}
