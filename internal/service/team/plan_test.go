package team

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func member(name string, role model.MemberRole, priority int, caps ...string) model.TeamMember {
	id := uuid.New()
	return model.TeamMember{
		AgentID:  id,
		Role:     role,
		Priority: priority,
		Agent:    model.Agent{ID: id, Name: name, Status: model.AgentStatusActive, Capabilities: caps},
	}
}

func names(ms []model.TeamMember) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Agent.Name
	}
	return out
}

func TestPlanExecutionOrdersRoles(t *testing.T) {
	members := []model.TeamMember{
		member("helper", model.RoleSupport, 0),
		member("second", model.RoleSpecialist, 2),
		member("lead", model.RoleCoordinator, 5),
		member("first", model.RoleSpecialist, 1),
	}
	p := planExecution(members, nil)

	require.NotNil(t, p.coordinator)
	assert.Equal(t, "lead", p.coordinator.Agent.Name)
	assert.Equal(t, []string{"first", "second"}, names(p.specialists))
	assert.Equal(t, []string{"helper"}, names(p.support))
	assert.Equal(t, []string{"lead", "first", "second", "helper"}, names(p.involved()))
}

func TestPlanExecutionSkipsByCapability(t *testing.T) {
	members := []model.TeamMember{
		member("crm", model.RoleSpecialist, 1, "crm"),
		member("email", model.RoleSpecialist, 2, "email"),
		member("both", model.RoleSpecialist, 3, "crm", "email"),
	}
	p := planExecution(members, []string{"crm"})
	assert.Equal(t, []string{"crm", "both"}, names(p.specialists))
	assert.Equal(t, []string{"email"}, names(p.skipped))
	assert.Nil(t, p.coordinator)
}

func TestPlanExecutionDropsInactiveAgents(t *testing.T) {
	lead := member("lead", model.RoleCoordinator, 1)
	lead.Agent.Status = model.AgentStatusInactive
	spec := member("spec", model.RoleSpecialist, 1)
	sup := member("sup", model.RoleSupport, 1)
	sup.Agent.Status = model.AgentStatusInactive

	p := planExecution([]model.TeamMember{lead, spec, sup}, nil)
	assert.Nil(t, p.coordinator)
	assert.Equal(t, []string{"spec"}, names(p.involved()))
}
