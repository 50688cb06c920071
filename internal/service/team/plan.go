package team

import (
	"slices"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// plan is the execution order for one team run.
type plan struct {
	coordinator *model.TeamMember
	specialists []model.TeamMember
	skipped     []model.TeamMember // specialists without a required capability
	support     []model.TeamMember
}

// planExecution orders a team's active members into the three role tiers.
// Specialists run in ascending priority; when required is non-empty a
// specialist sharing none of those capabilities is skipped. Inactive agents
// never run.
func planExecution(members []model.TeamMember, required []string) plan {
	ordered := slices.Clone(members)
	slices.SortStableFunc(ordered, func(a, b model.TeamMember) int { return a.Priority - b.Priority })

	var p plan
	for _, m := range ordered {
		if !m.Agent.IsActive() {
			continue
		}
		switch m.Role {
		case model.RoleCoordinator:
			if p.coordinator == nil {
				c := m
				p.coordinator = &c
			}
		case model.RoleSpecialist:
			if m.Agent.HasAnyCapability(required) {
				p.specialists = append(p.specialists, m)
			} else {
				p.skipped = append(p.skipped, m)
			}
		case model.RoleSupport:
			p.support = append(p.support, m)
		}
	}
	return p
}

// involved lists the agents the plan will dispatch to, in execution order.
func (p plan) involved() []model.TeamMember {
	var out []model.TeamMember
	if p.coordinator != nil {
		out = append(out, *p.coordinator)
	}
	out = append(out, p.specialists...)
	return append(out, p.support...)
}
