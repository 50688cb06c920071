package autonomy

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		actionType string
		data       map[string]any
		want       model.RiskLevel
	}{
		{"read is low", "read_contact", nil, model.RiskLow},
		{"list is low", "list_deals", nil, model.RiskLow},
		{"update is medium", "update_crm_record", nil, model.RiskMedium},
		{"send email is high", "send_email", nil, model.RiskHigh},
		{"payment is critical", "process_payment", nil, model.RiskCritical},
		{"case insensitive", "Bulk_Delete_Contacts", nil, model.RiskCritical},
		{"unknown defaults to medium", "frobnicate", nil, model.RiskMedium},
		{"critical tier checked first", "delete_all_leads", nil, model.RiskCritical},
		{"any delete substring is critical", "undelete_note", nil, model.RiskCritical},
		{"remove is high", "remove_tag", nil, model.RiskHigh},
		{"bulk count escalates one tier", "list_deals", map[string]any{"count": 50}, model.RiskMedium},
		{"count at threshold does not escalate", "list_deals", map[string]any{"count": 10}, model.RiskLow},
		{"external recipient forces high", "read_contact", map[string]any{"externalRecipient": true}, model.RiskHigh},
		{"toExternal forces high", "draft_reply", map[string]any{"toExternal": "yes"}, model.RiskHigh},
		{"false external flag ignored", "read_contact", map[string]any{"externalRecipient": false}, model.RiskLow},
		{"amount forces critical", "send_email", map[string]any{"amount": 500}, model.RiskCritical},
		{"value forces critical", "read_contact", map[string]any{"value": 1.5}, model.RiskCritical},
		{"zero amount ignored", "read_contact", map[string]any{"amount": 0}, model.RiskLow},
		{"json number amount", "read_contact", map[string]any{"amount": json.Number("20")}, model.RiskCritical},
		{"delete flag forces high", "update_crm_record", map[string]any{"delete": true}, model.RiskHigh},
		{"destroy flag never lowers", "process_payment", map[string]any{"destroy": true}, model.RiskCritical},
		{"escalation stops at critical", "process_payment", map[string]any{"count": 100}, model.RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.actionType, tt.data)
			assert.Equal(t, tt.want, got.RiskLevel)
			assert.NotEmpty(t, got.Reasons)
		})
	}
}

func TestClassifyReasons(t *testing.T) {
	t.Parallel()
	c := Classify("send_email", map[string]any{"amount": 500, "count": 20})
	require.Len(t, c.Reasons, 3)
	assert.Contains(t, c.Reasons[0], `"send_email"`)
	assert.Contains(t, c.Reasons[1], "20 items")
	assert.Contains(t, c.Reasons[2], "amount of 500")

	c = Classify("mystery", nil)
	assert.Contains(t, c.Reasons[0], "defaulting to medium")
}

// A pattern containing an earlier tier's pattern could never be the match.
func TestTierPatternsReachable(t *testing.T) {
	t.Parallel()
	for i, later := range tiers {
		for _, earlier := range tiers[:i] {
			for _, p := range later.patterns {
				for _, q := range earlier.patterns {
					assert.False(t, strings.Contains(p, q),
						"%s pattern %q contains %s pattern %q", later.level, p, earlier.level, q)
				}
			}
		}
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	team := func(level model.AutonomyLevel, always ...string) *model.Team {
		return &model.Team{Name: "ops", AutonomyLevel: level, ApprovalRequired: always}
	}
	tests := []struct {
		name string
		team *model.Team
		risk model.RiskLevel
		want bool
	}{
		{"no team low", nil, model.RiskLow, false},
		{"no team medium", nil, model.RiskMedium, true},
		{"supervised low", team(model.AutonomySupervised), model.RiskLow, true},
		{"semi low", team(model.AutonomySemiAutonomous), model.RiskLow, false},
		{"semi medium", team(model.AutonomySemiAutonomous), model.RiskMedium, true},
		{"autonomous high", team(model.AutonomyAutonomous), model.RiskHigh, false},
		{"autonomous critical", team(model.AutonomyAutonomous), model.RiskCritical, true},
		{"explicit list overrides autonomous", team(model.AutonomyAutonomous, "read_contact"), model.RiskLow, true},
		{"unknown level fails safe", team("freewheeling"), model.RiskLow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := decide(tt.team, "read_contact", tt.risk)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestPolicyCache(t *testing.T) {
	c := NewPolicyCache(time.Minute)
	defer c.Close()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	team := model.Team{ID: uuid.New(), AutonomyLevel: model.AutonomySupervised}
	_, ok := c.Get(team.ID)
	assert.False(t, ok)

	c.Set(team)
	got, ok := c.Get(team.ID)
	require.True(t, ok)
	assert.Equal(t, model.AutonomySupervised, got.AutonomyLevel)

	c.Invalidate(team.ID)
	_, ok = c.Get(team.ID)
	assert.False(t, ok, "invalidated entry should miss")

	c.Set(team)
	now = now.Add(2 * time.Minute)
	_, ok = c.Get(team.ID)
	assert.False(t, ok, "entry should have expired")

	c.evictExpired()
	c.mu.RLock()
	assert.Empty(t, c.entries)
	c.mu.RUnlock()
}

func TestPolicyCacheDisabled(t *testing.T) {
	c := NewPolicyCache(0)
	defer c.Close()
	team := model.Team{ID: uuid.New()}
	c.Set(team)
	_, ok := c.Get(team.ID)
	assert.False(t, ok)
	c.Close()
}
