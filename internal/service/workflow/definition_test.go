package workflow

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const agentA = "7b0e9d3c-1f2a-4c5b-8d6e-9f0a1b2c3d4e"

const yamlDefinition = `
name: lead-qualification
description: Research then score an inbound lead
trigger:
  type: event
  config:
    event: lead.created
steps:
  - id: research
    name: Research Lead
    agentId: ` + agentA + `
    action: research_company
    inputs:
      depth: 2
      sources: [web, crm]
    onSuccess: score
    retryConfig:
      maxAttempts: 3
      backoffMs: 500
  - id: score
    name: Score
    agentId: ` + agentA + `
    action: score_lead
    timeout: 30000
    conditions:
      - field: research_lead.employees
        operator: greater_than
        value: 50
`

const jsonDefinition = `{
  "name": "lead-qualification",
  "trigger": {"type": "event", "config": {"event": "lead.created"}},
  "steps": [
    {"id": "research", "name": "Research Lead", "agentId": "` + agentA + `", "action": "research_company",
     "inputs": {"depth": 2, "sources": ["web", "crm"]}, "onSuccess": "score",
     "retryConfig": {"maxAttempts": 3, "backoffMs": 500}},
    {"id": "score", "name": "Score", "agentId": "` + agentA + `", "action": "score_lead", "timeout": 30000,
     "conditions": [{"field": "research_lead.employees", "operator": "greater_than", "value": 50}]}
  ]
}`

func TestParseDefinitionYAMLAndJSONAgree(t *testing.T) {
	fromYAML, err := ParseDefinition([]byte(yamlDefinition))
	require.NoError(t, err)
	fromJSON, err := ParseDefinition([]byte(jsonDefinition))
	require.NoError(t, err)

	assert.Equal(t, "lead-qualification", fromYAML.Name)
	assert.Equal(t, model.TriggerEvent, fromYAML.Trigger.Type)
	require.Len(t, fromYAML.Steps, 2)
	assert.Equal(t, uuid.MustParse(agentA), fromYAML.Steps[0].AgentID)
	assert.Equal(t, 3, fromYAML.Steps[0].MaxAttempts())
	assert.Equal(t, float64(2), fromYAML.Steps[0].Inputs["depth"])
	assert.Equal(t, float64(50), fromYAML.Steps[1].Conditions[0].Value)

	assert.Equal(t, fromJSON.Steps, fromYAML.Steps)
	assert.Equal(t, fromJSON.Trigger, fromYAML.Trigger)
	require.NoError(t, Validate(fromYAML))
}

func TestParseDefinitionRejectsUnknownFields(t *testing.T) {
	_, err := ParseDefinition([]byte("name: x\nsteps: []\nretries: 3\n"))
	require.Error(t, err)

	_, err = ParseDefinition([]byte(`{"name": "x", "steps": [], "retries": 3}`))
	require.Error(t, err)

	_, err = ParseDefinition([]byte("   \n"))
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestValidate(t *testing.T) {
	agent := uuid.New()
	valid := func() Definition {
		return Definition{
			Name: "wf",
			Steps: []model.WorkflowStep{
				{ID: "a", AgentID: agent, Action: "do", OnSuccess: "b"},
				{ID: "b", AgentID: agent, Action: "do"},
			},
		}
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name    string
		mutate  func(*Definition)
		message string
	}{
		{"missing name", func(d *Definition) { d.Name = "" }, "name is required"},
		{"no steps", func(d *Definition) { d.Steps = nil }, "at least one step"},
		{"duplicate id", func(d *Definition) { d.Steps[1].ID = "a"; d.Steps[0].OnSuccess = "" }, "duplicate id"},
		{"missing agent", func(d *Definition) { d.Steps[0].AgentID = uuid.Nil }, "agentId is required"},
		{"missing action", func(d *Definition) { d.Steps[1].Action = "" }, "action is required"},
		{"dangling onSuccess", func(d *Definition) { d.Steps[0].OnSuccess = "zzz" }, `onSuccess target "zzz"`},
		{"dangling onFailure", func(d *Definition) { d.Steps[0].OnFailure = "zzz" }, `onFailure target "zzz"`},
		{"negative timeout", func(d *Definition) { d.Steps[0].Timeout = -1 }, "timeout must not be negative"},
		{"bad operator", func(d *Definition) {
			d.Steps[0].Conditions = []model.Condition{{Field: "x", Operator: "like"}}
		}, "unknown operator"},
		{"bad trigger", func(d *Definition) { d.Trigger.Type = "cron" }, "unknown trigger type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid()
			tt.mutate(&def)
			err := Validate(def)
			require.ErrorIs(t, err, model.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestDefinitionWorkflowDefaultsTrigger(t *testing.T) {
	ws := uuid.New()
	wf := Definition{Name: "wf"}.Workflow(ws, model.WorkflowActive)
	assert.Equal(t, ws, wf.WorkspaceID)
	assert.Equal(t, model.TriggerManual, wf.Trigger.Type)
	assert.Equal(t, model.WorkflowActive, wf.Status)
}
