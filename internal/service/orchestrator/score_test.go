package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func TestScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Hour)
	stale := now.Add(-48 * time.Hour)

	tests := []struct {
		name     string
		agent    model.Agent
		taskType string
		required []string
		want     int
	}{
		{"bare agent", model.Agent{Type: "support"}, "research", nil, 50},
		{"type match", model.Agent{Type: "research"}, "research", nil, 80},
		{"half capabilities", model.Agent{Capabilities: []string{"crm"}}, "", []string{"crm", "email"}, 50 + 10 + 10},
		{"all capabilities", model.Agent{Capabilities: []string{"crm", "email"}}, "", []string{"crm", "email"}, 50 + 20 + 10},
		{"tools only", model.Agent{Tools: []string{"browser"}}, "", nil, 60},
		{"recent", model.Agent{LastExecutedAt: &recent}, "", nil, 60},
		{"stale", model.Agent{LastExecutedAt: &stale}, "", nil, 50},
		{"everything", model.Agent{
			Type: "research", Capabilities: []string{"crm"}, LastExecutedAt: &recent,
		}, "research", []string{"crm"}, 50 + 30 + 20 + 10 + 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Score(tt.agent, tt.taskType, tt.required, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScoreReasons(t *testing.T) {
	_, reasons := Score(model.Agent{Type: "research", Capabilities: []string{"crm"}}, "research", []string{"crm", "web"}, time.Now())
	assert.Equal(t, []string{"type match", "1/2 capabilities", "declares tooling"}, reasons)
}

func TestConfidenceCapsAtHundred(t *testing.T) {
	assert.Equal(t, 80, confidence(80))
	assert.Equal(t, 100, confidence(100))
	assert.Equal(t, 100, confidence(120))
}
