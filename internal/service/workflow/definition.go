package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// Definition is a workflow as written in a definition file.
type Definition struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     model.Trigger        `json:"trigger" yaml:"trigger"`
	Steps       []model.WorkflowStep `json:"steps" yaml:"steps"`
}

// ParseDefinition decodes a workflow definition. Input starting with '{' is
// read as JSON, anything else as YAML. Unknown fields are rejected.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Definition{}, fmt.Errorf("workflow: empty definition: %w", model.ErrInvalidInput)
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return Definition{}, fmt.Errorf("workflow: parse json definition: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return Definition{}, fmt.Errorf("workflow: parse yaml definition: %w", err)
		}
	}
	normalizeValues(&def)
	return def, nil
}

// normalizeValues rewrites YAML-decoded values into the shapes JSON decoding
// produces, so conditions and inputs behave the same for either format.
func normalizeValues(def *Definition) {
	def.Trigger.Config = normalizeMap(def.Trigger.Config)
	for i := range def.Steps {
		def.Steps[i].Inputs = normalizeMap(def.Steps[i].Inputs)
		for j := range def.Steps[i].Conditions {
			def.Steps[i].Conditions[j].Value = normalize(def.Steps[i].Conditions[j].Value)
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return normalizeMap(x)
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return v
}

// Validate checks that def is executable: it has a name and at least one
// step, step ids are unique, routing targets exist, every step is bound to an
// agent and an action, operators are known, and retry and timeout values are
// non-negative. All problems are reported together.
func Validate(def Definition) error {
	var errs []error
	if def.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !validTrigger(def.Trigger.Type) {
		errs = append(errs, fmt.Errorf("unknown trigger type %q", def.Trigger.Type))
	}
	if len(def.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("step %d: id is required", i))
			continue
		}
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("step %q: duplicate id", s.ID))
		}
		ids[s.ID] = true
	}

	for _, s := range def.Steps {
		if s.ID == "" {
			continue
		}
		if s.AgentID == uuid.Nil {
			errs = append(errs, fmt.Errorf("step %q: agentId is required", s.ID))
		}
		if s.Action == "" {
			errs = append(errs, fmt.Errorf("step %q: action is required", s.ID))
		}
		if s.OnSuccess != "" && !ids[s.OnSuccess] {
			errs = append(errs, fmt.Errorf("step %q: onSuccess target %q does not exist", s.ID, s.OnSuccess))
		}
		if s.OnFailure != "" && !ids[s.OnFailure] {
			errs = append(errs, fmt.Errorf("step %q: onFailure target %q does not exist", s.ID, s.OnFailure))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("step %q: timeout must not be negative", s.ID))
		}
		if rc := s.RetryConfig; rc != nil && (rc.MaxAttempts < 0 || rc.BackoffMs < 0) {
			errs = append(errs, fmt.Errorf("step %q: retryConfig values must not be negative", s.ID))
		}
		for j, c := range s.Conditions {
			if c.Field == "" {
				errs = append(errs, fmt.Errorf("step %q: condition %d: field is required", s.ID, j))
			}
			if !c.Operator.Valid() {
				errs = append(errs, fmt.Errorf("step %q: condition %d: unknown operator %q", s.ID, j, c.Operator))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("workflow: invalid definition: %w: %w", model.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

func validTrigger(t model.TriggerType) bool {
	switch t {
	case "", model.TriggerManual, model.TriggerEvent, model.TriggerSchedule, model.TriggerWebhook:
		return true
	}
	return false
}

// Workflow converts def into a storable workflow for workspaceID.
func (def Definition) Workflow(workspaceID uuid.UUID, status model.WorkflowStatus) model.Workflow {
	trigger := def.Trigger
	if trigger.Type == "" {
		trigger.Type = model.TriggerManual
	}
	return model.Workflow{
		WorkspaceID: workspaceID,
		Name:        def.Name,
		Description: def.Description,
		Steps:       def.Steps,
		Trigger:     trigger,
		Status:      status,
	}
}
