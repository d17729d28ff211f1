//go:build unit

package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		Name:             "activate-engagement",
		TriggerEventType: "contract.signed",
		Actions: []ActionSpec{
			{Type: ActionCreateEntity, TargetDomain: "projects", Operation: "project"},
			{
				Type:         ActionInvokeOperation,
				TargetDomain: "billing",
				Operation:    "create_invoice_schedule",
				Parameters:   map[string]any{"projectId": "{{steps.0.projectId}}"},
			},
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	require.NoError(t, validDefinition().Validate())

	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"missing name", func(d *Definition) { d.Name = "" }},
		{"bad trigger", func(d *Definition) { d.TriggerEventType = "ContractSigned" }},
		{"no actions", func(d *Definition) { d.Actions = nil }},
		{"unknown action type", func(d *Definition) { d.Actions[0].Type = "run-script" }},
		{"missing domain", func(d *Definition) { d.Actions[0].TargetDomain = "" }},
		{"missing operation", func(d *Definition) { d.Actions[0].Operation = "" }},
		{"unknown operator", func(d *Definition) {
			d.Conditions = []Condition{{Path: "value", Op: "matches", Value: ".*"}}
		}},
		{"in without list", func(d *Definition) {
			d.Conditions = []Condition{{Path: "region", Op: OpIn, Value: "eu"}}
		}},
		{"emit-event with bad type", func(d *Definition) {
			d.Actions = append(d.Actions, ActionSpec{Type: ActionEmitEvent, Operation: "Project Archived"})
		}},
		{"forward step reference", func(d *Definition) {
			d.Actions[0].Parameters = map[string]any{"x": "{{steps.1.scheduleId}}"}
		}},
		{"forward step reference in idempotency key", func(d *Definition) {
			d.Actions[1].IdempotencyKeyTemplate = "schedule-{{steps.1.scheduleId}}"
		}},
		{"unknown template root", func(d *Definition) {
			d.Actions[0].Parameters = map[string]any{"x": "{{env.HOME}}"}
		}},
		{"unbalanced template", func(d *Definition) {
			d.Actions[0].IdempotencyKeyTemplate = "{{trigger.contractId"
		}},
		{"negative retry", func(d *Definition) { d.RetryPolicy.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			definition := validDefinition()
			tt.mutate(definition)

			assert.ErrorIs(t, definition.Validate(), ErrDefinitionInvalid)
		})
	}

	var nilDefinition *Definition
	assert.ErrorIs(t, nilDefinition.Validate(), ErrDefinitionRequired)
}

func TestDefinition_IdempotencyKeyMayUseEarlierSteps(t *testing.T) {
	definition := validDefinition()
	definition.Actions[1].IdempotencyKeyTemplate = "schedule-{{steps.0.projectId}}-{{trigger.contractId}}"

	require.NoError(t, definition.Validate())
}

func TestDefinition_EmitEventNeedsNoDomain(t *testing.T) {
	definition := validDefinition()
	definition.Actions = append(definition.Actions, ActionSpec{
		Type:       ActionEmitEvent,
		Operation:  "project.archive_requested",
		Parameters: map[string]any{"projectId": "{{steps.0.projectId}}"},
	})

	require.NoError(t, definition.Validate())
}

func TestActionSpec_OperationName(t *testing.T) {
	assert.Equal(t, "create.project", ActionSpec{Type: ActionCreateEntity, Operation: "project"}.OperationName())
	assert.Equal(t, "close", ActionSpec{Type: ActionInvokeOperation, Operation: "close"}.OperationName())
}

func TestRetryPolicy_Defaults(t *testing.T) {
	policy := RetryPolicy{}.Policy()

	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.Backoff.Initial)
	assert.Equal(t, 5*time.Minute, policy.Backoff.Max)
}

func TestCondition_Evaluate(t *testing.T) {
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"contractId": "C1",
		"value": 1200,
		"region": "eu-west",
		"tags": ["priority", "renewal"],
		"client": {"tier": "gold", "since": "2021-03-01"},
		"note": null
	}`), &payload))

	tests := []struct {
		condition Condition
		want      bool
	}{
		{Condition{Path: "contractId", Op: OpEq, Value: "C1"}, true},
		{Condition{Path: "contractId", Op: OpNe, Value: "C1"}, false},
		{Condition{Path: "value", Op: OpEq, Value: 1200}, true},
		{Condition{Path: "value", Op: OpGt, Value: 1000}, true},
		{Condition{Path: "value", Op: OpGte, Value: 1200.0}, true},
		{Condition{Path: "value", Op: OpLt, Value: 1200}, false},
		{Condition{Path: "value", Op: OpLte, Value: 1200}, true},
		{Condition{Path: "value", Op: OpGt, Value: "1000"}, false},
		{Condition{Path: "client.since", Op: OpLt, Value: "2022-01-01"}, true},
		{Condition{Path: "client.tier", Op: OpIn, Value: []any{"gold", "platinum"}}, true},
		{Condition{Path: "client.tier", Op: OpIn, Value: []any{"silver"}}, false},
		{Condition{Path: "tags", Op: OpContains, Value: "renewal"}, true},
		{Condition{Path: "region", Op: OpContains, Value: "eu"}, true},
		{Condition{Path: "client", Op: OpContains, Value: "tier"}, true},
		{Condition{Path: "tags.0", Op: OpEq, Value: "priority"}, true},
		{Condition{Path: "note", Op: OpExists}, true},
		{Condition{Path: "missing", Op: OpExists}, false},
		{Condition{Path: "missing", Op: OpNotExists}, true},
		{Condition{Path: "missing", Op: OpNe, Value: "x"}, false},
		{Condition{Path: "client.tier.deeper", Op: OpExists}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.condition.Evaluate(payload), "%s %s %v", tt.condition.Path, tt.condition.Op, tt.condition.Value)
	}
}

func TestDefinition_MatchesAndsConditions(t *testing.T) {
	definition := validDefinition()
	definition.Conditions = []Condition{
		{Path: "contractId", Op: OpExists},
		{Path: "value", Op: OpGt, Value: 0},
	}

	assert.True(t, definition.Matches(map[string]any{"contractId": "C1", "value": 5}))
	assert.False(t, definition.Matches(map[string]any{"contractId": "C1", "value": 0}))
	assert.False(t, definition.Matches(map[string]any{"value": 5}))
}

func TestRender(t *testing.T) {
	scope := map[string]any{
		"trigger": map[string]any{"contractId": "C1", "value": 1200.0, "lines": []any{"a", "b"}},
		"steps":   []any{map[string]any{"projectId": "P-C1"}},
		"run":     map[string]any{"tenantId": "tenant-a"},
	}

	rendered, err := RenderParameters(map[string]any{
		"projectId": "{{ steps.0.projectId }}",
		"value":     "{{trigger.value}}",
		"lines":     "{{trigger.lines}}",
		"memo":      "contract {{trigger.contractId}} worth {{trigger.value}}",
		"nested":    map[string]any{"tenant": "{{run.tenantId}}", "list": []any{"{{trigger.contractId}}", 3}},
		"literal":   true,
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, "P-C1", rendered["projectId"])
	assert.Equal(t, 1200.0, rendered["value"])
	assert.Equal(t, []any{"a", "b"}, rendered["lines"])
	assert.Equal(t, "contract C1 worth 1200", rendered["memo"])
	assert.Equal(t, map[string]any{"tenant": "tenant-a", "list": []any{"C1", 3}}, rendered["nested"])
	assert.Equal(t, true, rendered["literal"])

	_, err = RenderParameters(map[string]any{"x": "{{steps.1.projectId}}"}, scope)
	assert.ErrorIs(t, err, ErrTemplatePath)

	key, err := RenderString("{{trigger.contractId}}-{{run.tenantId}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "C1-tenant-a", key)
}

func TestRun_Terminal(t *testing.T) {
	next := time.Now()

	assert.True(t, (&Run{Status: RunCompleted}).Terminal())
	assert.True(t, (&Run{Status: RunFailed, Escalated: true}).Terminal())
	assert.False(t, (&Run{Status: RunFailed, NextAttemptAt: &next}).Terminal())
	assert.True(t, (&Run{Status: RunFailed, NextAttemptAt: &next}).AwaitingRetry())
	assert.False(t, (&Run{Status: RunRunning}).Terminal())
}

func TestRun_Due(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Second)

	assert.True(t, (&Run{Status: RunFailed, NextAttemptAt: &past}).Due(now))
	assert.True(t, (&Run{Status: RunPending, NextAttemptAt: &now}).Due(now))
	assert.False(t, (&Run{Status: RunFailed, NextAttemptAt: &future}).Due(now))
	assert.False(t, (&Run{Status: RunFailed, Escalated: true}).Due(now))
	assert.False(t, (&Run{Status: RunRunning, LeaseExpiresAt: &future}).Due(now))
	assert.True(t, (&Run{Status: RunRunning, LeaseExpiresAt: &now}).Due(now))
	assert.True(t, (&Run{Status: RunRunning}).Due(now))
	assert.False(t, (&Run{Status: RunCompleted, LeaseExpiresAt: &past}).Due(now))
}
