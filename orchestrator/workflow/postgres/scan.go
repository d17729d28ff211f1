package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*workflow.Definition, error) {
	var (
		definition                      workflow.Definition
		conditions, actions, retryValue []byte
	)

	if err := row.Scan(
		&definition.ID,
		&definition.Name,
		&definition.Version,
		&definition.TriggerEventType,
		&conditions,
		&actions,
		&retryValue,
		&definition.Enabled,
		&definition.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditions, &definition.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}

	if err := json.Unmarshal(actions, &definition.Actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}

	if err := json.Unmarshal(retryValue, &definition.RetryPolicy); err != nil {
		return nil, fmt.Errorf("decode retry policy: %w", err)
	}

	return &definition, nil
}

func scanDefinitions(rows *sql.Rows) ([]*workflow.Definition, error) {
	defer rows.Close()

	var definitions []*workflow.Definition

	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating definitions: %w", err)
	}

	return definitions, nil
}

func scanRun(row scanner) (*workflow.Run, error) {
	var (
		run                                 workflow.Run
		payload, meta                       []byte
		status                              string
		errText                             sql.NullString
		nextAttempt, startedAt, completedAt sql.NullTime
		leaseToken                          uuid.NullUUID
		leaseExpiresAt                      sql.NullTime
	)

	if err := row.Scan(
		&run.ID,
		&run.DefinitionID,
		&run.DefinitionName,
		&run.DefinitionVersion,
		&run.TenantID,
		&run.TriggerEventID,
		&run.TriggerEventType,
		&payload,
		&meta,
		&run.CorrelationID,
		&status,
		&run.Attempts,
		&nextAttempt,
		&run.Escalated,
		&leaseToken,
		&leaseExpiresAt,
		&errText,
		&startedAt,
		&completedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &run.TriggerPayload); err != nil {
		return nil, fmt.Errorf("decode trigger payload: %w", err)
	}

	if err := json.Unmarshal(meta, &run.TriggerMeta); err != nil {
		return nil, fmt.Errorf("decode trigger meta: %w", err)
	}

	run.Status = workflow.RunStatus(status)
	run.Error = errText.String
	run.NextAttemptAt = timePtr(nextAttempt)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.LeaseExpiresAt = timePtr(leaseExpiresAt)

	if leaseToken.Valid {
		run.LeaseToken = leaseToken.UUID
	}

	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*workflow.Run, error) {
	defer rows.Close()

	var runs []*workflow.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	return runs, nil
}

func scanStep(row scanner) (*workflow.RunStep, error) {
	var (
		step                  workflow.RunStep
		actionType, status    string
		result                []byte
		errText               sql.NullString
		startedAt, finishedAt sql.NullTime
	)

	if err := row.Scan(
		&step.ID,
		&step.RunID,
		&step.ActionIndex,
		&actionType,
		&status,
		&result,
		&errText,
		&step.AttemptCount,
		&step.IdempotencyKey,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if len(result) > 0 {
		if err := json.Unmarshal(result, &step.Result); err != nil {
			return nil, fmt.Errorf("decode step result: %w", err)
		}
	}

	step.ActionType = workflow.ActionType(actionType)
	step.Status = workflow.StepStatus(status)
	step.Error = errText.String
	step.FinishedAt = timePtr(finishedAt)

	if startedAt.Valid {
		step.StartedAt = startedAt.Time.UTC()
	}

	return &step, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

func nonNilConditions(conditions []workflow.Condition) []workflow.Condition {
	if conditions == nil {
		return []workflow.Condition{}
	}

	return conditions
}
