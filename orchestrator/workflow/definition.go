package workflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/retry"
)

// ActionType is the closed set of actions a definition may run.
type ActionType string

const (
	// ActionCreateEntity calls the domain operation "create.<Operation>".
	ActionCreateEntity ActionType = "create-entity"
	// ActionInvokeOperation calls Operation on TargetDomain as-is.
	ActionInvokeOperation ActionType = "invoke-domain-operation"
	// ActionEmitEvent appends an outbox event of type Operation whose payload
	// is the rendered Parameters. Compensation is modelled with it.
	ActionEmitEvent ActionType = "emit-event"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateEntity, ActionInvokeOperation, ActionEmitEvent:
		return true
	default:
		return false
	}
}

// Operator compares a payload value with a condition value.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpIn        Operator = "in"
	OpContains  Operator = "contains"
)

// Condition is a predicate over a dotted payload path.
type Condition struct {
	Path  string   `json:"path"            validate:"required,max=256"`
	Op    Operator `json:"op"              validate:"required,oneof=eq ne gt gte lt lte exists not_exists in contains"`
	Value any      `json:"value,omitempty"`
}

// ActionSpec is one step of a definition. Parameters may contain
// "{{trigger.x}}", "{{event.x}}", "{{steps.N.x}}" and "{{run.x}}" templates.
type ActionSpec struct {
	Type                   ActionType     `json:"type"                             validate:"required,oneof=create-entity invoke-domain-operation emit-event"`
	TargetDomain           string         `json:"targetDomain,omitempty"           validate:"required_unless=Type emit-event,max=64"`
	Operation              string         `json:"operation"                        validate:"required,max=128"`
	Parameters             map[string]any `json:"parameters,omitempty"`
	IdempotencyKeyTemplate string         `json:"idempotencyKeyTemplate,omitempty" validate:"max=256"`
}

// OperationName is the domain operation the action calls.
func (action ActionSpec) OperationName() string {
	if action.Type == ActionCreateEntity {
		return "create." + action.Operation
	}

	return action.Operation
}

// RetryPolicy bounds run retries. Zero fields take the defaults of
// retry.DefaultPolicy.
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts"    validate:"gte=0,lte=100"`
	InitialBackoff time.Duration `json:"initialBackoff" validate:"gte=0"`
	Multiplier     float64       `json:"multiplier"     validate:"gte=0"`
	MaxBackoff     time.Duration `json:"maxBackoff"     validate:"gte=0"`
}

// Policy converts p for the retry manager.
func (p RetryPolicy) Policy() retry.Policy {
	return retry.NewPolicy(p.MaxAttempts, p.InitialBackoff, p.Multiplier, p.MaxBackoff)
}

// Definition is a published, versioned workflow. Only Enabled changes after
// publication.
type Definition struct {
	ID               uuid.UUID    `json:"id"`
	Name             string       `json:"name"             validate:"required,max=128"`
	Version          int          `json:"version"`
	TriggerEventType string       `json:"triggerEventType" validate:"required,event_type"`
	Conditions       []Condition  `json:"conditions"       validate:"dive"`
	Actions          []ActionSpec `json:"actions"          validate:"required,min=1,max=64,dive"`
	RetryPolicy      RetryPolicy  `json:"retryPolicy"`
	Enabled          bool         `json:"enabled"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Matches evaluates the conditions in order against payload.
func (definition *Definition) Matches(payload map[string]any) bool {
	if definition == nil {
		return false
	}

	for _, condition := range definition.Conditions {
		if !condition.Evaluate(payload) {
			return false
		}
	}

	return true
}

var (
	definitionValidator     *validator.Validate
	definitionValidatorOnce sync.Once
	definitionValidatorErr  error
)

func getValidator() (*validator.Validate, error) {
	definitionValidatorOnce.Do(func() {
		vld := validator.New(validator.WithRequiredStructEnabled())

		if err := vld.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			return outbox.ValidEventType(fl.Field().String())
		}); err != nil {
			definitionValidatorErr = fmt.Errorf("register 'event_type': %w", err)
			return
		}

		definitionValidator = vld
	})

	return definitionValidator, definitionValidatorErr
}

// Validate checks the definition before publication. Every failure wraps
// ErrDefinitionInvalid.
func (definition *Definition) Validate() error {
	if definition == nil {
		return ErrDefinitionRequired
	}

	vld, err := getValidator()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDefinitionInvalid, err)
	}

	if err := vld.Struct(definition); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			fe := fieldErrors[0]
			return fmt.Errorf("%w: %s failed '%s'", ErrDefinitionInvalid, fe.Namespace(), fe.Tag())
		}

		return fmt.Errorf("%w: %w", ErrDefinitionInvalid, err)
	}

	for i, condition := range definition.Conditions {
		if condition.Op == OpIn {
			if _, ok := condition.Value.([]any); !ok {
				return fmt.Errorf("%w: conditions[%d]: 'in' needs a list value", ErrDefinitionInvalid, i)
			}
		}
	}

	for i, action := range definition.Actions {
		if action.Type == ActionEmitEvent && !outbox.ValidEventType(action.Operation) {
			return fmt.Errorf("%w: actions[%d]: emit-event operation %q is not an event type",
				ErrDefinitionInvalid, i, action.Operation)
		}

		if err := checkTemplates(action.Parameters); err != nil {
			return fmt.Errorf("%w: actions[%d]: %w", ErrDefinitionInvalid, i, err)
		}

		if err := checkTemplates(action.IdempotencyKeyTemplate); err != nil {
			return fmt.Errorf("%w: actions[%d]: %w", ErrDefinitionInvalid, i, err)
		}

		refs := append(stepReferences(action.Parameters), stepReferences(action.IdempotencyKeyTemplate)...)

		for _, ref := range refs {
			if ref >= i {
				return fmt.Errorf("%w: actions[%d] references steps.%d, which has not run yet",
					ErrDefinitionInvalid, i, ref)
			}
		}
	}

	return nil
}

// Normalize trims the name and trigger in place.
func (definition *Definition) Normalize() {
	if definition == nil {
		return
	}

	definition.Name = strings.TrimSpace(definition.Name)
	definition.TriggerEventType = strings.TrimSpace(definition.TriggerEventType)
}
