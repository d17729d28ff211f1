package workflow

import "errors"

var (
	ErrDefinitionStoreRequired = errors.New("workflow definition store is required")
	ErrRunStoreRequired        = errors.New("workflow run store is required")
	ErrInvokerRequired         = errors.New("action invoker is required")
	ErrDefinitionRequired      = errors.New("workflow definition is required")
	ErrDefinitionInvalid       = errors.New("workflow definition is invalid")
	ErrDefinitionNotFound      = errors.New("workflow definition not found")
	ErrRunNotFound             = errors.New("workflow run not found")
	ErrRunExists               = errors.New("workflow run already exists for trigger")
	ErrRunTransitionConflict   = errors.New("workflow run is not in the expected state")
	ErrRunNotDeadLettered      = errors.New("workflow run is not dead-lettered")
	ErrRunLeaseLost            = errors.New("workflow run lease is held by another executor")
	ErrStepConflict            = errors.New("workflow step is not in the expected state")
	ErrTemplatePath            = errors.New("template path not found")
	ErrTemplateSyntax          = errors.New("malformed template")
	ErrEventWriterRequired     = errors.New("emit-event requires an event writer")
	ErrUnknownActionType       = errors.New("unknown action type")
)
