package invoker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrRegistryRequired         = errors.New("invoker registry is required")
	ErrDomainRequired           = errors.New("domain is required")
	ErrOperationRequired        = errors.New("operation is required")
	ErrHandlerRequired          = errors.New("operation handler is required")
	ErrOperationRegistered      = errors.New("operation already registered")
	ErrUnknownOperation         = errors.New("unknown domain operation")
	ErrInvalidResult            = errors.New("operation result must be JSON-encodable")
	ErrIdempotencyKeyRequired   = errors.New("idempotency key is required")
	ErrResultCacheNotConfigured = errors.New("result cache is not configured")
)

// Request is a single domain operation call.
type Request struct {
	TenantID       string
	Domain         string
	Operation      string
	Parameters     map[string]any
	IdempotencyKey string
}

// OperationHandler performs a domain operation. It must treat a repeated
// IdempotencyKey as the same request.
type OperationHandler func(ctx context.Context, req Request) (map[string]any, error)

type operationKey struct {
	domain    string
	operation string
}

// Registry maps (domain, operation) pairs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[operationKey]OperationHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[operationKey]OperationHandler)}
}

// Register binds handler to domain and operation.
func (registry *Registry) Register(domain, operation string, handler OperationHandler) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	key, err := newOperationKey(domain, operation)
	if err != nil {
		return err
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[operationKey]OperationHandler)
	}

	if _, exists := registry.handlers[key]; exists {
		return fmt.Errorf("%w: %s.%s", ErrOperationRegistered, key.domain, key.operation)
	}

	registry.handlers[key] = handler

	return nil
}

// Lookup returns the handler for domain and operation.
func (registry *Registry) Lookup(domain, operation string) (OperationHandler, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	key, err := newOperationKey(domain, operation)
	if err != nil {
		return nil, err
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[key]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, key.domain, key.operation)
	}

	return handler, nil
}

// Has reports whether domain and operation are registered.
func (registry *Registry) Has(domain, operation string) bool {
	_, err := registry.Lookup(domain, operation)

	return err == nil
}

// Operations lists registered operations as "domain.operation", sorted.
func (registry *Registry) Operations() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	ops := make([]string, 0, len(registry.handlers))
	for key := range registry.handlers {
		ops = append(ops, key.domain+"."+key.operation)
	}

	sort.Strings(ops)

	return ops
}

func newOperationKey(domain, operation string) (operationKey, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return operationKey{}, ErrDomainRequired
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		return operationKey{}, ErrOperationRequired
	}

	return operationKey{domain: domain, operation: operation}, nil
}
