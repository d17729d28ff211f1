// Package zap adapts go.uber.org/zap to the orchestrator log.Logger interface.
package zap
