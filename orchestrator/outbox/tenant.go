package outbox

import (
	"context"
	"strings"
)

type tenantIDContextKey string

// TenantIDContextKey carries the tenant id used by Writer and Dispatcher.
const TenantIDContextKey tenantIDContextKey = "outbox.tenant_id"

// TenantDiscoverer lists tenants that have claimable records.
type TenantDiscoverer interface {
	DiscoverTenants(ctx context.Context) ([]string, error)
}

// ContextWithTenantID returns a context carrying tenantID.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, TenantIDContextKey, strings.TrimSpace(tenantID))
}

// TenantIDFromContext reads the tenant id from ctx.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, ok := ctx.Value(TenantIDContextKey).(string)
	if !ok || strings.TrimSpace(tenantID) == "" {
		return "", false
	}

	return strings.TrimSpace(tenantID), true
}

func nonEmptyTenants(tenants []string) []string {
	result := make([]string, 0, len(tenants))
	seen := make(map[string]struct{}, len(tenants))

	for _, tenantID := range tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			continue
		}

		if _, dup := seen[tenantID]; dup {
			continue
		}

		seen[tenantID] = struct{}{}
		result = append(result, tenantID)
	}

	return result
}
