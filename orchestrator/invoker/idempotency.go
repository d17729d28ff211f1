package invoker

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:lib-orchestrator:idempotency"))

// IdempotencyKey derives the key for one action of one run. It is stable
// across retries of the same step.
func IdempotencyKey(runID uuid.UUID, actionIndex int) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(runID.String()+":"+strconv.Itoa(actionIndex))).String()
}

// ComposeKey prefixes a rendered template key to the derived key.
func ComposeKey(prefix, derived string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return derived
	}

	return prefix + ":" + derived
}
