// Package admin exposes the operator surface of the orchestrator: listing and
// replaying dead-lettered outbox records and escalated workflow runs,
// toggling workflow definitions, inspecting run history and health.
//
// Service holds the operations; Handler mounts them on a fiber router under
// /v1/admin.
package admin
