// Package api implements the HTTP REST API and WebSocket server of the
// device registry.
//
// This package provides:
//   - REST endpoints for device provisioning, entity management and value writes
//   - a WebSocket hub that pushes state, status and discovery events per tenant
//   - bearer JWT authentication with ticket-based WebSocket auth
//   - a middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Tenancy
//
// The tenant comes from the token's tenant_id claim and nothing else.
// A device or entity owned by another tenant is reported as not_found, the
// same as one that does not exist.
//
// # Errors
//
// Every error response carries a stable code (missing_field, invalid_value,
// duplicate_device, quota_exceeded, locked, ...). Unclassified failures are
// logged and returned as internal_error without detail.
package api
