// Package server implements the HTTP server of pushdeploy.
//
// This package provides:
//   - GitHub webhook endpoint handling with HMAC signature verification
//   - The deployment API: history, active deployments, cancel, manual deploys
//   - Live deployment logs over server-sent events and WebSocket
//   - Per-IP rate limiting, request logging and Prometheus metrics
//
// The server integrates with other packages:
//   - internal/service: configured services and push matching
//   - internal/deployment: the orchestrator that runs deployments
//   - internal/webhook: signature verification and push decoding
//
// Webhook checks, in order:
//   - Payload size limit (1MB max)
//   - Content-Type validation (application/json)
//   - Non-empty body
//   - HMAC-SHA256 signature, when a secret is configured
//   - Event type (ping answered, other non-push events ignored)
//   - Delivery de-duplication
package server
