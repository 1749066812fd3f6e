// Package storage provides the durable key-value layer used by the service.
//
// It currently supports:
//   - Session records keyed by session ID
//   - The ordered list of active session IDs (restored on startup)
//   - Audit log appends (operator actions)
package storage
