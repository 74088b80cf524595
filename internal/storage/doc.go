// Package storage persists the delivery subsystem's collections: the
// outbound message queue, the append-only status ledger, raw webhook
// payloads and the entity reference cache.
//
// Two drivers are available: "memory" for tests and dry runs, and
// "sqlite" (pure Go, modernc.org/sqlite) for durable deployments.
package storage
