// Package mysql provides the durable persistence layer backed by MySQL.
// A single Store owns the connection pool and implements the storage
// interfaces of the registry, session, policy, operator, and orchestrator
// packages, with schema migrations applied automatically on startup and
// row-level locks guarding every state transition.
package mysql
