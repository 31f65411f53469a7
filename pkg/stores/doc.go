// Package stores persists imctl history in SQLite: every plan the
// orchestrator produced, each execution of a plan with its per-step
// results, and an audit trail of CLI actions. Migrations are embedded and
// applied with golang-migrate.
package stores
