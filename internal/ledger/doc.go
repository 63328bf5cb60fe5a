// Package ledger records the final outcome of every confirmed execution so
// that support can triage withdrawals whose on-chain leg succeeded while the
// payout failed. Records are append-only; memory, MySQL and SQLite backends
// share the same schema from deploy/migrations.
package ledger
