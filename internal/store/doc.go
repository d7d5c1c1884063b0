// Package store provides durable storage for runs, steps, step metrics,
// candidates and outcomes, backed by SQLite (default) or PostgreSQL.
//
// # Ingestion
//
// Every ingest is one transaction: a step, its metrics row, and all of its
// candidate and outcome rows are written together or not at all.
//
// Idempotency keys:
//   - runs: run_id
//   - steps and step_metrics: step_id
//   - candidates: (step_id, candidate_type, candidate_id)
//   - outcomes: (step_id, candidate_type, candidate_id, outcome)
//
// Redelivery of an identical payload is a no-op (detected by payload hash).
// A changed payload overwrites mutable fields with the last delivered values.
//
// # Terminal-State Protection
//
//   - running -> success|error is allowed
//   - a running delivery for a terminal record is acknowledged as stale
//   - a terminal delivery with the same status updates fields
//   - a terminal delivery with a different status is a STORAGE_CONFLICT
//
// The guard runs twice: once against the row read at the start of the
// transaction, and again in the upsert's WHERE clause, so a concurrent writer
// that commits in between cannot flip a terminal status.
//
// # Deterministic Query Results
//
// Listings order by a timestamp and then the id with byte collation, so
// equal timestamps never produce an unstable order.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
