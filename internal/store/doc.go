// Package store provides SQLite-backed durable storage for the settlement
// core.
//
// Tables:
//   - accounts + ledger_events: prepaid balances with an append-only event log
//   - idempotency_keys: request fingerprint -> first response (safe retries)
//   - credit_lines / credit_positions / credit_events: credit line state plus
//     its append-only transition log
//   - margin_calls / collateral_locks: credit line risk records
//   - windows / window_leaves: time-boxed receipt batches for inclusion proofs
//   - nettings / default_cases: signed records retained for audit
//
// # Critical Patterns
//
// Atomic check-and-update
//   - Every mutation of shared state runs inside one transaction (WithTx);
//     a debit checks the balance and applies the delta in the same step.
//
// Constraint-backed idempotency
//   - UNIQUE(request_hash) on idempotency_keys
//   - Partial UNIQUE(credit_line_id, window_id) on ACCRUE credit events
//   - UNIQUE(window_id, leaf_hash) on window leaves
//     A retry hits the constraint and the caller replays the stored result.
//
// Append-only event logs
//   - ledger_events and credit_events are never updated or deleted; current
//     state is a fold over the log, which doubles as a consistency check.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - Single connection: one writer, exactly-one-winner mutation semantics
//
// All content-addressed identities are computed in internal/canonical using
// canonical encoding and BLAKE3 with domain separation.
package store
