// Package harness runs YAML settlement scenarios against a real service
// and compares the resulting trace to golden files.
//
// A scenario is a sequence of steps (fund an agent, submit receipts, net
// a batch, draw on a credit line, trigger a default) plus assertions on
// the final ledger and credit state. The runner executes the steps
// against an in-memory SQLite store with a deterministic clock and fixed
// keys, so the same scenario produces the same trace run after run.
//
// Traces deliberately record semantic outcomes only: amounts,
// obligations, statuses and recovery rates. Content hashes and record
// ids never appear, so golden files stay readable and stable; hash and
// signature integrity is covered by the domain package tests.
//
// To regenerate golden files after an intentional behavior change:
//
//	go test ./internal/harness -update
package harness
