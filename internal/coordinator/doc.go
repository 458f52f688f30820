// Package coordinator drives the per-round aggregation state machine.
//
// A round moves WAITING_FOR_CLIENTS -> AGGREGATING -> {COMMITTED, FAILED}.
// Aggregation is triggered explicitly by an operator through Aggregate; it is
// never started automatically on a quota. Failed rounds stay retryable.
//
// Uploads that land while a round is aggregating are recorded in the ledger
// but do not affect the run in flight. They are picked up only by a later
// re-aggregation of that round.
package coordinator
