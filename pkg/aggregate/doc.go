// Package aggregate implements weighted federated averaging (FedAvg) over
// parameter states.
//
// [FedAvg] is a pure function: it never mutates its inputs and its result
// depends only on the states, the weights and their order. Callers that need
// reproducible results across runs should pass inputs in a stable order, for
// example sorted by client ID.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package aggregate
