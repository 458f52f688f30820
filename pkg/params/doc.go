// Package params defines the model parameter state exchanged between clients
// and the coordinator.
//
// A [State] is an ordered mapping from parameter name to a dense float64
// [Tensor]. Two states are compatible when they hold the same parameter names
// and every parameter has the same shape in both; aggregation only ever
// combines compatible states.
//
// # Blob Format
//
// States travel over the wire and rest on disk in a small self-describing
// little-endian encoding:
//
//	magic   "FEDP"
//	version uint16
//	count   uint32
//	count x {
//	    nameLen uint16, name []byte
//	    rank    uint8,  dims [rank]uint32
//	    data    [prod(dims)]float64
//	}
//
// Entries are written in the state's key order, so encoding is deterministic.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// See version.go for version constants that can be used programmatically.
package params
