// Package ledger records which clients contributed to which training round.
//
// The ledger maps a round number to the contributions received for it, keyed
// internally by client ID: recording the same client twice for one round
// replaces the earlier entry in place, so duplicates never accumulate.
// Entries are never deleted.
//
// # Persistence
//
// [FileLedger] keeps the full ledger in memory and mirrors it to a single JSON
// file of the form
//
//	{
//	  "1": [
//	    {"client_id": "a", "dataset_size": 3, "timestamp": "..."}
//	  ]
//	}
//
// Every mutation is serialized through one lock and rewrites the whole file
// with a temp-file-then-rename, so no partial record is ever visible on disk
// or to readers. A file that fails to parse is reported as [ErrCorrupt] and is
// never partially recovered.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// See version.go for version constants that can be used programmatically.
package ledger
