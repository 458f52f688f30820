// Package weightstore provides durable blob storage for client-submitted
// weights and global model snapshots.
//
// Blobs are addressed by a [Key] of (owner, round): a client ID and the round
// it contributed to, or the reserved "global" owner for aggregated snapshots.
// A key maps deterministically to a [Ref], the opaque handle recorded by the
// round ledger and used to read the blob back.
//
// # Durability
//
// [FileStore.Put] streams into a temporary file in the target directory,
// fsyncs it, renames it over the final name and fsyncs the directory before
// returning. A returned Ref therefore always points at a complete blob, and a
// concurrent reader sees either the previous blob or the new one.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// See version.go for version constants that can be used programmatically.
package weightstore
