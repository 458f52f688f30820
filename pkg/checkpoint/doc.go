// Package checkpoint persists versioned global model snapshots and recovers
// the training round counter after a restart.
//
// Each committed round R is stored as its own durable snapshot, and a "latest"
// alias mirrors the highest committed round. Both are written through a
// [weightstore.FileStore], so every file replace is atomic. Commits publish
// the round snapshot first and move "latest" only afterwards, and a commit for
// a round below the current latest is refused, so "latest" never moves
// backwards and readers never observe a partially written snapshot.
//
// The round counter is never stored on its own. [FileManager.Resume] derives
// it from the snapshots present on disk: the next round is one past the
// highest committed round.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// See version.go for version constants that can be used programmatically.
package checkpoint
