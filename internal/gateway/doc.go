// Package gateway exposes the coordinator over HTTP.
//
// Routes:
//
//	POST /api/upload-client-weights          multipart upload of a client blob
//	GET  /api/get-global-model               chunked stream of the latest checkpoint
//	GET  /api/server-status                  next round, latest round, ledger counts
//	GET  /api/rounds/{round}                 derived round state
//	GET  /api/rounds/{round}/contributions   ledger entries for a round
//	POST /api/rounds/{round}/aggregate       operator trigger (admin token)
//	POST /api/aggregate                      aggregate the current round (admin token)
//	GET  /health
//
// Every non-streaming response is a JSON object.
package gateway
