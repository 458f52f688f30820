// Package client is the participant-side HTTP client for a fedship server.
//
// It uploads local weight blobs, downloads the current global model and
// triggers aggregation on behalf of an operator.
//
// # Usage
//
//	c := client.New("http://coordinator:8000", client.WithAdminToken(token))
//
//	ack, err := c.UploadState(ctx, client.Contribution{
//	    ClientID:    "hospital-1",
//	    Round:       round,
//	    DatasetSize: 1200,
//	}, localState)
//
//	model, round, err := c.DownloadState(ctx)
//
// Transport failures and 5xx responses are retried with exponential backoff
// and jitter. Client errors (4xx) are returned immediately as *StatusError.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package client
