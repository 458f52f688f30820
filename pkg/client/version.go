package client

// Version information for the client module.
const (
	// Version is the current version of the client module.
	Version = "1.0.0"

	// MinCompatibleVersion is the minimum server API version this client speaks.
	MinCompatibleVersion = "1.0.0"
)
