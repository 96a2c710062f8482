package ir

// Version constants for the wire protocol and persisted state.
const (
	// SDKVersion is sent as sdk_version on every request.
	SDKVersion = "2.0.0"

	// StoreFormatVersion tags the persisted pending-request file.
	StoreFormatVersion = 1
)
