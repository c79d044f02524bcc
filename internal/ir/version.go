package ir

const (
	// SDKVersion is reported to the backend with every request.
	SDKVersion = "0.3.0"

	// RecordVersion is the schema version of persisted queue and store
	// records. Bump it when a record's field layout changes incompatibly.
	RecordVersion = 1
)
