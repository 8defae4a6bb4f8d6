package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID    = "request_id"
	FieldSessionID    = "session_id"
	FieldSubscriberID = "subscriber_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Capture fields
	FieldDevice     = "device"
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldTuning     = "tuning"

	// State fields
	FieldMode     = "mode"
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath      = "path"
	FieldRawPath   = "raw_path"
	FieldFinalPath = "final_path"

	// Size / timing fields
	FieldSizeBytes  = "size_bytes"
	FieldDurationMS = "duration_ms"
)
