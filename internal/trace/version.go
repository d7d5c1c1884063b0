package trace

// Version constants for the wire format and the recorder.
const (
	// WireVersion is the event payload schema version.
	WireVersion = "1"

	// RecorderVersion is the client SDK version reported in request headers.
	RecorderVersion = "0.1.0"
)
