package protocol

// Error codes carried by error frames and REST error bodies. These are wire
// values: components translate their internal sentinel errors into one of
// these before anything leaves the process.
const (
	CodeValidation   = "Validation"
	CodeUnauthorized = "Unauthorized"
	CodeNotFound     = "NotFound"
	CodeConflict     = "Conflict"
	CodeTransient    = "Transient"
	CodeSuperseded   = "Superseded"
	CodeInternal     = "Internal"
)

// ErrorPayload is the body of an error frame. Fatal errors close the session
// after the frame is flushed.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorFrame builds a ready-to-send error frame. Marshaling a flat struct
// cannot fail, so the Frame is returned directly.
func ErrorFrame(code, message string) Frame {
	f, _ := NewFrame(EventError, ErrorPayload{Message: message, Code: code})
	return f
}
