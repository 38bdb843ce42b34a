package errors

const (
	HttpInternalError      = "internal_error"
	HttpInvalidParamsError = "invalid_params"
	HttpStreamNotFound     = "stream_not_found"
	HttpCompilationError   = "compilation_failed"
	HttpConflictError      = "version_conflict"
)

// ErrorResponse is the error response body for admin API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
