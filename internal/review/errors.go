package review

import "errors"

// Error taxonomy surfaced to the API layer. Callers classify with
// errors.Is; messages carry the actionable detail.
var (
	// ErrNotFound: no transcription with the given id.
	ErrNotFound = errors.New("transcription not found")

	// ErrForbidden: actor is not the assignee and not an admin, or a
	// non-admin touched a completed item or an admin-only operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition: a status/round guard rejected the operation.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict: optimistic-concurrency version mismatch after the
	// store exhausted its retries. The caller may retry the request.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrValidation: malformed input (unordered or overlapping word
	// timestamps, empty flag reason, unknown status).
	ErrValidation = errors.New("validation failed")
)

// ErrorKind maps a workflow error to its short wire name, used in bulk
// failure records and error responses.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "internal"
	}
}
