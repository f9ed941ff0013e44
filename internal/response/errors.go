package response

// ErrCode is a typed error code enum shared by HTTP envelopes and websocket
// error events.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrExamNotAvailable    ErrCode = "EXAM_NOT_AVAILABLE"
	ErrNoQuestions         ErrCode = "NO_QUESTIONS"
	ErrPermissionDenied    ErrCode = "PERMISSION_DENIED"
	ErrNetworkUnavailable  ErrCode = "NETWORK_UNAVAILABLE"
	ErrSignalUnavailable   ErrCode = "SIGNAL_UNAVAILABLE"
	ErrIntegrityViolation  ErrCode = "INTEGRITY_VIOLATION"
	ErrFullscreenRequired  ErrCode = "FULLSCREEN_REQUIRED"
	ErrSessionState        ErrCode = "SESSION_STATE"
	ErrTimeUp              ErrCode = "TIME_UP"
	ErrSubmitInFlight      ErrCode = "SUBMIT_IN_FLIGHT"
	ErrSubmissionConflict  ErrCode = "SUBMISSION_CONFLICT"
	ErrSubmissionTransport ErrCode = "SUBMISSION_TRANSPORT"
	ErrAccessGateRejected  ErrCode = "ACCESS_GATE_REJECTED"
	ErrCheckFailed         ErrCode = "CHECK_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal           ErrCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrCandidateAccessOnly:
		return "This resource is restricted to exam candidates."
	case ErrProctorAccessOnly:
		return "This resource is restricted to proctors."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrUnknownAction:
		return "Unknown action."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrExamNotAvailable:
		return "This exam is not available at this time."
	case ErrNoQuestions:
		return "This exam has no questions to sample. Contact your proctor."
	case ErrPermissionDenied:
		return "Camera and microphone access are required for this exam. Allow both and retry the check."
	case ErrNetworkUnavailable:
		return "No network connection detected. Reconnect and retry the check."
	case ErrSignalUnavailable:
		return "Camera analysis is unavailable. The exam continues with audio monitoring only."
	case ErrIntegrityViolation:
		return "An integrity violation was recorded."
	case ErrFullscreenRequired:
		return "Return to fullscreen to continue the exam."
	case ErrSessionState:
		return "That action is not allowed right now."
	case ErrTimeUp:
		return "Time is up. Your answers are being submitted."
	case ErrSubmitInFlight:
		return "Your exam is being submitted. Please wait."
	case ErrSubmissionConflict:
		return "This exam was already submitted."
	case ErrSubmissionTransport:
		return "Your exam could not be saved. Check your connection and submit again."
	case ErrAccessGateRejected:
		return "This exam must be taken in the configured locked browser."
	case ErrCheckFailed:
		return "Could not verify your submission status. Re-enter fullscreen to retry."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	case ErrServiceUnavailable:
		return "A required backing service is unreachable."
	default:
		return "An unexpected error occurred."
	}
}
