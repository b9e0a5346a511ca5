package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden       ErrCode = "FORBIDDEN"
	ErrStaffAccessOnly ErrCode = "STAFF_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Admission ─────────────────────────────────────────────────────
	ErrPortalLocked     ErrCode = "PORTAL_LOCKED"
	ErrAlreadySubmitted ErrCode = "ALREADY_SUBMITTED"
	ErrExamNotAvailable ErrCode = "EXAM_NOT_AVAILABLE"

	// ─── Attempt ───────────────────────────────────────────────────────
	ErrNoSession           ErrCode = "NO_SESSION"
	ErrInvalidAnswer       ErrCode = "INVALID_ANSWER"
	ErrInvalidQuestion     ErrCode = "INVALID_QUESTION"
	ErrSessionNotActive    ErrCode = "SESSION_NOT_ACTIVE"
	ErrPersistenceDegraded ErrCode = "PERSISTENCE_DEGRADED"
	ErrContactSupport      ErrCode = "CONTACT_SUPPORT"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal    ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Invalid user ID or password."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid or has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrStaffAccessOnly:
		return "This resource is restricted to staff."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "The request payload is invalid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Admission ─────────────────────────────────────────────────────
	case ErrPortalLocked:
		return "The exam portal is currently locked."
	case ErrAlreadySubmitted:
		return "You have already submitted this exam."
	case ErrExamNotAvailable:
		return "This exam is not available."

	// ─── Attempt ───────────────────────────────────────────────────────
	case ErrNoSession:
		return "You have no attempt in progress for this exam."
	case ErrInvalidAnswer:
		return "The selected option does not exist for this question."
	case ErrInvalidQuestion:
		return "The question does not exist in this exam."
	case ErrSessionNotActive:
		return "This attempt is no longer accepting answers."
	case ErrPersistenceDegraded:
		return "Your progress is not being saved right now. Keep working, we are retrying."
	case ErrContactSupport:
		return "Something is wrong with this attempt. Please contact support."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrUnavailable:
		return "The service is temporarily unavailable."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
