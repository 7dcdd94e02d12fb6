package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code        ErrorCode
	Retryable   bool
	Description string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTimeout: {
		Code:        ErrTimeout,
		Retryable:   true,
		Description: "Capability call exceeded the stage timeout",
	},
	ErrRateLimit: {
		Code:        ErrRateLimit,
		Retryable:   true,
		Description: "Capability rate limit exceeded",
	},
	ErrCapabilityUnavailable: {
		Code:        ErrCapabilityUnavailable,
		Retryable:   true,
		Description: "Capability service unavailable",
	},
	ErrStorage: {
		Code:        ErrStorage,
		Retryable:   true,
		Description: "Blob or database storage temporarily unavailable",
	},
	ErrProcessingError: {
		Code:        ErrProcessingError,
		Retryable:   true,
		Description: "Unclassified processing error",
	},
	ErrMalformedDocument: {
		Code:        ErrMalformedDocument,
		Retryable:   false,
		Description: "Document could not be parsed",
	},
	ErrUnsupportedDocument: {
		Code:        ErrUnsupportedDocument,
		Retryable:   false,
		Description: "Document kind or format is not supported",
	},
	ErrInvalidInput: {
		Code:        ErrInvalidInput,
		Retryable:   false,
		Description: "Capability rejected the input as invalid",
	},
	ErrInvalidOutput: {
		Code:        ErrInvalidOutput,
		Retryable:   false,
		Description: "Capability output failed schema validation",
	},
	ErrDependencyUnmet: {
		Code:        ErrDependencyUnmet,
		Retryable:   false,
		Description: "Upstream stage has no succeeded insight",
	},
	ErrCancelled: {
		Code:        ErrCancelled,
		Retryable:   false,
		Description: "Report was cancelled",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
// Unknown codes are treated as retryable; the attempt limit bounds them.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return true
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
