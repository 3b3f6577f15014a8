// internal/api/error_codes.go
package api

// API error codes
const (
	// generic
	ErrorBadRequest         = "BAD_REQUEST"
	ErrorNotFound           = "NOT_FOUND"
	ErrorInternalError      = "INTERNAL_ERROR"
	ErrorConflict           = "CONFLICT"
	ErrorUnauthorized       = "UNAUTHORIZED"
	ErrorRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrorServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrorTimeout            = "TIMEOUT"

	// conversations
	ErrorGroupRequired     = "GROUP_REQUIRED"
	ErrorConversationStart = "CONVERSATION_START_FAILED"

	// scripts
	ErrorScriptNotFound    = "SCRIPT_NOT_FOUND"
	ErrorScriptUnavailable = "SCRIPT_UNAVAILABLE"
	ErrorIndexDisabled     = "SCRIPT_INDEX_DISABLED"
	ErrorInvalidLimit      = "INVALID_LIMIT"

	// remote authority
	ErrorRemoteFailed = "REMOTE_AUTHORITY_FAILED"
)
