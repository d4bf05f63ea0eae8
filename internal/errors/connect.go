package errors

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"
)

// Bridge-specific error constructors

// BridgeSocketError creates an error for relay WebSocket issues
func BridgeSocketError(operation string, cause error) *AppError {
	var code string
	var severity ErrorSeverity
	var userMessage string

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
		userMessage = "Bridge connection closed normally."
	} else if websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		code = "WS_ABNORMAL_CLOSURE"
		severity = SeverityMedium
		userMessage = "Bridge connection lost unexpectedly."
	} else if websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		code = "WS_UNEXPECTED_CLOSURE"
		severity = SeverityMedium
		userMessage = "Bridge connection closed unexpectedly."
	} else {
		code = "WS_ERROR"
		severity = SeverityMedium
		userMessage = "Bridge connection error occurred."
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("Bridge %s failed", operation)).
		WithSeverity(severity).
		WithUserMessage(userMessage)
}

// ManifestError creates an error for dApp manifest resolution failures
func ManifestError(manifestURL, reason string) *AppError {
	return New(ErrorTypeExternal, "MANIFEST_ERROR", fmt.Sprintf("Manifest resolution failed: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Manifest URL: %s", manifestURL)).
		WithUserMessage("The dApp manifest could not be loaded.")
}

// SessionCryptoError creates an error for envelope encryption/decryption failures
func SessionCryptoError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeValidation, "SESSION_CRYPTO_ERROR", fmt.Sprintf("Session %s failed", operation)).
		WithSeverity(SeverityLow).
		WithUserMessage("The bridge envelope could not be processed.")
}

// DeliveryError creates an error for relay response delivery failures
func DeliveryError(clientSessionID string, cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, "DELIVERY_ERROR", "Response delivery to relay failed").
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("Client session: %s", clientSessionID)).
		WithUserMessage("The response could not be delivered to the dApp.")
}

// DatabaseConnectionError creates an error for database connection issues
func DatabaseConnectionError(cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_CONNECTION_ERROR", "Database connection failed").
		WithSeverity(SeverityCritical).
		WithUserMessage("Database is temporarily unavailable. Please try again later.")
}

// DatabaseError creates a database error
func DatabaseError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DATABASE_ERROR", fmt.Sprintf("Database %s failed", operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A database error occurred. Please try again later.")
}

// ValidationError creates a validation error
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithUserMessage("Please check your input and try again.")
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithSeverity(SeverityLow).
		WithUserMessage("The requested resource was not found.")
}

// RateLimitError creates a rate limit error
func RateLimitError(resource string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("Rate limit exceeded for %s", resource)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many requests. Please wait before trying again.")
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh).
		WithUserMessage("An internal error occurred. Please try again.")
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("Configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical).
		WithUserMessage("Service is misconfigured. Please contact system administrator.")
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeDatabase:
			return appErr.Severity != SeverityCritical
		case ErrorTypeRateLimit, ErrorTypeExternal:
			return true
		case ErrorTypeValidation, ErrorTypeNotFound:
			return false
		case ErrorTypeInternal:
			return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
		}
	}
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout() || isTemporaryNetError(err)
	}
	return false
}

/* ------------------------------------------------------------------ *
|  Sanitization                                                       |
* -------------------------------------------------------------------*/

var (
	hexBlobRe  = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
	filePathRe = regexp.MustCompile(`(/[\w.\-]+){2,}`)
	hostPortRe = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)
)

// SanitizeForClient strips internals from an error message before it
// crosses the bridge boundary to an untrusted dApp. Key material, file
// paths and addresses never leave the process.
func SanitizeForClient(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if appErr, ok := err.(*AppError); ok {
		msg = getUserFriendlyMessage(appErr)
	}
	msg = hexBlobRe.ReplaceAllString(msg, "[redacted]")
	msg = filePathRe.ReplaceAllString(msg, "[path]")
	msg = hostPortRe.ReplaceAllString(msg, "[addr]")
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// isTemporaryNetError checks if a network error is temporary
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	}
	for _, pattern := range temporaryPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
