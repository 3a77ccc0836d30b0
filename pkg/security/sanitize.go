package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// ErrorCode is a stable code returned to API clients.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// SecureError is an error safe to return to clients.
type SecureError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *SecureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Sanitizer converts internal errors into SecureErrors and logs the original.
type Sanitizer struct {
	logger zerolog.Logger
	debug  bool
}

// NewSanitizer creates a Sanitizer. In debug mode the scrubbed error text is
// included in Details.
func NewSanitizer(logger zerolog.Logger, debug bool) *Sanitizer {
	return &Sanitizer{logger: logger, debug: debug}
}

// Sanitize returns a generic internal error for err.
func (s *Sanitizer) Sanitize(err error) *SecureError {
	return s.SanitizeWithCode(err, ErrCodeInternal, "An internal error occurred")
}

// SanitizeWithCode returns a SecureError with the given code and message.
func (s *Sanitizer) SanitizeWithCode(err error, code ErrorCode, message string) *SecureError {
	if err == nil {
		return nil
	}
	s.logger.Error().Str("code", string(code)).Msg(sanitizeLogMessage(err.Error()))

	secureErr := &SecureError{Code: code, Message: message}
	if s.debug {
		secureErr.Details = map[string]interface{}{
			"error": sanitizeErrorMessage(err.Error()),
		}
	}
	return secureErr
}

func sanitizeErrorMessage(msg string) string {
	msg = removeFilePaths(msg)
	msg = removeIPAddresses(msg)
	msg = removeSecretPatterns(msg)
	return removeStackTraces(msg)
}

// Logs keep paths and addresses.
func sanitizeLogMessage(msg string) string {
	return removeSecretPatterns(msg)
}

func removeFilePaths(msg string) string {
	msg = strings.ReplaceAll(msg, "/Users/", "/home/")
	for _, prefix := range []string{"/home/", "/var/", "/etc/", "/opt/", "/tmp/"} {
		msg = strings.ReplaceAll(msg, prefix, "[PATH]/")
	}
	for _, drive := range []string{"C:", "D:", "E:", "F:"} {
		msg = strings.ReplaceAll(msg, drive+"\\", "[PATH]\\")
	}
	return msg
}

var ipPattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)

func removeIPAddresses(msg string) string {
	return ipPattern.ReplaceAllString(msg, "[IP_ADDRESS]")
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`hf_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(api_?key|token|password)=[^\s&]+`),
	regexp.MustCompile(`Bearer [A-Za-z0-9._\-]+`),
	regexp.MustCompile(`://[^/\s:@]+:[^@\s]+@`),
}

func removeSecretPatterns(msg string) string {
	for _, p := range secretPatterns {
		msg = p.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

var (
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	fileLinePattern  = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	panicPattern     = regexp.MustCompile(`panic:.*`)
)

func removeStackTraces(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")
	return panicPattern.ReplaceAllString(msg, "panic: [DETAILS_REMOVED]")
}

// MaskSecret masks all but the ends of a secret.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
