package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// StringValidator validates user-supplied strings.
type StringValidator struct {
	Pattern              *regexp.Regexp
	MaxLength            int
	MinLength            int
	DisallowNullBytes    bool
	DisallowControlChars bool
}

// QueryValidator accepts chat queries: 1 to 4000 characters of valid UTF-8
// without null bytes or control characters other than whitespace.
func QueryValidator() *StringValidator {
	return &StringValidator{
		MinLength:            1,
		MaxLength:            4000,
		DisallowNullBytes:    true,
		DisallowControlChars: true,
	}
}

// Validate checks str against every configured constraint.
func (v *StringValidator) Validate(str string) error {
	if !utf8.ValidString(str) {
		return fmt.Errorf("string is not valid UTF-8")
	}
	n := utf8.RuneCountInString(str)
	if v.MinLength > 0 && n < v.MinLength {
		return fmt.Errorf("string too short: minimum %d characters", v.MinLength)
	}
	if v.MaxLength > 0 && n > v.MaxLength {
		return fmt.Errorf("string exceeds max length %d", v.MaxLength)
	}
	if v.DisallowNullBytes && strings.Contains(str, "\x00") {
		return fmt.Errorf("string contains null bytes")
	}
	if v.DisallowControlChars {
		for _, r := range str {
			if r < 32 && r != '\n' && r != '\t' && r != '\r' {
				return fmt.Errorf("string contains control characters")
			}
		}
	}
	if v.Pattern != nil && !v.Pattern.MatchString(str) {
		return fmt.Errorf("string does not match required pattern")
	}
	return nil
}

// SanitizeString removes null bytes and control characters other than
// newline, tab and carriage return.
func SanitizeString(input string) string {
	var cleaned strings.Builder
	cleaned.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			cleaned.WriteRune(r)
		}
	}
	return cleaned.String()
}
