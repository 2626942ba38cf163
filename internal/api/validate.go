package api

import (
	"regexp"
	"strconv"
	"unicode/utf8"
)

// maxNameLen is the maximum length for names (spans, groups, operators, config keys).
const maxNameLen = 64

// maxValueLen is the maximum length for span configuration values.
const maxValueLen = 1000

// maxPasswordLen is the longest password bcrypt accepts.
const maxPasswordLen = 72

// numberRe validates dialable numbers: digits, '*', '#' and a leading '+'.
var numberRe = regexp.MustCompile(`^\+?[0-9*#]{1,32}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateNumber checks an optional dialable number.
func validateNumber(field, value string) string {
	if value == "" || numberRe.MatchString(value) {
		return ""
	}
	return field + " must contain only digits, '*', '#' and a leading '+'"
}

// validateIntRange checks that value is within [min, max].
func validateIntRange(field string, value, min, max int) string {
	if value < min || value > max {
		return field + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// firstError returns the first non-empty message.
func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
