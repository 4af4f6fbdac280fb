package httpserver

import (
	"regexp"
	"strings"
)

var (
	jobIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	handlePattern = regexp.MustCompile(`^[a-zA-Z0-9._]{1,30}$`)
)

// ValidJobID reports whether a path id is shaped like a job id.
func ValidJobID(id string) bool {
	return id != "" && len(id) <= 100 && jobIDPattern.MatchString(id)
}

// NormalizeHandle strips a leading @ and surrounding whitespace.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// ValidHandle reports whether a normalized handle matches the upstream
// username shape: 1-30 characters of letters, digits, dot and underscore.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}
