// Package sandbox manages per-task worker sandboxes: an isolated state
// directory plus a dedicated git worktree and branch derived from the
// canonical checkout. Task IDs and run IDs flow into paths and git refs, so
// every identifier is validated before any construction.
package sandbox

import (
	"fmt"
	"strings"
)

// Violation codes carried by ValidationError.
const (
	ViolationEmpty         = "empty"
	ViolationTooLong       = "too_long"
	ViolationBadChar       = "bad_char"
	ViolationLeadingDash   = "leading_dash"
	ViolationPathSeparator = "path_separator"
)

const (
	maxTaskIDLen     = 128
	maxPathSafeIDLen = 256
)

// ValidationError is a fatal configuration error: the offending identifier
// never reaches path or ref construction.
type ValidationError struct {
	Field string
	Code  string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Code)
}

// ValidateTaskID enforces the task identifier rules: non-empty, at most 128
// characters, [A-Za-z0-9_-]+, no leading dash.
func ValidateTaskID(id string) error {
	if id == "" {
		return &ValidationError{Field: "task id", Code: ViolationEmpty}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return &ValidationError{Field: "task id", Code: ViolationPathSeparator, Value: id}
	}
	if len(id) > maxTaskIDLen {
		return &ValidationError{Field: "task id", Code: ViolationTooLong, Value: id}
	}
	if id[0] == '-' {
		return &ValidationError{Field: "task id", Code: ViolationLeadingDash, Value: id}
	}
	for _, r := range id {
		if !taskIDChar(r) {
			return &ValidationError{Field: "task id", Code: ViolationBadChar, Value: id}
		}
	}
	return nil
}

// ValidatePathSafeID enforces the rules shared by run and wave identifiers:
// non-empty, at most 256 characters, [A-Za-z0-9_.-]+.
func ValidatePathSafeID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Code: ViolationEmpty}
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return &ValidationError{Field: field, Code: ViolationPathSeparator, Value: id}
	}
	if len(id) > maxPathSafeIDLen {
		return &ValidationError{Field: field, Code: ViolationTooLong, Value: id}
	}
	for _, r := range id {
		if !pathSafeChar(r) {
			return &ValidationError{Field: field, Code: ViolationBadChar, Value: id}
		}
	}
	return nil
}

func taskIDChar(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-'
}

func pathSafeChar(r rune) bool {
	return taskIDChar(r) || r == '.'
}
