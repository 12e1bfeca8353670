// Package validation provides input validation and rate limiting for the
// composer's HTTP surface.
//
// Validation Categories:
//   - Video selection validation: length, duplicate, and id-format checks
//     for the ordered video_ids list a composition task is created from.
//   - Task identifier validation: shape-checking a path-supplied task_id
//     before it ever reaches the registry/progress-store lookups.
//
// Error Handling:
//   - ValidationError carries a field name and message so a handler can
//     report exactly which part of the request was rejected.
//   - Validate* functions return a slice of ValidationError, never panic.
package validation

import (
	"fmt"
	"regexp"
)

// ValidationError reports one rejected field of a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MinVideoIDs is the smallest accepted length for a composition's
// video_ids list (spec.md §3: "length ≥ 2").
const MinVideoIDs = 2

var taskIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Validator holds no state today but keeps the same constructor-based
// shape the rest of the package's validators use, so it can grow
// configuration (e.g. a MaxVideoIDs cap) without an API break.
type Validator struct{}

// NewValidator returns a Validator with default settings.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateVideoIDs checks the ordered list of source video ids a
// composition task is registered with: it must have at least MinVideoIDs
// entries and contain no duplicates.
func (v *Validator) ValidateVideoIDs(videoIDs []int64) []ValidationError {
	var errs []ValidationError

	if len(videoIDs) < MinVideoIDs {
		errs = append(errs, ValidationError{
			Field:   "video_ids",
			Message: fmt.Sprintf("must contain at least %d video ids", MinVideoIDs),
		})
		return errs
	}

	seen := make(map[int64]bool, len(videoIDs))
	for _, id := range videoIDs {
		if seen[id] {
			errs = append(errs, ValidationError{
				Field:   "video_ids",
				Message: fmt.Sprintf("duplicate video id: %d", id),
			})
			break
		}
		seen[id] = true
	}

	return errs
}

// ValidateTaskID checks that a caller-supplied task_id has the expected
// 36-character hyphenated UUID shape before it is used as a lookup key.
func (v *Validator) ValidateTaskID(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return ValidationError{Field: "task_id", Message: "not a well-formed task id"}
	}
	return nil
}
