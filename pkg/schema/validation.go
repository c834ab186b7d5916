package schema

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult aggregates validation issues for one request.
type ValidationResult struct {
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// Valid returns true if there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an issue.
func (r *ValidationResult) AddError(path, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Message: message})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// ToError converts the result to a TokayError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Path + ": " + r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count": len(r.Errors),
			"errors":      r.Errors,
		})
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// CheckName validates a namespace, project or secret name.
func CheckName(r *ValidationResult, path, name string) {
	n := utf8.RuneCountInString(name)
	if n < MinNameLength || n > MaxNameLength {
		r.AddError(path, fmt.Sprintf("must be between %d and %d characters", MinNameLength, MaxNameLength))
		return
	}
	if !namePattern.MatchString(name) {
		r.AddError(path, "may only contain letters, digits, '_', '.' and '-'")
	}
}

// CheckDescription validates an optional description.
func CheckDescription(r *ValidationResult, path, desc string) {
	if desc == "" {
		return
	}
	if utf8.RuneCountInString(desc) < MinDescriptionLength {
		r.AddError(path, fmt.Sprintf("must be at least %d characters when present", MinDescriptionLength))
	}
}

// ValidateSecretInput checks the fields of a secret write.
func ValidateSecretInput(name, description string, typ SecretType, value []byte) error {
	r := &ValidationResult{}
	CheckName(r, "name", name)
	CheckDescription(r, "description", description)
	if !ValidSecretType(typ) {
		r.AddError("type", fmt.Sprintf("unknown secret type %q", typ))
	}
	if len(value) == 0 {
		r.AddError("value", "must not be empty")
	}
	return r.ToError()
}
