package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells errors, which block a save, from warnings.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a definition. Path uses the
// nodes[i].config.field form, or a JSON pointer for schema violations.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every validation stage. The zero
// value is ready to use.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return r == nil || len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

const maxErrorsInMessage = 3

// ToError returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR naming the first few errors, with every issue in its
// details under "errors" and "warnings".
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	parts := make([]string, 0, maxErrorsInMessage+1)
	for i, issue := range r.Errors {
		if i == maxErrorsInMessage {
			parts = append(parts, fmt.Sprintf("and %d more", len(r.Errors)-maxErrorsInMessage))
			break
		}
		parts = append(parts, issue.String())
	}
	return NewError(ErrCodeValidation, strings.Join(parts, "; ")).
		WithDetails(map[string]any{"errors": r.Errors, "warnings": r.Warnings})
}
