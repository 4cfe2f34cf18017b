package core

// validation.go decides whether a normalized record is usable.
//
// A record is valid when identifier, name and email are all present and the
// email is a bare address. Validation never fails: problems are collected as
// ValidationErrors and surface as CleanRecord.Issues.

import (
	"fmt"
	"net/mail"
)

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Field   string // Field name
	Value   string // The invalid value, empty when missing
	Message string // Human-readable error message
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationResult contains the result of validating a record.
type ValidationResult struct {
	Valid  bool              // True if all validations passed
	Errors []ValidationError // List of validation errors (empty if Valid)
}

// Messages returns the error strings, or nil when valid.
func (r ValidationResult) Messages() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Error()
	}
	return out
}

// requiredField names a field that must be present for a record to be valid.
type requiredField struct {
	name string
	get  func(RawRecord) Field[string]
}

var requiredFields = []requiredField{
	{name: "id", get: func(r RawRecord) Field[string] { return r.ID }},
	{name: "name", get: func(r RawRecord) Field[string] { return r.Name }},
	{name: "email", get: func(r RawRecord) Field[string] { return r.Email }},
}

// ValidateRecord checks a normalized record and returns all problems found.
func ValidateRecord(r RawRecord) ValidationResult {
	result := ValidationResult{Valid: true}

	for _, f := range requiredFields {
		v, ok := f.get(r).Get()
		if !ok || v == "" {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   f.name,
				Message: "required field is missing",
			})
		}
	}

	if email, ok := r.Email.Get(); ok && email != "" {
		if err := validateEmail(email); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   "email",
				Value:   email,
				Message: err.Error(),
			})
		}
	}

	return result
}

// validateEmail accepts only a bare address ("a@b.c"), not "Name <a@b.c>".
func validateEmail(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return fmt.Errorf("invalid email address")
	}
	return nil
}
