package services

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
)

var (
	// ErrAuthFailure covers both an unknown email and a wrong password.
	ErrAuthFailure = errors.New("invalid email or password")
	// ErrAccountNotActivated is returned for correct credentials on a pending account.
	ErrAccountNotActivated = errors.New("account not activated")
	// ErrInvalidToken never reveals whether the account exists.
	ErrInvalidToken = errors.New("invalid or already used token")
	ErrExpired      = errors.New("token has expired")
	ErrForbidden    = errors.New("forbidden")
	// ErrPicturesDisabled is returned when a picture is attached but no object storage is configured.
	ErrPicturesDisabled = errors.New("picture uploads are disabled")
)

// ValidationError carries field level validation failures keyed by the
// JSON field name.
type ValidationError struct {
	Fields validation.Errors
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Fields.Error()
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func fieldError(field, message string) error {
	return &ValidationError{Fields: validation.Errors{field: errors.New(message)}}
}

// asValidationError lifts ozzo validation errors into a *ValidationError and
// passes internal errors through.
func asValidationError(err error) error {
	if err == nil {
		return nil
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		return &ValidationError{Fields: fields}
	}
	return err
}
