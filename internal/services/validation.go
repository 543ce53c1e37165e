package services

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/amaterasu/apiserver/types"
)

const (
	maxEmailLength    = 255
	maxNameLength     = 50
	minPasswordLength = 6
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLength = 72
	maxMicropostRunes = 140
)

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func matches(password string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s != password {
			return errors.New("doesn't match password")
		}
		return nil
	}
}

func validateNewUser(u types.NewUser) error {
	return asValidationError(validation.ValidateStruct(&u,
		validation.Field(&u.Email, validation.Required, validation.Length(0, maxEmailLength), is.Email),
		validation.Field(&u.FirstName, validation.Required, validation.Length(0, maxNameLength)),
		validation.Field(&u.LastName, validation.Required, validation.Length(0, maxNameLength)),
		validation.Field(&u.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
		validation.Field(&u.PasswordConfirmation, validation.By(matches(u.Password))),
	))
}

// validateUserUpdate checks only the attributes present in the update.
func validateUserUpdate(u types.UserUpdate) error {
	return asValidationError(validation.ValidateStruct(&u,
		validation.Field(&u.Email, validation.NilOrNotEmpty, validation.Length(0, maxEmailLength), is.Email),
		validation.Field(&u.FirstName, validation.NilOrNotEmpty, validation.Length(0, maxNameLength)),
		validation.Field(&u.LastName, validation.NilOrNotEmpty, validation.Length(0, maxNameLength)),
		validation.Field(&u.Password, validation.Length(minPasswordLength, maxPasswordLength)),
		validation.Field(&u.PasswordConfirmation, validation.By(matches(u.Password))),
		validation.Field(&u.CurrentPassword, validation.Required),
	))
}

type passwordChange struct {
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

func validatePasswordChange(p passwordChange) error {
	return asValidationError(validation.ValidateStruct(&p,
		validation.Field(&p.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
		validation.Field(&p.PasswordConfirmation, validation.By(matches(p.Password))),
	))
}

func validateMicropostContent(content string) error {
	if err := validation.Validate(content, validation.Required, validation.RuneLength(1, maxMicropostRunes)); err != nil {
		return fieldError("content", err.Error())
	}
	return nil
}
