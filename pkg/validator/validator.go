package validator

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	v *validator.Validate
)

func init() {
	v = validator.New()
}

// Validate runs struct level validation using the `validate` tag.
func Validate(i interface{}) error {
	if i == nil {
		return fmt.Errorf("data to validate is nil")
	}

	return v.Struct(i)
}

// Var validates a single value against tag, i.e: Var("a@b.jp", "required,email").
func Var(field interface{}, tag string) error {
	return v.Var(field, tag)
}

// IsValidation reports whether err carries field validation failures.
func IsValidation(err error) bool {
	var vErr validator.ValidationErrors
	return errors.As(err, &vErr)
}
