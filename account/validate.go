package account

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
)

const (
	MinHandleLength   = 4
	MinPasswordLength = 8
)

var ErrInvalidCredentials = errors.New("invalid email, handle or password")

var (
	validate    *validator.Validate
	handleChars = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handleChars.MatchString(fl.Field().String())
	})
}

type createRequest struct {
	Email    string `validate:"required,email"`
	Handle   string `validate:"required,min=4,handle"`
	Password string `validate:"required,min=8"`
}

type loginRequest struct {
	Identity string `validate:"required"`
	Password string `validate:"required,min=8"`
}

// ValidHandle accepts handles longer than three characters made of letters, digits and underscores
func ValidHandle(handle string) bool {
	return validate.Var(handle, "required,min=4,handle") == nil
}

// ValidateCreate checks the fields of a new account request
func ValidateCreate(email, handle, password string) error {
	if err := validate.Struct(createRequest{Email: email, Handle: handle, Password: password}); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidateLogin checks the fields of a login request
func ValidateLogin(identity, password string) error {
	if err := validate.Struct(loginRequest{Identity: identity, Password: password}); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
