// Package validate holds the shared validator instance and the custom tags
// used by request DTOs.
package validate

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	dottedQuad = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
	orderRef   = regexp.MustCompile(`^[A-Za-z0-9]{8,64}$`)
	currencies = map[string]bool{"TRY": true, "USD": true, "EUR": true, "GBP": true}
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("strict_ipv4", func(fl validator.FieldLevel) bool {
		return IsStrictIPv4(fl.Field().String())
	})
	_ = validate.RegisterValidation("orderref", func(fl validator.FieldLevel) bool {
		return IsOrderReference(fl.Field().String())
	})
	_ = validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return currencies[fl.Field().String()]
	})
	_ = validate.RegisterValidation("strong_password", validateStrongPassword)
}

// Get returns the shared validator
func Get() *validator.Validate {
	return validate
}

// Struct validates s and flattens the result into a single readable error
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, message(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "invalid email format"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "strict_ipv4":
		return field + " must be a dotted-quad IPv4 address"
	case "orderref":
		return field + " must be an alphanumeric order reference"
	case "currency":
		return field + " is not a supported currency"
	case "strong_password":
		return field + " must contain upper and lower case letters, a digit and a symbol"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// IsStrictIPv4 accepts only a.b.c.d with each octet in 0..255
func IsStrictIPv4(s string) bool {
	if !dottedQuad.MatchString(s) {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// IsOrderReference reports whether s is usable as a provider order id.
// PayTR rejects anything but letters and digits in merchant_oid.
func IsOrderReference(s string) bool {
	return orderRef.MatchString(s)
}

func validateStrongPassword(fl validator.FieldLevel) bool {
	password := fl.Field().String()
	if len(password) < 8 {
		return false
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}
	return hasUpper && hasLower && hasNumber && hasSpecial
}
