package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report YAML keys so errors name what the operator wrote.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(msgs, "; "))
}

// describe renders one violation as "dotted.key problem".
func describe(fe validator.FieldError) string {
	// Namespace is "Config.section.key"; drop the root type name.
	_, key, _ := strings.Cut(fe.Namespace(), ".")

	switch fe.Tag() {
	case "required":
		if key == "security.jwt.secret" {
			return key + " is required (set IOTCORE_JWT_SECRET)"
		}
		return key + " is required"
	case "required_if":
		return key + " is required when the section is enabled"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", key, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "url":
		return key + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s", key, fe.Tag())
	}
}
