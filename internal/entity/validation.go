package entity

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

	// Report JSON field names so messages match what API clients sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	custom := map[string]validator.Func{
		"entitytype": func(fl validator.FieldLevel) bool {
			return Type(fl.Field().String()).IsValid()
		},
		"entityid": func(fl validator.FieldLevel) bool {
			return !strings.ContainsAny(fl.Field().String(), "/+#")
		},
		"mqtttopic": func(fl validator.FieldLevel) bool {
			return IsLiteralTopic(fl.Field().String())
		},
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	return v
}

// IsLiteralTopic reports whether topic names exactly one MQTT topic: no
// wildcard characters and no empty segments.
func IsLiteralTopic(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return false
	}
	for seg := range strings.SplitSeq(topic, "/") {
		if seg == "" {
			return false
		}
	}
	return true
}

// ValidateSpec checks a create request.
//
// Missing required fields are reported before an invalid entity_type, so a
// request lacking both gets ErrMissingField.
func ValidateSpec(s Spec) error {
	return translate(validate.Struct(s))
}

// ValidatePatch checks an update patch. An empty patch is ErrNoFields.
func ValidatePatch(p Patch) error {
	if p.IsEmpty() {
		return ErrNoFields
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	return translate(validate.Struct(p))
}

// translate maps validator failures onto the package's sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	var missing, badType, invalid []string
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			missing = append(missing, fe.Field())
		case "entitytype":
			badType = append(badType, fmt.Sprintf("%v", fe.Value()))
		default:
			invalid = append(invalid, fmt.Sprintf("%s (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		}
	}

	switch {
	case len(missing) > 0:
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	case len(badType) > 0:
		return fmt.Errorf("%w: %q, must be one of %s", ErrInvalidType, badType[0], typeList())
	default:
		return fmt.Errorf("%w: %s", ErrInvalidValue, strings.Join(invalid, ", "))
	}
}

func typeList() string {
	types := AllTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
