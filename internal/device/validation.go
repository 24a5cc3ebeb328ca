package device

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/easysmart/iot-core/internal/entity"
)

// maxConfigKeys bounds the free-form config blob.
const maxConfigKeys = 50

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// record holds the fields checked before a device is stored.
type record struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	DeviceID      string `json:"device_id" validate:"required,max=64"`
	TopicToken    string `json:"topic_token" validate:"required,alphanum,max=64"`
	Name          string `json:"name" validate:"required,max=100"`
	Type          string `json:"type" validate:"required,max=64"`
	DiscoveryMode string `json:"discovery_mode" validate:"required,oneof=auto template hybrid"`
}

// ValidateDevice checks a device before it is created.
//
// Errors wrap ErrInvalidDevice together with entity.ErrMissingField or
// entity.ErrInvalidValue so callers can report a stable kind.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	err := validate.Struct(record{
		TenantID:      d.TenantID,
		DeviceID:      d.DeviceID,
		TopicToken:    d.TopicToken,
		Name:          strings.TrimSpace(d.Name),
		Type:          d.Type,
		DiscoveryMode: string(d.DiscoveryMode),
	})
	if err != nil {
		return translate(err)
	}
	if len(d.Config) > maxConfigKeys {
		return fmt.Errorf("%w: %w: config has more than %d keys", ErrInvalidDevice, entity.ErrInvalidValue, maxConfigKeys)
	}
	return nil
}

// ValidateUpdate checks a partial update.
func ValidateUpdate(u Update) error {
	if u.IsEmpty() {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, entity.ErrNoFields)
	}
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return fmt.Errorf("%w: %w: name", ErrInvalidDevice, entity.ErrMissingField)
	}
	if u.Type != nil && strings.TrimSpace(*u.Type) == "" {
		return fmt.Errorf("%w: %w: type", ErrInvalidDevice, entity.ErrMissingField)
	}
	if len(u.Config) > maxConfigKeys {
		return fmt.Errorf("%w: %w: config has more than %d keys", ErrInvalidDevice, entity.ErrInvalidValue, maxConfigKeys)
	}
	if err := validate.Struct(u); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		invalid = append(invalid, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w: %s", ErrInvalidDevice, entity.ErrMissingField, strings.Join(missing, ", "))
	}
	return fmt.Errorf("%w: %w: %s", ErrInvalidDevice, entity.ErrInvalidValue, strings.Join(invalid, ", "))
}
