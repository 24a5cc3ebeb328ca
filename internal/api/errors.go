package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/easysmart/iot-core/internal/auth"
	"github.com/easysmart/iot-core/internal/device"
	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/template"
	"github.com/easysmart/iot-core/internal/tenant"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes. The domain kinds are stable and part of the API contract.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeInternal     = "internal_error"

	ErrCodeMissingField    = "missing_field"
	ErrCodeInvalidType     = "invalid_type"
	ErrCodeInvalidValue    = "invalid_value"
	ErrCodeDuplicateEntity = "duplicate_entity"
	ErrCodeDuplicateDevice = "duplicate_device"
	ErrCodeNotFound        = "not_found"
	ErrCodeLocked          = "locked"
	ErrCodeQuotaExceeded   = "quota_exceeded"
	ErrCodeUnknownTemplate = "unknown_template"
	ErrCodeNoFields        = "no_fields"
)

// errorKinds maps domain sentinels to their status and code. Order matters:
// device validation errors wrap the entity field errors, so the specific
// kinds are checked before ErrInvalidDevice.
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{entity.ErrMissingField, http.StatusBadRequest, ErrCodeMissingField},
	{entity.ErrInvalidType, http.StatusBadRequest, ErrCodeInvalidType},
	{entity.ErrInvalidValue, http.StatusBadRequest, ErrCodeInvalidValue},
	{entity.ErrNoFields, http.StatusBadRequest, ErrCodeNoFields},
	{device.ErrInvalidDevice, http.StatusBadRequest, ErrCodeInvalidValue},
	{tenant.ErrInvalidTenant, http.StatusBadRequest, ErrCodeInvalidValue},
	{template.ErrUnknownTemplate, http.StatusBadRequest, ErrCodeUnknownTemplate},
	{entity.ErrDuplicateEntity, http.StatusConflict, ErrCodeDuplicateEntity},
	{device.ErrDeviceExists, http.StatusConflict, ErrCodeDuplicateDevice},
	{entity.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{device.ErrDeviceNotFound, http.StatusNotFound, ErrCodeNotFound},
	{tenant.ErrTenantNotFound, http.StatusNotFound, ErrCodeNotFound},
	{tenant.ErrPlanNotFound, http.StatusNotFound, ErrCodeNotFound},
	{entity.ErrLocked, http.StatusLocked, ErrCodeLocked},
	{tenant.ErrQuotaExceeded, http.StatusForbidden, ErrCodeQuotaExceeded},
	{auth.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
	{auth.ErrTokenInvalid, http.StatusUnauthorized, ErrCodeUnauthorized},
}

// classify returns the status and code for err. Unknown errors are internal.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeDomainError maps err to its kind. Internal errors are logged and
// replaced with a generic message so storage details never leak.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if code == ErrCodeInternal {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
		writeError(w, status, code, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
