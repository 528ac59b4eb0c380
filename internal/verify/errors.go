package verify

import (
	"fmt"
	"net/http"
)

// Kind classifies a verification failure.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindValidation       Kind = "validation_failure"
	KindPolicyDenial     Kind = "policy_denial"
	KindServerFault      Kind = "server_fault"
)

// Error codes reported to clients.
const (
	CodeWakeUpTimeout  = "wake_up_timeout"
	CodeUplinkFailure  = "uplink_failure"
	CodeServerError    = "server_error"
	CodeNoLocationData = "no_location_data"
	CodeLocationDenied = "location_denied"
	CodeRateLimited    = "rate_limited"
	CodeMissingImage   = "missing_image"
	CodeInvalidRequest = "invalid_request"
)

// Error is returned by Pipeline.Verify for every non-accepted outcome.
// Lat and Lng are set for location_denied.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Lat     *float64
	Lng     *float64
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the failure onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		if e.Code == CodeNoLocationData {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case KindPolicyDenial:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransientNetwork:
		if e.Code == CodeWakeUpTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindServerFault:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}
