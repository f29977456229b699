package ai

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind is the closed failure taxonomy shared by adapters, the retry wrapper and callers.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindNetwork            Kind = "network_error"
	KindInvalidModel       Kind = "invalid_model"
	KindCanceled           Kind = "canceled"
	KindUnknown            Kind = "unknown"
)

// StatusClientClosedRequest is the non-standard status used for caller-terminated requests.
const StatusClientClosedRequest = 499

// HTTPStatus maps a kind to the status class callers should see.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindServiceUnavailable, KindNetwork:
		return http.StatusServiceUnavailable
	case KindInvalidModel:
		return http.StatusBadRequest
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable is the default retry verdict for a kind.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindNetwork
}

var (
	ErrUnknownService = errors.New("ai: unknown service")
	ErrMissingAPIKey  = errors.New("ai: api key is not configured")
)

// Error is a structured backend failure. Adapters fill Kind at the point of failure
// whenever they can tell; Status carries the provider HTTP status if there was one.
type Error struct {
	Service string
	Kind    Kind
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" && e.Status != 0 {
		msg = fmt.Sprintf("status %d", e.Status)
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Service != "" {
		return fmt.Sprintf("%s: %s", e.Service, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError unwraps err into an *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func invalidModel(service, model string) *Error {
	return &Error{
		Service: service,
		Kind:    KindInvalidModel,
		Message: fmt.Sprintf("model %q is not supported by %s", model, service),
	}
}

func unconfigured(service string) *Error {
	return &Error{Service: service, Kind: KindServiceUnavailable, Cause: ErrMissingAPIKey}
}

// transportError wraps a failure of the HTTP round trip itself; the classifier
// inspects the cause (net.Error, DNS, ECONNREFUSED) to pick the kind.
func transportError(service string, err error) *Error {
	return &Error{Service: service, Cause: err}
}

// statusError builds an error from a non-2xx provider response.
func statusError(service string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return &Error{Service: service, Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired,
		http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case http.StatusNotFound:
		return KindInvalidModel
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return ""
	}
}
