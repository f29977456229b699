package ai

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Classification is the verdict for one failure.
type Classification struct {
	Kind        Kind
	Retryable   bool
	UserMessage string
}

var userMessages = map[Kind]string{
	KindTimeout:            "The AI service took too long to respond. Please try again.",
	KindServiceUnavailable: "The AI service is currently unavailable.",
	KindNetwork:            "Could not reach the AI service. Please try again.",
	KindInvalidModel:       "The requested model is not supported.",
	KindCanceled:           "The request was canceled.",
	KindUnknown:            "Something went wrong while generating a reply.",
}

// Classify maps a raw failure into the closed taxonomy. It relies on structured
// signals first; the only text checks left are the two needed to tell a flattened
// network failure from everything else.
func Classify(err error) Classification {
	kind := kindOf(err)
	c := Classification{Kind: kind, Retryable: kind.Retryable(), UserMessage: userMessages[kind]}
	if ae, ok := AsError(err); ok && ae.Kind == KindInvalidModel && ae.Message != "" {
		c.UserMessage = ae.Message
	}
	return c
}

func kindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if ae, ok := AsError(err); ok {
		if ae.Kind != "" {
			return ae.Kind
		}
		if k := kindForStatus(ae.Status); k != "" {
			return k
		}
		if ae.Cause == nil {
			return KindUnknown
		}
		err = ae.Cause
	}
	if errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrUnknownService) {
		return KindServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return KindNetwork
	}
	return KindUnknown
}

// Classified normalizes err into an *Error whose Kind is always set.
func Classified(service string, err error) *Error {
	if err == nil {
		return nil
	}
	kind := kindOf(err)
	if ae, ok := AsError(err); ok {
		if ae.Kind == kind {
			return ae
		}
		cp := *ae
		cp.Kind = kind
		return &cp
	}
	return &Error{Service: service, Kind: kind, Cause: err}
}
