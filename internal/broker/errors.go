package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// ErrorClass groups broker failures by how the engine must react to them.
type ErrorClass int

const (
	// ClassNone means no error.
	ClassNone ErrorClass = iota
	// ClassTransient failures (timeouts, 5xx, throttling) may be retried.
	ClassTransient
	// ClassPermanent failures (rejections, bad symbols) are never retried.
	ClassPermanent
	// ClassAuth failures invalidate every later broker call in the run.
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// transientPatterns catches transport errors that arrive without a typed cause.
var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"broken pipe",
	"eof",
	"no such host",
}

// Classify inspects an error chain and returns its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			return ClassAuth
		case apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusRequestTimeout:
			return ClassTransient
		case apiErr.Status >= 500:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsAuthFailure reports whether err means the credentials were rejected.
func IsAuthFailure(err error) bool {
	return Classify(err) == ClassAuth
}
