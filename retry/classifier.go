// Package retry provides a pure classification of object-store errors
// into Retryable/Terminal, and a driver that re-invokes a fallible
// operation until it terminates, on a fixed interval with no
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/transport/http"
)

// Outcome is the classifier's verdict on an error.
type Outcome int

const (
	// Retryable errors should be retried by the driver after sleeping
	// the configured interval.
	Retryable Outcome = iota
	// Terminal errors abort the transfer immediately.
	Terminal
)

func (o Outcome) String() string {
	if o == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classify maps an object-store error to exactly one Outcome:
//
//   - Retryable: network dispatch failure, timeout, malformed response
//     framing, or a service error whose HTTP status is 5xx.
//   - Terminal: construction failure, any other service error, or any
//     other variant.
//
// Classify is pure and total: it never panics and always returns one
// of the two outcomes.
func Classify(err error) Outcome {
	if err == nil {
		return Terminal
	}

	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		err = opErr.Unwrap()
	}

	// A response was received but could not be deserialized: malformed
	// framing, retryable whatever its status.
	var desErr *smithy.DeserializationError
	if errors.As(err, &desErr) {
		return Retryable
	}

	// A response was received and deserialized: classify purely on
	// HTTP status.
	var respErr *http.ResponseError
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() >= 500 {
			return Retryable
		}
		return Terminal
	}

	// A service error surfaced without the response wrapper is still
	// a service error: terminal.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return Terminal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		// DispatchFailure / TimeoutError: the request never reached the
		// service, or the connection timed out below the HTTP layer.
		return Retryable
	}

	// Construction failures and any other unrecognized variant default
	// terminal.
	return Terminal
}
