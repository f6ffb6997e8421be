package retry

import (
	"errors"
	"net"
	"net/http"
	"testing"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestClassify_ServiceError5xx(t *testing.T) {
	err := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}},
		Err:      &smithy.GenericAPIError{Code: "InternalError"},
	}
	if got := Classify(err); got != Retryable {
		t.Errorf("Classify(5xx) = %v, want Retryable", got)
	}
}

func TestClassify_ServiceError4xx(t *testing.T) {
	err := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 404}},
		Err:      &smithy.GenericAPIError{Code: "NoSuchKey"},
	}
	if got := Classify(err); got != Terminal {
		t.Errorf("Classify(4xx) = %v, want Terminal", got)
	}
}

func TestClassify_NetworkError(t *testing.T) {
	err := &net.DNSError{Err: "no such host", IsTimeout: true}
	if got := Classify(err); got != Retryable {
		t.Errorf("Classify(net.Error) = %v, want Retryable", got)
	}
}

func TestClassify_Unrecognized(t *testing.T) {
	if got := Classify(errors.New("boom")); got != Terminal {
		t.Errorf("Classify(plain error) = %v, want Terminal", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != Terminal {
		t.Errorf("Classify(nil) = %v, want Terminal", got)
	}
}
