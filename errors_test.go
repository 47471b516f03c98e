package fetchkit

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestTransportErrorMessage(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &TransportError{Kind: TransportConnectionRefused, Method: "GET", URL: "http://x/y", Cause: cause}

	expected := "transport ConnectionRefused: GET http://x/y: dial tcp: refused"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("Expected TransportError to unwrap to its cause")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &TransportError{Kind: TransportTimeout}, true},
		{"refused", &TransportError{Kind: TransportConnectionRefused}, true},
		{"network", &TransportError{Kind: TransportNetwork}, true},
		{"dns", &TransportError{Kind: TransportDNSFailure}, false},
		{"cancelled", &TransportError{Kind: TransportCancelled}, false},
		{"circuit open", &TransportError{Kind: TransportCircuitOpen}, false},
		{"500", &StatusError{StatusCode: http.StatusInternalServerError}, true},
		{"503", &StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"408", &StatusError{StatusCode: http.StatusRequestTimeout}, true},
		{"429", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"404", &StatusError{StatusCode: http.StatusNotFound}, false},
		{"400", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"decode", &DecodeError{Kind: DecodeSchemaMismatch}, false},
		{"wrapped timeout", errors.Wrap(&TransportError{Kind: TransportTimeout}, "context"), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{
		Kind:     FetchRetriesExhausted,
		Key:      "users/42",
		Attempts: 4,
		Cause:    &TransportError{Kind: TransportTimeout, Method: "GET", URL: "http://api/users/42"},
	}

	msg := err.Error()
	if !strings.HasPrefix(msg, "fetch users/42: RetriesExhausted after 4 attempt(s): transport Timeout") {
		t.Errorf("Unexpected message: %s", msg)
	}
}

func TestFetchErrorIsMatchesKind(t *testing.T) {
	err := errors.Wrap(&FetchError{Kind: FetchCancelled, Cause: context.Canceled}, "outer")

	if !errors.Is(err, &FetchError{Kind: FetchCancelled}) {
		t.Error("Expected errors.Is to match by kind")
	}
	if errors.Is(err, &FetchError{Kind: FetchDecodeFailure}) {
		t.Error("Expected errors.Is not to match a different kind")
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected cause to be reachable")
	}
	if !IsFetchKind(err, FetchCancelled) {
		t.Error("Expected IsFetchKind to report Cancelled")
	}
}

func TestFetchErrorDebugInfo(t *testing.T) {
	err := &FetchError{
		Kind:      FetchStatusFailure,
		Key:       "products/9",
		Attempts:  1,
		Cause:     &StatusError{StatusCode: 404, Method: "GET", URL: "http://api/products/9"},
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	info := err.DebugInfo()
	for _, want := range []string{"Error Kind: StatusFailure", "Key: products/9", "Attempts: 1", "Status Code: 404", "Timestamp: 2024-05-01T10:00:00Z"} {
		if !strings.Contains(info, want) {
			t.Errorf("Expected DebugInfo to contain %q, got:\n%s", want, info)
		}
	}

	var nilErr *FetchError
	if nilErr.DebugInfo() != "Error: <nil>" {
		t.Errorf("Unexpected nil DebugInfo: %q", nilErr.DebugInfo())
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{Kind: DecodeTruncatedPayload, ContentType: "application/json"}
	if err.Error() != "decode TruncatedPayload (application/json)" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
