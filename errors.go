package fetchkit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Sentinel errors for failure scenarios that carry no extra context.
var (
	// ErrCircuitOpen is wrapped by a TransportError when the circuit breaker rejects a send.
	ErrCircuitOpen = errors.New("fetchkit: circuit open")

	// ErrBodyTooLarge is wrapped by a TransportError when a response body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("fetchkit: response body too large")

	// ErrStoreClosed is returned when subscribing to a closed ObservableStore.
	ErrStoreClosed = errors.New("fetchkit: store closed")

	// ErrNilTransport is reported by ValidateConfiguration when no transport is set.
	ErrNilTransport = errors.New("fetchkit: nil transport")

	// ErrInvalidConfiguration is wrapped by every ValidateConfiguration failure.
	ErrInvalidConfiguration = errors.New("fetchkit: invalid configuration")
)

// TransportErrorKind classifies network-level failures.
type TransportErrorKind string

const (
	TransportTimeout           TransportErrorKind = "Timeout"
	TransportConnectionRefused TransportErrorKind = "ConnectionRefused"
	TransportDNSFailure        TransportErrorKind = "DNSFailure"
	TransportCancelled         TransportErrorKind = "Cancelled"
	TransportNetwork           TransportErrorKind = "Network"
	TransportCircuitOpen       TransportErrorKind = "CircuitOpen"
	TransportBodyTooLarge      TransportErrorKind = "BodyTooLarge"
)

// TransportError is returned by a Transport when no HTTP response was obtained.
type TransportError struct {
	Kind   TransportErrorKind
	Method string
	URL    string
	Cause  error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("transport %s: %s %s", e.Kind, e.Method, e.URL)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Transient reports whether retrying the same request may succeed.
func (e *TransportError) Transient() bool {
	switch e.Kind {
	case TransportTimeout, TransportConnectionRefused, TransportNetwork:
		return true
	default:
		return false
	}
}

// StatusError is returned by a Transport for a non-2xx response.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("unexpected status %d (%s) for %s %s", e.StatusCode, http.StatusText(e.StatusCode), e.Method, e.URL)
}

// Transient is true for 5xx, 408 and 429. Every other 4xx is a semantic error.
func (e *StatusError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// DecodeErrorKind classifies payload-level failures.
type DecodeErrorKind string

const (
	DecodeSchemaMismatch   DecodeErrorKind = "SchemaMismatch"
	DecodeTruncatedPayload DecodeErrorKind = "TruncatedPayload"
	DecodeUnsupportedType  DecodeErrorKind = "UnsupportedType"
)

// DecodeError is returned by a Codec. It is never retried.
type DecodeError struct {
	Kind        DecodeErrorKind
	ContentType string
	Cause       error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("decode %s (%s): %v", e.Kind, e.ContentType, e.Cause)
	}
	return fmt.Sprintf("decode %s (%s)", e.Kind, e.ContentType)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FetchErrorKind is the consumer-facing failure classification.
type FetchErrorKind string

const (
	FetchTransportFailure FetchErrorKind = "TransportFailure"
	FetchDecodeFailure    FetchErrorKind = "DecodeFailure"
	FetchRetriesExhausted FetchErrorKind = "RetriesExhausted"
	FetchCancelled        FetchErrorKind = "Cancelled"
	FetchStatusFailure    FetchErrorKind = "StatusFailure"
)

// FetchError is the only error type the Repository surfaces. Transport and
// codec errors are reachable through Cause / errors.As.
type FetchError struct {
	Kind      FetchErrorKind
	Key       string
	Attempts  int
	Cause     error
	Timestamp time.Time
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("fetch")
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *FetchError by Kind, so errors.Is(err, &FetchError{Kind: FetchCancelled}) works.
func (e *FetchError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*FetchError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *FetchError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Kind: %s\n", e.Kind)
	if e.Key != "" {
		info += fmt.Sprintf("Key: %s\n", e.Key)
	}
	if e.Attempts > 0 {
		info += fmt.Sprintf("Attempts: %d\n", e.Attempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	var te *TransportError
	if errors.As(e.Cause, &te) {
		info += fmt.Sprintf("Transport: %s %s %s\n", te.Kind, te.Method, te.URL)
	}
	var se *StatusError
	if errors.As(e.Cause, &se) {
		info += fmt.Sprintf("Status Code: %d\n", se.StatusCode)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Timeouts, refused connections, generic network errors, 5xx, 408 and 429 are transient.
// Decode errors, DNS failures, cancellations, open circuits and other 4xx are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return false
}

// IsFetchKind reports whether err is a *FetchError of the given kind.
func IsFetchKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
