package inflight

import "errors"

// ErrAbandoned is the cancellation cause of a call whose last attached
// caller left before it finished.
var ErrAbandoned = errors.New("inflight: call abandoned by all callers")
