package breaker

import (
	"errors"
	"strconv"
)

// HTTPStatusError carries an HTTP status from an integration call so the
// classifier can decide retryability.
type HTTPStatusError struct {
	Status int
	Msg    string
}

func (e *HTTPStatusError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "http status " + strconv.Itoa(e.Status)
}

// defaultRetryableStatuses are the HTTP codes treated as transient unless a
// call site overrides the set.
var defaultRetryableStatuses = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// HTTPClassify returns a classifier that treats the given status codes as
// transient on top of the default network heuristic. With no arguments the
// default retryable set applies.
func HTTPClassify(retryable ...int) func(error) Class {
	set := defaultRetryableStatuses
	if len(retryable) > 0 {
		set = make(map[int]bool, len(retryable))
		for _, code := range retryable {
			set[code] = true
		}
	}
	return func(err error) Class {
		var he *HTTPStatusError
		if errors.As(err, &he) {
			if set[he.Status] {
				return ClassTransient
			}
			return ClassTerminal
		}
		return DefaultClassify(err)
	}
}
