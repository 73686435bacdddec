package gateway

import (
	"errors"
	"fmt"
)

// Error wraps a failed gateway exchange. Every client error is transport
// class: a timeout, a non-2xx status or an unparseable body. Callers must
// treat it as "status unknown, retry later" and never as a terminal payment
// result.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is a gateway transport failure.
func IsTransport(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
