package api

import (
	"errors"
	"fmt"
)

// ErrorKind buckets a service failure into the handful of conditions
// callers can act on. Anything unrecognised stays KindRemote with the
// raw response preserved for diagnosis.
type ErrorKind int

// Error kinds
const (
	KindRemote        ErrorKind = iota // unrecognised failure
	KindAuthRequired                   // cookie invalid or session expired
	KindNotFound                       // path or id absent or already deleted
	KindAlreadyExists                  // duplicate name on mkdir
	KindInvalid                        // bad argument
	KindUnsupported                    // server refused the operation
	KindNoSpace                        // quota exhausted
	KindBusy                           // a prior batch operation is still running
	KindTransient                      // network timeout or 5xx, retryable
)

var kindNames = []string{
	KindRemote:        "remote error",
	KindAuthRequired:  "authentication required",
	KindNotFound:      "not found",
	KindAlreadyExists: "already exists",
	KindInvalid:       "invalid argument",
	KindUnsupported:   "operation not supported",
	KindNoSpace:       "no space",
	KindBusy:          "busy",
	KindTransient:     "transient error",
}

// String turns an ErrorKind into a string
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for errors.Is tests. An *Error matches the sentinel of
// its kind.
var (
	ErrAuthRequired   = errors.New("authentication required")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrInvalid        = errors.New("invalid argument")
	ErrUnsupported    = errors.New("operation not supported")
	ErrNoSpace        = errors.New("no space")
	ErrBusy           = errors.New("busy")
	ErrCryptoMismatch = errors.New("response failed to decode under envelope")
)

var kindSentinels = map[ErrorKind]error{
	KindAuthRequired:  ErrAuthRequired,
	KindNotFound:      ErrNotFound,
	KindAlreadyExists: ErrAlreadyExists,
	KindInvalid:       ErrInvalid,
	KindUnsupported:   ErrUnsupported,
	KindNoSpace:       ErrNoSpace,
	KindBusy:          ErrBusy,
}

// Error is a failure reported by the service. Exactly one of Errno,
// ErrNo or Code is normally populated; Status carries the HTTP status
// when the failure was transport level.
type Error struct {
	Status  int    // HTTP status code, 0 if a 2xx carried the failure
	Errno   int    `json:"errno"`
	ErrNo   int    `json:"errNo"`
	Code    int    `json:"code"`
	Message string `json:"error"`
	Raw     []byte // raw response body, preserved for diagnosis
}

// Error returns a string for the error and satisfies the error interface
func (e *Error) Error() string {
	code := e.Errno
	if code == 0 {
		code = e.ErrNo
	}
	if code == 0 {
		code = e.Code
	}
	out := fmt.Sprintf("%v (%d)", e.Kind(), code)
	if e.Message != "" {
		out += ": " + e.Message
	}
	if e.Status != 0 {
		out += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	return out
}

// Is lets errors.Is match an *Error against the sentinel of its kind
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind()]; ok {
		return target == s
	}
	return false
}

// Kind classifies the error by the three possible error-code fields
// plus the HTTP status.
func (e *Error) Kind() ErrorKind {
	switch e.Errno {
	case 99, 911, 40101032:
		return KindAuthRequired
	case 20009, 90008, 231011, 20018:
		return KindNotFound
	case 20004:
		return KindAlreadyExists
	case 40100000:
		return KindInvalid
	case 91002, 91004, 990023:
		return KindUnsupported
	case 91005:
		return KindNoSpace
	case 990009:
		return KindBusy
	}
	switch e.ErrNo {
	case 990001:
		return KindAuthRequired
	}
	switch e.Code {
	case 20018:
		return KindNotFound
	case 990002:
		return KindInvalid
	}
	if e.Status >= 500 && e.Status <= 599 {
		return KindTransient
	}
	return KindRemote
}

// Retriable reports whether retrying the request might help
func (e *Error) Retriable() bool {
	return e.Kind() == KindTransient
}

// Check Error satisfies the error interface
var _ error = (*Error)(nil)
