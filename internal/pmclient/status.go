package pmclient

import (
	"errors"
	"fmt"
)

// Status is a return code written by the controller into the response slot.
// The client never interprets it; it is handed to the caller verbatim.
type Status uint32

const (
	StatusSuccess         Status = 0
	StatusErrArgs         Status = 1
	StatusErrNotSupported Status = 4
	StatusErrInternal     Status = 2000
	StatusErrConflict     Status = 2001
	StatusErrAccess       Status = 2002
	StatusErrInvalidNode  Status = 2003
	StatusErrDoubleReq    Status = 2004
	StatusErrAbortSuspend Status = 2005
	StatusErrTimeout      Status = 2006
	StatusErrNodeUsed     Status = 2007
)

var statusNames = map[Status]string{
	StatusSuccess:         "success",
	StatusErrArgs:         "invalid arguments",
	StatusErrNotSupported: "not supported",
	StatusErrInternal:     "internal error",
	StatusErrConflict:     "conflict",
	StatusErrAccess:       "access denied",
	StatusErrInvalidNode:  "invalid node",
	StatusErrDoubleReq:    "duplicate request",
	StatusErrAbortSuspend: "suspend aborted",
	StatusErrTimeout:      "controller timeout",
	StatusErrNodeUsed:     "node in use",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Err returns nil for StatusSuccess and a *StatusError otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError carries a non-success controller status as an error.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pmclient: controller returned %s (%d)", e.Status, uint32(e.Status))
}

var (
	// ErrNotFound reports a registry miss.
	ErrNotFound = errors.New("pmclient: not found")
	// ErrTimeout reports that the controller did not drain the channel in time.
	ErrTimeout = errors.New("pmclient: timed out waiting for controller")
	// ErrControllerUnavailable is returned by Call while repeated timeouts keep the breaker open.
	ErrControllerUnavailable = errors.New("pmclient: controller unavailable")
)
