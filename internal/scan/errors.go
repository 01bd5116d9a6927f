package scan

import (
	"errors"
	"fmt"
	"time"
)

// Every failed scan yields exactly one of these kinds.
var (
	ErrUnknownMember      = errors.New("unknown member")
	ErrThrottled          = errors.New("scan throttled")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrConflictingWrite   = errors.New("conflicting write")
)

// ThrottledError carries the wait before the station accepts another scan.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("scan throttled: retry in %dms", e.Remaining.Milliseconds())
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// BackendError wraps a failed or timed out lookup or write.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend unavailable: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendError) Unwrap() error { return e.Err }
