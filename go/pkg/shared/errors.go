package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrPipelineSaturated is returned when a producer could not claim a slot
	// within its wait policy.
	ErrPipelineSaturated = errors.New("pipeline saturated")
	// ErrHandlerFailed marks a consumer handler that returned an error or panicked.
	ErrHandlerFailed = errors.New("handler failed")
	// ErrProfileMissing is reported when a bar arrives for a symbol with no profile yet.
	ErrProfileMissing = errors.New("market profile missing")
	// ErrInstrumentUnknown is an instrument lookup miss.
	ErrInstrumentUnknown = errors.New("instrument unknown")
	// ErrConfigurationInvalid is fatal at startup.
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// ErrSinkUnavailable means a persistence target is down or saturated.
	ErrSinkUnavailable = errors.New("external sink unavailable")
	// ErrStageClosed is returned to producers after shutdown began.
	ErrStageClosed = errors.New("stage closed")
)

// HandlerError carries the stage position of a failed handler invocation.
type HandlerError struct {
	Stage   string
	Handler string
	Seq     int64
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("stage %s handler %s seq=%d: %v", e.Stage, e.Handler, e.Seq, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandlerFailed, e.Err} }
