// Package errors provides standardized error messaging for the Waffle runtime.
//
// Fatal runtime conditions (virtual-memory failures, misaligned page operations,
// invalid pool configuration, malformed object graphs) are raised by panicking
// with a *StandardError. Conditions the mutator can act on, such as running out
// of heap, are returned as ordinary errors that wrap one of the sentinels below.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "CONFIGURATION"
	CategoryOSResource    ErrorCategory = "OS_RESOURCE"
	CategoryAlignment     ErrorCategory = "ALIGNMENT"
	CategoryMemory        ErrorCategory = "MEMORY"
	CategoryTrace         ErrorCategory = "TRACE"
	CategoryState         ErrorCategory = "STATE"
)

// Sentinels matched with errors.Is against a *StandardError of the same category.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrOSResource    = errors.New("os resource error")
	ErrAlignment     = errors.New("alignment violation")
	ErrOutOfMemory   = errors.New("out of memory")
	ErrTraceFault    = errors.New("trace fault")
	ErrInvalidState  = errors.New("invalid state")
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Err      error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v (caller: %s)", e.Category, e.Code, e.Message, e.Err, e.Caller)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Unwrap returns the underlying OS error, if any.
func (e *StandardError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's category.
func (e *StandardError) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Category == CategoryConfiguration
	case ErrOSResource:
		return e.Category == CategoryOSResource
	case ErrAlignment:
		return e.Category == CategoryAlignment
	case ErrOutOfMemory:
		return e.Category == CategoryMemory && e.Code == "OUT_OF_MEMORY"
	case ErrTraceFault:
		return e.Category == CategoryTrace
	case ErrInvalidState:
		return e.Category == CategoryState
	}
	return false
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newStandardError(2, category, code, message, context)
}

func newStandardError(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common error constructors

func InvalidWorkerCount(threads int) *StandardError {
	return newStandardError(2, CategoryConfiguration, "INVALID_WORKER_COUNT",
		fmt.Sprintf("GC pools require at least a single thread, got %d", threads),
		map[string]interface{}{"threads": threads})
}

func InvalidConfig(field string, value interface{}, reason string) *StandardError {
	return newStandardError(2, CategoryConfiguration, "INVALID_CONFIG",
		fmt.Sprintf("Invalid %s=%v: %s", field, value, reason),
		map[string]interface{}{"field": field, "value": value})
}

// OSFailure reports a virtual-memory system call that the runtime cannot recover from.
func OSFailure(op string, addr, size uintptr, err error) *StandardError {
	e := newStandardError(2, CategoryOSResource, "OS_CALL_FAILED",
		fmt.Sprintf("%s of %d bytes at %#x failed", op, size, addr),
		map[string]interface{}{"op": op, "addr": addr, "size": size})
	e.Err = err
	return e
}

func Misaligned(op string, addr, size, pageSize uintptr) *StandardError {
	return newStandardError(2, CategoryAlignment, "NOT_PAGE_ALIGNED",
		fmt.Sprintf("%s requires page-aligned arguments (addr %#x, size %d, page %d)", op, addr, size, pageSize),
		map[string]interface{}{"op": op, "addr": addr, "size": size, "page_size": pageSize})
}

func OutOfMemory(requested, limit uintptr, summary string) *StandardError {
	return newStandardError(2, CategoryMemory, "OUT_OF_MEMORY",
		fmt.Sprintf("allocation of %d bytes exceeds heap limit %d after collection\n%s", requested, limit, summary),
		map[string]interface{}{"requested": requested, "limit": limit})
}

func TraceFault(details string, index, generation uint32) *StandardError {
	return newStandardError(2, CategoryTrace, "MALFORMED_GRAPH",
		fmt.Sprintf("Malformed object graph: %s", details),
		map[string]interface{}{"index": index, "generation": generation})
}

func InvalidState(operation, state string) *StandardError {
	return newStandardError(2, CategoryState, "INVALID_STATE",
		fmt.Sprintf("%s is not permitted in state %s", operation, state),
		map[string]interface{}{"operation": operation, "state": state})
}
