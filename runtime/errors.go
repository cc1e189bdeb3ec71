package runtime

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/localstack/lambda-runtime-client/internal/rapi"
)

const (
	// Error types reserved by the runtime itself. Handler-authored failures
	// keep handlerErrorType unless they implement an InvokeError.
	panicErrorType   = "runtime.Panic"
	streamErrorType  = "Runtime.StreamError"
	initErrorType    = "Runtime.InitError"
	handlerErrorType = "HandlerError"
)

// InvokeError is a handler failure with an explicit error type and optional
// stack trace. Handlers return it (or wrap it) when the default HandlerError
// classification is not specific enough; it is reported verbatim.
type InvokeError struct {
	Message    string
	Type       string
	StackTrace []string
}

func (e *InvokeError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// PanicError is an abrupt handler termination captured at the invocation
// boundary. It never unwinds past the loop; it is reported like any other
// handler failure.
type PanicError struct {
	Value any
	Stack []string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

func newPanicError(value any) *PanicError {
	return &PanicError{
		Value: value,
		Stack: strings.Split(strings.TrimSpace(string(debug.Stack())), "\n"),
	}
}

// errorResponseFor maps a handler failure to the wire error document.
func errorResponseFor(err error) *rapi.ErrorResponse {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return &rapi.ErrorResponse{
			ErrorMessage: panicErr.Error(),
			ErrorType:    panicErrorType,
			StackTrace:   panicErr.Stack,
		}
	}

	var invokeErr *InvokeError
	if errors.As(err, &invokeErr) {
		errType := invokeErr.Type
		if errType == "" {
			errType = handlerErrorType
		}
		return &rapi.ErrorResponse{
			ErrorMessage: invokeErr.Message,
			ErrorType:    errType,
			StackTrace:   invokeErr.StackTrace,
		}
	}

	return &rapi.ErrorResponse{
		ErrorMessage: err.Error(),
		ErrorType:    handlerErrorType,
	}
}

// fatal wraps failures that must terminate the process: the control-plane
// conversation is broken and the environment cannot be safely reused.
type fatalError struct {
	reason string
	err    error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *fatalError) Unwrap() error {
	return e.err
}
