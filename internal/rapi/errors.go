package rapi

import "fmt"

// TransportError is any failure to complete a control endpoint conversation.
// Retryable errors may be re-attempted by the caller; the client itself never
// retries.
type TransportError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("runtime API %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError means the control endpoint responded, but with data this
// client cannot act on (missing request id, malformed deadline, unexpected
// status on a report path). There is nothing to retry against.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("runtime API %s: %s", e.Op, e.Reason)
}
