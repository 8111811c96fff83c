package wire

import "fmt"

// UsageCode classifies caller-side protocol misuse.
type UsageCode string

const (
	// CodeNotReady marks a command issued before initialization.
	CodeNotReady UsageCode = "NOT_READY"

	// CodeBusy marks a command issued while another is in flight. The
	// pending command's eventual completion is unaffected.
	CodeBusy UsageCode = "BUSY"

	// CodeBadArgs marks malformed or missing command arguments.
	CodeBadArgs UsageCode = "BAD_ARGS"

	// CodeAlreadyInitialized marks an init command sent to an
	// orchestrator that is already initialized. Nothing is in flight;
	// the command is simply out of order.
	CodeAlreadyInitialized UsageCode = "ALREADY_INITIALIZED"

	// CodeTerminated marks a command issued after disposal.
	CodeTerminated UsageCode = "TERMINATED"
)

// BoundaryUsageError reports a command rejected at the channel boundary
// before any state was touched. It is fatal to that command only; the
// orchestrator remains usable.
type BoundaryUsageError struct {
	Code    UsageCode
	Message string
}

func (e *BoundaryUsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Detail converts the error to its wire form.
func (e *BoundaryUsageError) Detail() *ErrorDetail {
	return &ErrorDetail{Name: string(e.Code), Message: e.Message}
}
