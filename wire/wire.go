// Package wire defines the JSON message shapes exchanged between an
// external caller and the orchestrator: one request/response pair per
// command, plus out-of-band events for guest output and diagnostics.
// These types are the channel's contract and must remain stable.
package wire

import "fmt"

// Command names accepted by the orchestrator.
const (
	CommandInit            = "init"
	CommandAddFile         = "add_file"
	CommandCheckFileExists = "check_file_exists"
	CommandRunCode         = "run_code"
	CommandExecute         = "execute"
	CommandSerialize       = "serialize"
	CommandProtocolSchema  = "protocol_schema"
)

// Args carries a command's named arguments. Each command decodes it
// into its typed argument struct before use.
type Args map[string]any

// Request is one command message.
type Request struct {
	Command string `json:"command"`
	Args    Args   `json:"args,omitempty"`
}

// Response completes one Request. Exactly one of Result and Error is
// populated.
type Response struct {
	Command string       `json:"command"`
	Result  any          `json:"result,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the wire form of a command failure.
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Error implements the error interface for ErrorDetail.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// EventKind discriminates the event side channel.
type EventKind string

const (
	EventStdout EventKind = "stdout"
	EventStderr EventKind = "stderr"
	EventLog    EventKind = "log"
)

// Event is one out-of-band notification. Stdout and stderr events carry
// a newline-terminated guest output line; log events additionally carry
// a numeric priority that receivers, not senders, filter on.
type Event struct {
	Event    EventKind `json:"event"`
	Line     string    `json:"line"`
	Priority int       `json:"priority,omitempty"`
}
