package proxy

import (
	"fmt"
	"strings"
)

// ExceptionSeparator divides the exception type from its message inside
// an exception slot's single string payload. 0x1F (unit separator)
// cannot appear in text the guest runtime renders for either half.
const ExceptionSeparator = byte(0x1f)

// GuestError carries an exception raised inside guest code across the
// boundary. Decoding an exception-tagged slot produces a GuestError
// instead of a Value; it is recoverable and leaves the orchestrator
// usable.
type GuestError struct {
	Type    string
	Message string
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// splitException separates the packed "type<sep>message" payload.
func splitException(payload string) *GuestError {
	typ, msg, found := strings.Cut(payload, string(ExceptionSeparator))
	if !found {
		return &GuestError{Type: payload}
	}
	return &GuestError{Type: typ, Message: msg}
}

// joinException packs a GuestError back into the single-string payload.
func joinException(e *GuestError) string {
	return e.Type + string(ExceptionSeparator) + e.Message
}

// UsageError marks a fatal misuse of the marshaling protocol, such as
// the guest presenting a tag the host never produced. It is not
// recoverable for the command that triggered it.
type UsageError struct {
	Op     string
	Detail string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("proxy: %s: %s", e.Op, e.Detail)
}
