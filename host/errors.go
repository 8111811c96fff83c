package host

import (
	"errors"
	"fmt"

	"github.com/meshforge-dev/meshforge/kernel"
	"github.com/meshforge-dev/meshforge/proxy"
	"github.com/meshforge-dev/meshforge/wire"
)

// TrapError reports a host-level fault inside either module that is not
// the guest runtime's own control-flow signal. The orchestrator is
// poisoned; the caller must dispose of it and start over.
type TrapError struct {
	Command string
	Cause   error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("host trap during %q: %v", e.Command, e.Cause)
}

func (e *TrapError) Unwrap() error {
	return e.Cause
}

// isTrap reports whether err falls outside the recoverable taxonomy.
// Boundary misuse, guest exceptions, and kernel error codes leave the
// orchestrator usable; everything else poisons it.
func isTrap(err error) bool {
	var be *wire.BoundaryUsageError
	var ge *proxy.GuestError
	var ce *kernel.CallError
	return !errors.As(err, &be) && !errors.As(err, &ge) && !errors.As(err, &ce)
}
