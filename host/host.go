// Package host implements the orchestrator owning both sandboxed
// modules: the guest scripting VM and the geometry kernel. It exposes
// them as a single serialized command channel with out-of-band events
// for guest output and diagnostics.
//
// One orchestrator instance scopes all bridge state: the virtual file
// table, the handle table, both module instances, and the single
// pending-command slot. Multiple orchestrators can coexist; nothing is
// process-wide.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/meshforge-dev/meshforge/guest"
	"github.com/meshforge-dev/meshforge/kernel"
	"github.com/meshforge-dev/meshforge/proxy"
	"github.com/meshforge-dev/meshforge/vfs"
	"github.com/meshforge-dev/meshforge/wire"
)

// state is the orchestrator's lifecycle position. Transitions:
// Uninitialized -> Ready (once, on a successful init),
// Ready <-> Busy (one command in flight), anything -> Terminated
// (disposal or host trap). A failed init returns to Uninitialized.
type state int

const (
	stateUninitialized state = iota
	stateReady
	stateBusy
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateBusy:
		return "busy"
	case stateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const defaultEventBuffer = 64

// Script files live under this directory in the virtual file table; the
// guest runtime's module search path includes it.
const packageDir = "/lib/meshforge"

// guestVM is the orchestrator's view of the guest module, narrowed for
// tests.
type guestVM interface {
	Exec(ctx context.Context, source string) (proxy.Value, error)
	Flush()
	Close(ctx context.Context) error
}

// kernelAPI is the orchestrator's view of the kernel client, narrowed
// for tests.
type kernelAPI interface {
	Init(ctx context.Context) error
	Call(ctx context.Context, name string, args ...float64) (uint32, error)
	CallPacked(ctx context.Context, name string, args ...float64) (uint64, error)
	Serialize(ctx context.Context) ([]byte, error)
	WriteString(ctx context.Context, handle uint32, s string) error
	ReadString(ctx context.Context, handle uint32) (string, error)
}

// Orchestrator serializes access to one guest VM / kernel pair.
type Orchestrator struct {
	mu       sync.Mutex
	state    state
	disposed bool

	rt      wazero.Runtime
	files   *vfs.Table
	handles *proxy.HandleTable
	vm      guestVM
	kern    kernelAPI

	// Event delivery is never lossy: emit appends to pending under
	// evMu, and a pump goroutine moves events into the channel in
	// order as the receiver drains it.
	events   chan wire.Event
	evMu     sync.Mutex
	evCond   *sync.Cond
	pending  []wire.Event
	evClosed bool

	log *slog.Logger

	// Instantiation seams; tests swap in fakes so no wasm is needed.
	newGuest  func(ctx context.Context, rt wazero.Runtime, wasm []byte, files *vfs.Table, b guest.Bridge, onLine guest.LineFunc) (guestVM, error)
	newKernel func(ctx context.Context, rt wazero.Runtime, wasm []byte) (kernelAPI, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for orchestrator diagnostics. Diagnostics
// tied to command execution are additionally emitted as log events.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithEventBuffer sets the event channel capacity. Capacity only tunes
// how many events sit ready for the receiver; events beyond it queue
// inside the orchestrator until drained, never dropped.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		o.events = make(chan wire.Event, n)
	}
}

// New returns an orchestrator in the uninitialized state. The module
// binaries arrive later, with the init command.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.events == nil {
		o.events = make(chan wire.Event, defaultEventBuffer)
	}
	o.evCond = sync.NewCond(&o.evMu)
	o.files = vfs.NewTable(vfs.WithLogger(o.log))

	o.newGuest = func(ctx context.Context, rt wazero.Runtime, wasm []byte, files *vfs.Table, b guest.Bridge, onLine guest.LineFunc) (guestVM, error) {
		return guest.Instantiate(ctx, rt, wasm, files, b,
			guest.WithLogger(o.log), guest.WithLineFunc(onLine))
	}
	o.newKernel = func(ctx context.Context, rt wazero.Runtime, wasm []byte) (kernelAPI, error) {
		compiled, err := rt.CompileModule(ctx, wasm)
		if err != nil {
			return nil, fmt.Errorf("kernel: compile: %w", err)
		}
		mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("kernel"))
		if err != nil {
			return nil, fmt.Errorf("kernel: instantiate: %w", err)
		}
		return kernel.New(mod, kernel.WithLogger(o.log))
	}

	go o.pump()
	return o
}

// Events returns the notification stream. Stdout and stderr lines
// produced during a command are queued before that command's response
// is returned, so a receiver draining in order never sees a result
// ahead of the output it produced. The channel closes after Close once
// every queued event has been delivered.
func (o *Orchestrator) Events() <-chan wire.Event {
	return o.events
}

// Do executes one command synchronously. At most one command runs at a
// time; a command arriving while another is in flight fails immediately
// with BUSY and does not affect the pending command.
func (o *Orchestrator) Do(ctx context.Context, req wire.Request) wire.Response {
	prev, err := o.acquire(req.Command)
	if err != nil {
		return failure(req.Command, err)
	}

	result, err := o.dispatch(ctx, req)

	// Pending partial output must reach the event queue before the
	// response does.
	if o.vm != nil {
		o.vm.Flush()
	}
	o.syncEvents()

	if err != nil {
		if isTrap(err) {
			te := &TrapError{Command: req.Command, Cause: err}
			o.poison(te)
			return failure(req.Command, te)
		}
		o.release(prev, err)
		return failure(req.Command, err)
	}
	o.release(prev, nil)
	return wire.Response{Command: req.Command, Result: result}
}

// Submit executes a command asynchronously, delivering the response to
// done on a separate goroutine. Busy-rejection semantics are identical
// to Do.
func (o *Orchestrator) Submit(ctx context.Context, req wire.Request, done func(wire.Response)) {
	go func() {
		done(o.Do(ctx, req))
	}()
}

// acquire validates the state machine and claims the busy slot,
// returning the state the command entered from.
func (o *Orchestrator) acquire(command string) (state, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.state
	switch prev {
	case stateTerminated:
		return prev, &wire.BoundaryUsageError{
			Code:    wire.CodeTerminated,
			Message: "orchestrator has been disposed",
		}
	case stateBusy:
		return prev, &wire.BoundaryUsageError{
			Code:    wire.CodeBusy,
			Message: "a command is already in flight",
		}
	case stateUninitialized:
		if command != wire.CommandInit {
			return prev, &wire.BoundaryUsageError{
				Code:    wire.CodeNotReady,
				Message: fmt.Sprintf("%q requires initialization", command),
			}
		}
	case stateReady:
		if command == wire.CommandInit {
			return prev, &wire.BoundaryUsageError{
				Code:    wire.CodeAlreadyInitialized,
				Message: "already initialized",
			}
		}
	}
	o.state = stateBusy
	return prev, nil
}

// release returns the busy slot. A command that entered from
// Uninitialized (that is, init) only reaches Ready on success; a failed
// init puts the orchestrator back where it started so the ordering
// checks keep holding.
func (o *Orchestrator) release(prev state, cmdErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateBusy {
		return
	}
	if prev == stateUninitialized && cmdErr != nil {
		o.state = stateUninitialized
		return
	}
	o.state = stateReady
}

// poison marks the orchestrator unusable after a host-level trap. Only
// disposal remains.
func (o *Orchestrator) poison(cause error) {
	o.mu.Lock()
	o.state = stateTerminated
	o.mu.Unlock()
	o.log.Error("host: orchestrator poisoned", "error", cause)
}

// failure classifies err per the channel's error taxonomy and builds
// the response.
func failure(command string, err error) wire.Response {
	return wire.Response{Command: command, Error: errorDetail(err)}
}

func errorDetail(err error) *wire.ErrorDetail {
	var be *wire.BoundaryUsageError
	if errors.As(err, &be) {
		return be.Detail()
	}
	var ge *proxy.GuestError
	if errors.As(err, &ge) {
		return &wire.ErrorDetail{Name: ge.Type, Message: ge.Message}
	}
	var ce *kernel.CallError
	if errors.As(err, &ce) {
		return &wire.ErrorDetail{Name: "KernelError", Message: ce.Error()}
	}
	var te *TrapError
	if errors.As(err, &te) {
		return &wire.ErrorDetail{Name: "HostTrap", Message: te.Error()}
	}
	return &wire.ErrorDetail{Name: "HostError", Message: err.Error()}
}

// emit queues an event for delivery. The queue grows without bound so
// command execution never blocks on, and never loses output to, a slow
// receiver.
func (o *Orchestrator) emit(ev wire.Event) {
	o.evMu.Lock()
	o.pending = append(o.pending, ev)
	o.evMu.Unlock()
	o.evCond.Broadcast()
}

// pump moves queued events into the channel in order, then closes the
// channel once the orchestrator is disposed and the queue is drained.
func (o *Orchestrator) pump() {
	for {
		o.evMu.Lock()
		for len(o.pending) == 0 && !o.evClosed {
			o.evCond.Wait()
		}
		if len(o.pending) == 0 {
			o.evMu.Unlock()
			close(o.events)
			return
		}
		ev := o.pending[0]
		o.evMu.Unlock()

		o.events <- ev

		o.evMu.Lock()
		o.pending = o.pending[1:]
		o.evMu.Unlock()
		o.evCond.Broadcast()
	}
}

// syncEvents waits until every queued event is either in the channel or
// blocked only on the receiver. When the channel has spare capacity on
// return, everything queued so far is already buffered in it.
func (o *Orchestrator) syncEvents() {
	o.evMu.Lock()
	for len(o.pending) > 0 && len(o.events) < cap(o.events) {
		o.evCond.Wait()
	}
	o.evMu.Unlock()
}

// logEvent records an internal diagnostic both to the logger and the
// event stream. Receivers filter by priority; the sender never does.
func (o *Orchestrator) logEvent(priority int, line string) {
	o.log.Debug("host: "+line, "priority", priority)
	o.emit(wire.Event{Event: wire.EventLog, Line: line, Priority: priority})
}

// Close disposes the orchestrator: both module instances, the file
// table, and the handle table go together. There is no way to cancel
// running guest code short of this. The event channel closes once its
// queue has drained.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	o.state = stateTerminated
	o.mu.Unlock()

	var errs []error
	if o.vm != nil {
		o.vm.Flush()
		if err := o.vm.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if o.rt != nil {
		if err := o.rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	o.evMu.Lock()
	o.evClosed = true
	o.evMu.Unlock()
	o.evCond.Broadcast()

	return errors.Join(errs...)
}
