// Package trampoline provides indirect-call dispatch through the guest
// module's own function table, including the simulated stack unwind the
// guest runtime expects after a trapped call.
//
// The guest runtime is compiled without native unwind support, so its
// non-local control transfer is emulated: a longjmp inside guest code
// reaches the host as a trap carrying ErrLongjmp. The trampoline must
// then restore the guest stack pointer to its pre-call value and
// re-signal the failure through the guest's own "exception thrown"
// primitive; any other trap is a genuine host-level fault and must
// propagate unchanged.
package trampoline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// ErrLongjmp marks the guest runtime's own control-flow signal. Host
// imports implementing the guest's throw primitive panic with this
// sentinel; the runtime surfaces the panic as the call's error.
var ErrLongjmp = errors.New("trampoline: guest longjmp signal")

// Throw aborts the in-flight indirect call with the guest's control-flow
// signal. It is installed as the guest's throw import and never returns.
func Throw() {
	panic(ErrLongjmp)
}

// fn is the callable slice of api.Function the trampoline needs,
// narrowed so tests can substitute in-process fakes.
type fn interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Trampoline dispatches indirect calls for one guest module instance.
type Trampoline struct {
	stackSave    fn
	stackRestore fn
	setThrew     fn
	dynCalls     map[string]fn
	lookup       func(sig string) fn
}

// requiredExports are the guest exports the trampoline cannot work
// without. Their absence indicates a runtime-build mismatch.
var requiredExports = []string{"stackSave", "stackRestore", "setThrew"}

// New resolves the trampoline's exports from the guest module.
func New(mod api.Module) (*Trampoline, error) {
	t := &Trampoline{dynCalls: make(map[string]fn)}
	funcs := make(map[string]api.Function, len(requiredExports))
	for _, name := range requiredExports {
		f := mod.ExportedFunction(name)
		if f == nil {
			return nil, fmt.Errorf("trampoline: guest missing %q export (runtime build mismatch)", name)
		}
		funcs[name] = f
	}
	t.stackSave = funcs["stackSave"]
	t.stackRestore = funcs["stackRestore"]
	t.setThrew = funcs["setThrew"]
	t.lookup = func(sig string) fn {
		f := mod.ExportedFunction("dynCall_" + sig)
		if f == nil {
			return nil
		}
		return f
	}
	return t, nil
}

// newWithFuncs wires a trampoline from pre-resolved callables; used by
// tests.
func newWithFuncs(stackSave, stackRestore, setThrew fn, lookup func(sig string) fn) *Trampoline {
	return &Trampoline{
		stackSave:    stackSave,
		stackRestore: stackRestore,
		setThrew:     setThrew,
		dynCalls:     make(map[string]fn),
		lookup:       lookup,
	}
}

// Invoke calls the guest function at the given function-table index
// through the dynCall dispatcher for sig. sig uses the conventional
// one-letter encoding, return type first ("vii" = void(i32,i32)).
//
// On the guest's own longjmp signal the saved stack pointer is restored,
// the thrown flag is raised through setThrew, and a zero result of the
// signature's arity is returned with no error. Any other failure
// propagates to the caller untouched.
func (t *Trampoline) Invoke(ctx context.Context, sig string, index uint32, args ...uint64) ([]uint64, error) {
	dyn, err := t.dynCall(sig)
	if err != nil {
		return nil, err
	}

	saved, err := t.stackSave.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("trampoline: stackSave: %w", err)
	}

	params := make([]uint64, 0, len(args)+1)
	params = append(params, uint64(index))
	params = append(params, args...)

	results, callErr := dyn.Call(ctx, params...)
	if callErr == nil {
		return results, nil
	}

	// The guest stack must be restored to its pre-call value before
	// either recovery or propagation; the runtime's internal state is
	// inconsistent otherwise.
	if _, err := t.stackRestore.Call(ctx, saved[0]); err != nil {
		return nil, fmt.Errorf("trampoline: stackRestore after trap: %w", err)
	}

	if !isLongjmpSignal(callErr) {
		return nil, callErr
	}

	if _, err := t.setThrew.Call(ctx, 1, 0); err != nil {
		return nil, fmt.Errorf("trampoline: setThrew: %w", err)
	}
	if sig != "" && sig[0] != 'v' {
		return []uint64{0}, nil
	}
	return nil, nil
}

func (t *Trampoline) dynCall(sig string) (fn, error) {
	if f, ok := t.dynCalls[sig]; ok {
		return f, nil
	}
	f := t.lookup(sig)
	if f == nil {
		return nil, fmt.Errorf("trampoline: guest missing dynCall_%s export (runtime build mismatch)", sig)
	}
	t.dynCalls[sig] = f
	return f, nil
}

// isLongjmpSignal reports whether err is the guest's own control-flow
// signal. The sentinel may arrive wrapped by the runtime's panic
// recovery, so the error text is checked as a fallback.
func isLongjmpSignal(err error) bool {
	if errors.Is(err, ErrLongjmp) {
		return true
	}
	return strings.Contains(err.Error(), ErrLongjmp.Error())
}
