// Package guest embeds the scripting VM module and wires the host
// imports its compiled runtime requires: virtual file syscalls, buffered
// stdio, indirect-call trampolines, a handful of time and randomness
// primitives, and the bridge namespace through which guest code reaches
// host functionality.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/meshforge-dev/meshforge/memview"
	"github.com/meshforge-dev/meshforge/proxy"
	"github.com/meshforge-dev/meshforge/trampoline"
	"github.com/meshforge-dev/meshforge/vfs"
)

// ErrNotImplemented marks an import stub the bundled runtime build was
// not expected to need. Hitting one always indicates a build/version
// mismatch, never a recoverable runtime condition.
var ErrNotImplemented = errors.New("guest: host import not implemented")

// Bridge is the closed set of host entry points reachable from guest
// code through the namespace object at handle 0. Lookup is a fixed
// match over known names, never open-ended reflection.
type Bridge interface {
	// LookupAttr resolves a named attribute on the namespace object,
	// returning false when the name is outside the closed set.
	LookupAttr(name string) (proxy.Value, bool)

	// Call invokes the callable behind handle with decoded arguments.
	// A *proxy.GuestError return crosses back to the guest as an
	// exception slot; any other error is a host fault.
	Call(ctx context.Context, handle uint32, args []proxy.Value) (proxy.Value, error)
}

// Stream identifies an output side channel.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineFunc receives one newline-terminated line of guest output.
type LineFunc func(stream Stream, line string)

// VM is one instantiated guest scripting VM. It has shared mutable
// internal state and must never be reentered; the orchestrator
// serializes all calls.
type VM struct {
	mod    api.Module
	mem    *memview.View
	malloc api.Function
	free   api.Function
	exec   api.Function
	tramp  *trampoline.Trampoline

	files  *vfs.Table
	bridge Bridge
	onLine LineFunc
	stdout *lineBuffer
	stderr *lineBuffer

	log   *slog.Logger
	start time.Time
}

// Option configures VM instantiation.
type Option func(*VM)

// WithLogger sets the logger for import-level diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(v *VM) {
		v.log = log
	}
}

// WithLineFunc sets the receiver for buffered stdout/stderr lines.
func WithLineFunc(fn LineFunc) Option {
	return func(v *VM) {
		v.onLine = fn
	}
}

// Instantiate compiles the VM binary, registers the host import
// modules, and instantiates the guest. The returned VM owns the module
// instance; Close releases it.
func Instantiate(ctx context.Context, rt wazero.Runtime, wasm []byte, files *vfs.Table, bridge Bridge, opts ...Option) (*VM, error) {
	v := &VM{
		files:  files,
		bridge: bridge,
		start:  time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	if v.onLine == nil {
		v.onLine = func(Stream, string) {}
	}
	v.stdout = newLineBuffer(func(line string) { v.onLine(StreamStdout, line) })
	v.stderr = newLineBuffer(func(line string) { v.onLine(StreamStderr, line) })

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("guest: compile: %w", err)
	}

	// Host modules must exist before instantiation; their closures read
	// module state through the callback's api.Module, which is valid
	// even for imports called during the guest's own start function.
	if err := v.registerEnvModule(ctx, rt); err != nil {
		return nil, fmt.Errorf("guest: register env imports: %w", err)
	}
	if err := v.registerWASIModule(ctx, rt); err != nil {
		return nil, fmt.Errorf("guest: register wasi imports: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("guest"))
	if err != nil {
		return nil, fmt.Errorf("guest: instantiate: %w", err)
	}

	if mem := mod.Memory(); mem == nil {
		mod.Close(ctx)
		return nil, errors.New("guest: module exports no memory")
	}
	v.mod = mod
	v.mem = memview.New(mod.Memory())

	for _, name := range []string{"malloc", "free", "vm_exec"} {
		if mod.ExportedFunction(name) == nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("guest: missing %q export (runtime build mismatch)", name)
		}
	}
	v.malloc = mod.ExportedFunction("malloc")
	v.free = mod.ExportedFunction("free")
	v.exec = mod.ExportedFunction("vm_exec")

	tramp, err := trampoline.New(mod)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	v.tramp = tramp

	if initFn := mod.ExportedFunction("vm_init"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("guest: vm_init: %w", err)
		}
	}
	return v, nil
}

// Allocate reserves size bytes in guest memory through the guest's own
// allocator. It implements proxy.Allocator.
func (v *VM) Allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := v.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("guest: malloc(%d): %w", size, err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("guest: malloc(%d) returned null", size)
	}
	return ptr, nil
}

func (v *VM) release(ctx context.Context, ptr uint32) {
	if ptr == 0 {
		return
	}
	if _, err := v.free.Call(ctx, uint64(ptr)); err != nil {
		v.log.Warn("guest: free failed", "ptr", ptr, "error", err)
	}
}

// Exec compiles and runs source text inside the guest VM, returning the
// decoded result slot. A top-level guest exception surfaces as a
// *proxy.GuestError; a trap is a host fault and propagates.
func (v *VM) Exec(ctx context.Context, source string) (proxy.Value, error) {
	srcPtr, err := v.Allocate(ctx, uint32(len(source))+1)
	if err != nil {
		return proxy.Value{}, err
	}
	defer v.release(ctx, srcPtr)
	if _, err := v.mem.WriteString(srcPtr, source); err != nil {
		return proxy.Value{}, err
	}
	if err := v.mem.WriteBytes(srcPtr+uint32(len(source)), []byte{0}); err != nil {
		return proxy.Value{}, err
	}

	slotPtr, err := v.Allocate(ctx, proxy.SlotSize)
	if err != nil {
		return proxy.Value{}, err
	}
	defer v.release(ctx, slotPtr)

	if _, err := v.exec.Call(ctx, uint64(srcPtr), uint64(len(source)), uint64(slotPtr)); err != nil {
		return proxy.Value{}, fmt.Errorf("guest: vm_exec trapped: %w", err)
	}

	codec := proxy.NewCodec(v.mem, v, nil)
	return codec.DecodeAt(ctx, slotPtr)
}

// Flush drains any partial, unterminated output so nothing is lost when
// the VM is discarded.
func (v *VM) Flush() {
	v.stdout.Flush()
	v.stderr.Flush()
}

// Close releases the module instance.
func (v *VM) Close(ctx context.Context) error {
	if v.mod == nil {
		return nil
	}
	return v.mod.Close(ctx)
}
