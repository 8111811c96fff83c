package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshforge-dev/meshforge/guest"
	"github.com/meshforge-dev/meshforge/proxy"
	"github.com/meshforge-dev/meshforge/schema"
	"github.com/meshforge-dev/meshforge/vfs"
	"github.com/meshforge-dev/meshforge/wire"
	"github.com/tetratelabs/wazero"
)

func (o *Orchestrator) dispatch(ctx context.Context, req wire.Request) (any, error) {
	switch req.Command {
	case wire.CommandInit:
		return o.handleInit(ctx, req.Args)
	case wire.CommandAddFile:
		return o.handleAddFile(req.Args)
	case wire.CommandCheckFileExists:
		return o.handleCheckFileExists(req.Args)
	case wire.CommandRunCode:
		return o.handleRunCode(ctx, req.Args)
	case wire.CommandExecute:
		return o.handleExecute(ctx, req.Args)
	case wire.CommandSerialize:
		return o.handleSerialize(ctx)
	case wire.CommandProtocolSchema:
		return o.handleProtocolSchema()
	}
	return nil, &wire.BoundaryUsageError{
		Code:    wire.CodeBadArgs,
		Message: fmt.Sprintf("unknown command %q", req.Command),
	}
}

// handleInit brings the orchestrator from Uninitialized to Ready:
// instantiate the kernel and prime it, seed the file table with the
// package skeleton, then instantiate the guest VM against the bridge.
// On failure everything partially created is torn down so the
// orchestrator returns to a clean uninitialized state and a later init
// can start over.
func (o *Orchestrator) handleInit(ctx context.Context, raw wire.Args) (any, error) {
	var args wire.InitArgs
	if err := wire.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	result, err := o.initModules(ctx, args)
	if err != nil {
		o.resetInit(ctx)
	}
	return result, err
}

func (o *Orchestrator) initModules(ctx context.Context, args wire.InitArgs) (any, error) {
	o.rt = wazero.NewRuntime(ctx)

	kern, err := o.newKernel(ctx, o.rt, args.KernelModule)
	if err != nil {
		return nil, err
	}
	o.kern = kern
	if err := kern.Init(ctx); err != nil {
		return nil, err
	}
	o.logEvent(2, "kernel initialized")

	o.files.AddDir("/lib")
	o.files.AddDir(packageDir)
	o.files.Add(packageDir+"/__init__.py", args.InitScript)
	if args.ScriptName != "" {
		o.files.Add(packageDir+"/"+scriptFileName(args.ScriptName), args.ScriptSource)
	}

	b := newBridge(o)
	o.handles = b.handles

	vm, err := o.newGuest(ctx, o.rt, args.GuestModule, o.files, b,
		func(stream guest.Stream, line string) {
			o.emit(wire.Event{Event: wire.EventKind(stream), Line: line})
		})
	if err != nil {
		return nil, err
	}
	o.vm = vm
	o.logEvent(2, "guest runtime ready")
	return true, nil
}

// resetInit discards everything a failed init partially created: module
// instances, the runtime, the handle table, and any file-table entries
// already seeded.
func (o *Orchestrator) resetInit(ctx context.Context) {
	if o.vm != nil {
		if err := o.vm.Close(ctx); err != nil {
			o.log.Warn("host: closing guest after failed init", "error", err)
		}
		o.vm = nil
	}
	if o.rt != nil {
		if err := o.rt.Close(ctx); err != nil {
			o.log.Warn("host: closing runtime after failed init", "error", err)
		}
		o.rt = nil
	}
	o.kern = nil
	o.handles = nil
	o.files = vfs.NewTable(vfs.WithLogger(o.log))
}

func (o *Orchestrator) handleAddFile(raw wire.Args) (any, error) {
	var args wire.AddFileArgs
	if err := wire.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	o.files.Add(args.Path, args.Data)
	return true, nil
}

func (o *Orchestrator) handleCheckFileExists(raw wire.Args) (any, error) {
	var args wire.CheckFileArgs
	if err := wire.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return o.files.Exists(args.Path), nil
}

func (o *Orchestrator) handleRunCode(ctx context.Context, raw wire.Args) (any, error) {
	var args wire.RunCodeArgs
	if err := wire.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	val, err := o.vm.Exec(ctx, args.Source)
	if err != nil {
		return nil, err
	}
	return wireValue(val), nil
}

// handleExecute synthesizes guest source that imports the module and
// invokes its entry point, then runs it through the same path as
// run_code.
func (o *Orchestrator) handleExecute(ctx context.Context, raw wire.Args) (any, error) {
	var args wire.ExecuteArgs
	if err := wire.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	source, err := synthesizeCall(args.Module, args.EntryPoint, args.Args, args.Kwargs)
	if err != nil {
		return nil, err
	}
	val, err := o.vm.Exec(ctx, source)
	if err != nil {
		return nil, err
	}
	return wireValue(val), nil
}

// handleSerialize bypasses the guest VM entirely: a direct kernel call
// returning a fat pointer, copied out of kernel memory before any
// subsequent call can invalidate the range.
func (o *Orchestrator) handleSerialize(ctx context.Context) (any, error) {
	return o.kern.Serialize(ctx)
}

func (o *Orchestrator) handleProtocolSchema() (any, error) {
	return schema.Generate()
}

// wireValue converts a decoded boundary value into its JSON-facing
// form.
func wireValue(v proxy.Value) any {
	switch v.Kind {
	case proxy.KindBool:
		return v.Bool
	case proxy.KindInt:
		return v.Int
	case proxy.KindDouble:
		return v.Float
	case proxy.KindString:
		return v.Str
	case proxy.KindObject:
		return map[string]any{"object_handle": v.Handle}
	}
	return nil
}

// scriptFileName appends the script suffix unless the caller already
// supplied one.
func scriptFileName(name string) string {
	if strings.HasSuffix(name, ".py") {
		return vfs.Normalize(name)[1:]
	}
	return vfs.Normalize(name)[1:] + ".py"
}
