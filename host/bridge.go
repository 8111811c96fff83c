package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/meshforge-dev/meshforge/kernel"
	"github.com/meshforge-dev/meshforge/proxy"
)

// bridgeFunc is one host callable reachable from guest code through an
// object handle.
type bridgeFunc func(ctx context.Context, args []proxy.Value) (proxy.Value, error)

// statExports are the kernel count getters surfaced to scripts by name.
var statExports = []string{"scene_count", "node_count", "mesh_count", "material_count"}

// bridge implements guest.Bridge. Attribute lookup on the namespace
// object is a fixed match over known names; there is no open-ended
// attribute storage or reflection.
type bridge struct {
	o       *Orchestrator
	handles *proxy.HandleTable
	attrs   map[string]uint32
}

func newBridge(o *Orchestrator) *bridge {
	b := &bridge{o: o, attrs: make(map[string]uint32)}
	b.handles = proxy.NewHandleTable(b)

	register := func(name string, fn bridgeFunc) {
		b.attrs[name] = b.handles.Add(fn)
	}
	register("mesh_call", b.kernelCall)
	register("string_transport", b.stringTransport)
	for _, name := range statExports {
		name := name
		register(name, func(ctx context.Context, args []proxy.Value) (proxy.Value, error) {
			if len(args) != 0 {
				return proxy.Value{}, &proxy.GuestError{
					Type:    "TypeError",
					Message: name + "() takes no arguments",
				}
			}
			n, err := b.o.kern.Call(ctx, name)
			if err != nil {
				return proxy.Value{}, asGuestError(err)
			}
			return proxy.Int(int64(n)), nil
		})
	}
	return b
}

func (b *bridge) LookupAttr(name string) (proxy.Value, bool) {
	handle, ok := b.attrs[name]
	if !ok {
		return proxy.Value{}, false
	}
	return proxy.Object(handle), true
}

func (b *bridge) Call(ctx context.Context, handle uint32, args []proxy.Value) (proxy.Value, error) {
	entry, ok := b.handles.Get(handle)
	if !ok {
		return proxy.Value{}, &proxy.UsageError{
			Op:     "call",
			Detail: fmt.Sprintf("object handle %d was never issued", handle),
		}
	}
	fn, ok := entry.(bridgeFunc)
	if !ok {
		return proxy.Value{}, &proxy.GuestError{
			Type:    "TypeError",
			Message: fmt.Sprintf("object %d is not callable", handle),
		}
	}
	return fn(ctx, args)
}

// kernelCall routes a script call to a named kernel export. The raw
// packed result is re-encoded as a double; the 48 bits actually used
// fit within a double's 53 safe integer bits, and the script-side
// wrapper decodes the halves itself.
func (b *bridge) kernelCall(ctx context.Context, args []proxy.Value) (proxy.Value, error) {
	if len(args) == 0 || args[0].Kind != proxy.KindString {
		return proxy.Value{}, &proxy.GuestError{
			Type:    "TypeError",
			Message: "mesh_call requires an export name as its first argument",
		}
	}
	name := args[0].Str

	nums := make([]float64, 0, len(args)-1)
	for i, a := range args[1:] {
		f, err := numericArg(a)
		if err != nil {
			return proxy.Value{}, &proxy.GuestError{
				Type:    "TypeError",
				Message: fmt.Sprintf("mesh_call %s: argument %d: %v", name, i+1, err),
			}
		}
		nums = append(nums, f)
	}

	packed, err := b.o.kern.CallPacked(ctx, name, nums...)
	if err != nil {
		return proxy.Value{}, asGuestError(err)
	}
	return proxy.Double(float64(packed)), nil
}

// stringTransport writes a string into a kernel transport slot, or with
// no payload reads the slot's current contents back.
func (b *bridge) stringTransport(ctx context.Context, args []proxy.Value) (proxy.Value, error) {
	badArgs := &proxy.GuestError{
		Type:    "TypeError",
		Message: "string_transport(slot) or string_transport(slot, text)",
	}
	if len(args) < 1 || len(args) > 2 {
		return proxy.Value{}, badArgs
	}
	slot, err := numericArg(args[0])
	if err != nil || slot < 0 || slot >= kernel.TransportSlots {
		return proxy.Value{}, badArgs
	}

	if len(args) == 2 {
		if args[1].Kind != proxy.KindString {
			return proxy.Value{}, badArgs
		}
		if err := b.o.kern.WriteString(ctx, uint32(slot), args[1].Str); err != nil {
			return proxy.Value{}, asGuestError(err)
		}
		return proxy.None(), nil
	}

	s, err := b.o.kern.ReadString(ctx, uint32(slot))
	if err != nil {
		return proxy.Value{}, asGuestError(err)
	}
	return proxy.String(s), nil
}

func numericArg(v proxy.Value) (float64, error) {
	switch v.Kind {
	case proxy.KindInt:
		return float64(v.Int), nil
	case proxy.KindDouble:
		return v.Float, nil
	case proxy.KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("expected a number, got %s", v.Kind)
}

// asGuestError converts a kernel error code into a script-visible
// exception; any other failure stays a host fault.
func asGuestError(err error) error {
	var ce *kernel.CallError
	if errors.As(err, &ce) {
		return &proxy.GuestError{Type: "KernelError", Message: ce.Error()}
	}
	return err
}
