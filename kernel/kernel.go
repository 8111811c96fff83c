// Package kernel wraps the geometry kernel module behind its narrow
// numeric call convention. Every kernel export returns one packed u64:
// an upper half of zero marks success with the low half as the value; a
// nonzero upper half below 2^16 is an error code; anything higher is a
// fat pointer whose upper half is a memory offset and lower half a byte
// length.
//
// Results routed onward through the guest VM are re-encoded as doubles
// by the bridge (the 48 bits actually used fit a double's 53 safe
// integer bits); only direct host calls observe the full u64.
package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero/api"

	"github.com/meshforge-dev/meshforge/memview"
)

const (
	// TransportSlots is the number of string transport slots the kernel
	// maintains.
	TransportSlots = 4

	// MaxTransportBytes bounds a transported string; longer strings are
	// truncated before the handoff.
	MaxTransportBytes = 64

	// readCurrentSize asks string_transport for the slot's current
	// contents instead of resizing it.
	readCurrentSize = 0xffffffff

	// fatPointerFloor is the lowest upper-half value interpreted as a
	// fat pointer offset; smaller nonzero values are error codes.
	fatPointerFloor = 0x10000
)

// FatPointer addresses a byte range inside kernel linear memory. The
// range is only valid until the next kernel call; copy it out
// immediately.
type FatPointer struct {
	Offset uint32
	Size   uint32
}

// requiredExports must be present in any kernel build we can drive.
var requiredExports = []string{"init", "serialize", "string_transport"}

// callFn abstracts the resolved export call path for tests.
type callFn func(ctx context.Context, name string, raw []uint64) ([]uint64, error)

// paramsFn reports an export's declared parameter types.
type paramsFn func(name string) ([]api.ValueType, bool)

// Client drives one geometry kernel instance. It is not safe for
// concurrent use; the orchestrator serializes all calls.
type Client struct {
	mem    *memview.View
	call   callFn
	params paramsFn
	log    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for call-level diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New wraps an instantiated kernel module, validating the exports the
// host depends on.
func New(mod api.Module, opts ...Option) (*Client, error) {
	if mod.Memory() == nil {
		return nil, fmt.Errorf("kernel: module exports no memory")
	}
	for _, name := range requiredExports {
		if mod.ExportedFunction(name) == nil {
			return nil, fmt.Errorf("kernel: missing %q export", name)
		}
	}

	c := &Client{
		mem: memview.New(mod.Memory()),
		call: func(ctx context.Context, name string, raw []uint64) ([]uint64, error) {
			f := mod.ExportedFunction(name)
			if f == nil {
				return nil, fmt.Errorf("kernel: no export %q", name)
			}
			return f.Call(ctx, raw...)
		},
		params: func(name string) ([]api.ValueType, bool) {
			f := mod.ExportedFunction(name)
			if f == nil {
				return nil, false
			}
			return f.Definition().ParamTypes(), true
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// newClient wires a Client from raw call paths; used by tests.
func newClient(mem *memview.View, call callFn, params paramsFn) *Client {
	return &Client{mem: mem, call: call, params: params, log: slog.Default()}
}

// CallPacked invokes a kernel export and returns the raw packed u64.
// Arguments arrive as doubles (the only numeric type the guest routing
// can carry) and are coerced to each declared parameter type.
func (c *Client) CallPacked(ctx context.Context, name string, args ...float64) (uint64, error) {
	types, ok := c.params(name)
	if !ok {
		return 0, fmt.Errorf("kernel: no export %q", name)
	}
	if len(types) != len(args) {
		return 0, &CallError{Fn: name, Code: CodeParameterCount}
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		switch types[i] {
		case api.ValueTypeF64:
			raw[i] = api.EncodeF64(a)
		case api.ValueTypeF32:
			raw[i] = api.EncodeF32(float32(a))
		case api.ValueTypeI64:
			raw[i] = uint64(int64(a))
		default: // i32
			raw[i] = uint64(uint32(int64(a)))
		}
	}

	results, err := c.call(ctx, name, raw)
	if err != nil {
		return 0, fmt.Errorf("kernel: %s trapped: %w", name, err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("kernel: %s returned %d results, want 1", name, len(results))
	}
	return results[0], nil
}

// Call invokes an export expected to return a plain value or status.
func (c *Client) Call(ctx context.Context, name string, args ...float64) (uint32, error) {
	packed, err := c.CallPacked(ctx, name, args...)
	if err != nil {
		return 0, err
	}
	value, fat, err := decodeResult(name, packed)
	if err != nil {
		return 0, err
	}
	if fat != nil {
		return 0, fmt.Errorf("kernel: %s returned a fat pointer, want a value", name)
	}
	return value, nil
}

// CallFat invokes an export expected to return a fat pointer.
func (c *Client) CallFat(ctx context.Context, name string, args ...float64) (FatPointer, error) {
	packed, err := c.CallPacked(ctx, name, args...)
	if err != nil {
		return FatPointer{}, err
	}
	_, fat, err := decodeResult(name, packed)
	if err != nil {
		return FatPointer{}, err
	}
	if fat == nil {
		return FatPointer{}, fmt.Errorf("kernel: %s returned a plain value, want a fat pointer", name)
	}
	return *fat, nil
}

// ReadFat copies the addressed byte range out of kernel memory.
func (c *Client) ReadFat(fp FatPointer) ([]byte, error) {
	return c.mem.ReadBytes(fp.Offset, fp.Size)
}

// Serialize issues the kernel's serialize call and copies the resulting
// container bytes out before a subsequent call can invalidate them.
func (c *Client) Serialize(ctx context.Context) ([]byte, error) {
	fp, err := c.CallFat(ctx, "serialize")
	if err != nil {
		return nil, err
	}
	return c.ReadFat(fp)
}

// WriteString hands s into the kernel's transport slot, truncating to
// MaxTransportBytes.
func (c *Client) WriteString(ctx context.Context, handle uint32, s string) error {
	raw := []byte(s)
	if len(raw) > MaxTransportBytes {
		raw = raw[:MaxTransportBytes]
	}
	fp, err := c.CallFat(ctx, "string_transport", float64(handle), float64(len(raw)))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return c.mem.WriteBytes(fp.Offset, raw)
}

// ReadString reads the current contents of a transport slot.
func (c *Client) ReadString(ctx context.Context, handle uint32) (string, error) {
	fp, err := c.CallFat(ctx, "string_transport", float64(handle), float64(readCurrentSize))
	if err != nil {
		return "", err
	}
	b, err := c.ReadFat(fp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Init primes the transport slots, then runs the kernel's init export.
// Priming keeps each slot's buffer off address 0, where a later
// zero-length transport would be mistaken for an error code when packed.
func (c *Client) Init(ctx context.Context) error {
	for handle := uint32(0); handle < TransportSlots; handle++ {
		if err := c.WriteString(ctx, handle, "."); err != nil {
			return err
		}
	}
	_, err := c.Call(ctx, "init")
	return err
}

// decodeResult splits a packed result word into its three cases.
func decodeResult(fn string, packed uint64) (uint32, *FatPointer, error) {
	upper := uint32(packed >> 32)
	lower := uint32(packed)
	switch {
	case upper == 0:
		return lower, nil, nil
	case upper < fatPointerFloor:
		return 0, nil, &CallError{Fn: fn, Code: decodeCode(lower)}
	default:
		return 0, &FatPointer{Offset: upper, Size: lower}, nil
	}
}
