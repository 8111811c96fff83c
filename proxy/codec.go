package proxy

import (
	"context"
	"fmt"

	"github.com/meshforge-dev/meshforge/memview"
)

// Allocator reserves buffers inside guest linear memory. The guest's
// exported allocator backs it in production; tests use an arena over a
// byte slice.
type Allocator interface {
	Allocate(ctx context.Context, size uint32) (uint32, error)
}

// Codec encodes and decodes value slots in one module's linear memory.
// String payloads are allocated guest-side through the Allocator; the
// host never frees them. Exception strings are the exception: the guest
// runtime takes ownership and releases them itself.
type Codec struct {
	mem     *memview.View
	alloc   Allocator
	handles *HandleTable
}

// NewCodec returns a Codec over mem. handles may be nil when the caller
// performs its own handle validation.
func NewCodec(mem *memview.View, alloc Allocator, handles *HandleTable) *Codec {
	return &Codec{mem: mem, alloc: alloc, handles: handles}
}

// EncodeAt writes v as a tagged slot at addr.
func (c *Codec) EncodeAt(ctx context.Context, addr uint32, v Value) error {
	if err := c.mem.WriteUint32(addr, uint32(v.Kind)); err != nil {
		return err
	}
	switch v.Kind {
	case KindNone:
		return nil
	case KindBool:
		var word uint32
		if v.Bool {
			word = 1
		}
		return c.mem.WriteUint32(addr+4, word)
	case KindInt:
		return c.mem.WriteUint32(addr+4, uint32(int32(v.Int)))
	case KindDouble:
		// The payload occupies both words. WriteFloat64 copies through a
		// local buffer, so the slot offset need not be 8-byte aligned.
		return c.mem.WriteFloat64(addr+4, v.Float)
	case KindString:
		return c.encodeStringPayload(ctx, addr, v.Str)
	case KindException:
		return c.encodeStringPayload(ctx, addr, v.Str)
	case KindObject:
		return c.mem.WriteUint32(addr+4, v.Handle)
	}
	return &UsageError{Op: "encode", Detail: fmt.Sprintf("unsupported kind %s", v.Kind)}
}

// EncodeError writes err at addr as an exception slot. Non-GuestError
// values encode with a generic type name so the guest always receives a
// well-formed two-part payload.
func (c *Codec) EncodeError(ctx context.Context, addr uint32, err error) error {
	ge, ok := err.(*GuestError)
	if !ok {
		ge = &GuestError{Type: "HostError", Message: err.Error()}
	}
	return c.EncodeAt(ctx, addr, Value{Kind: KindException, Str: joinException(ge)})
}

func (c *Codec) encodeStringPayload(ctx context.Context, addr uint32, s string) error {
	n := uint32(len(s))
	var ptr uint32
	if n > 0 {
		var err error
		ptr, err = c.alloc.Allocate(ctx, n)
		if err != nil {
			return fmt.Errorf("proxy: string buffer allocation failed: %w", err)
		}
		if _, err := c.mem.WriteString(ptr, s); err != nil {
			return err
		}
	}
	if err := c.mem.WriteUint32(addr+4, n); err != nil {
		return err
	}
	return c.mem.WriteUint32(addr+8, ptr)
}

// DecodeAt reads the tagged slot at addr. An exception-tagged slot
// converts into a *GuestError return instead of a Value; this is the one
// place a boundary crossing becomes host-side error propagation. An
// unknown tag, or an object handle the host never issued, is a fatal
// *UsageError.
func (c *Codec) DecodeAt(ctx context.Context, addr uint32) (Value, error) {
	tag, err := c.mem.ReadUint32(addr)
	if err != nil {
		return Value{}, err
	}
	switch Kind(tag) {
	case KindNone:
		return None(), nil
	case KindBool:
		word, err := c.mem.ReadUint32(addr + 4)
		if err != nil {
			return Value{}, err
		}
		return Bool(word != 0), nil
	case KindInt:
		word, err := c.mem.ReadUint32(addr + 4)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(int32(word))), nil
	case KindDouble:
		f, err := c.mem.ReadFloat64(addr + 4)
		if err != nil {
			return Value{}, err
		}
		return Double(f), nil
	case KindString:
		s, err := c.decodeStringPayload(addr)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case KindException:
		payload, err := c.decodeStringPayload(addr)
		if err != nil {
			return Value{}, err
		}
		return Value{}, splitException(payload)
	case KindObject:
		handle, err := c.mem.ReadUint32(addr + 4)
		if err != nil {
			return Value{}, err
		}
		if c.handles != nil {
			if _, ok := c.handles.Get(handle); !ok {
				return Value{}, &UsageError{
					Op:     "decode",
					Detail: fmt.Sprintf("object handle %d was never issued", handle),
				}
			}
		}
		return Object(handle), nil
	}
	return Value{}, &UsageError{
		Op:     "decode",
		Detail: fmt.Sprintf("invalid tag %d at 0x%x", tag, addr),
	}
}

func (c *Codec) decodeStringPayload(addr uint32) (string, error) {
	n, err := c.mem.ReadUint32(addr + 4)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	ptr, err := c.mem.ReadUint32(addr + 8)
	if err != nil {
		return "", err
	}
	return c.mem.ReadString(ptr, n)
}
