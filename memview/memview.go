// Package memview provides typed accessors over a WebAssembly module's
// linear memory. Each module instance has its own independently addressed
// memory; a View is always bound to exactly one of them, and raw offsets
// must never be shared between Views of different modules.
package memview

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Memory is the subset of wazero's api.Memory that a View needs.
// Accepting the interface keeps the package testable against an
// in-process byte slice.
type Memory interface {
	// Read returns a view of byteCount bytes at offset, or false if the
	// range is out of bounds.
	Read(offset, byteCount uint32) ([]byte, bool)

	// Write writes b at offset, returning false if the range is out of
	// bounds.
	Write(offset uint32, b []byte) bool
}

// View wraps one module's linear memory with fixed-width integer, float,
// and string accessors. All multi-byte values are little-endian, matching
// the WebAssembly memory model.
type View struct {
	mem Memory
}

// New returns a View over mem.
func New(mem Memory) *View {
	return &View{mem: mem}
}

// ErrOutOfRange is wrapped by all out-of-bounds access errors.
var ErrOutOfRange = fmt.Errorf("memview: access out of range")

func (v *View) outOfRange(op string, offset, n uint32) error {
	return fmt.Errorf("%w: %s of %d bytes at offset 0x%x", ErrOutOfRange, op, n, offset)
}

// ReadBytes returns a copy of n bytes at offset.
func (v *View) ReadBytes(offset, n uint32) ([]byte, error) {
	b, ok := v.mem.Read(offset, n)
	if !ok {
		return nil, v.outOfRange("read", offset, n)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// WriteBytes writes b at offset.
func (v *View) WriteBytes(offset uint32, b []byte) error {
	if !v.mem.Write(offset, b) {
		return v.outOfRange("write", offset, uint32(len(b)))
	}
	return nil
}

// ReadUint8 reads one byte at offset.
func (v *View) ReadUint8(offset uint32) (uint8, error) {
	b, ok := v.mem.Read(offset, 1)
	if !ok {
		return 0, v.outOfRange("read", offset, 1)
	}
	return b[0], nil
}

// ReadUint32 reads a little-endian u32 at offset.
func (v *View) ReadUint32(offset uint32) (uint32, error) {
	b, ok := v.mem.Read(offset, 4)
	if !ok {
		return 0, v.outOfRange("read", offset, 4)
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint32 writes a little-endian u32 at offset.
func (v *View) WriteUint32(offset uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return v.WriteBytes(offset, buf[:])
}

// ReadUint64 reads a little-endian u64 at offset.
func (v *View) ReadUint64(offset uint32) (uint64, error) {
	b, ok := v.mem.Read(offset, 8)
	if !ok {
		return 0, v.outOfRange("read", offset, 8)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes a little-endian u64 at offset.
func (v *View) WriteUint64(offset uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return v.WriteBytes(offset, buf[:])
}

// ReadFloat64 reads a little-endian f64 at offset. The offset does not
// need to be 8-byte aligned; the value is reassembled through a local
// copy.
func (v *View) ReadFloat64(offset uint32) (float64, error) {
	bits, err := v.ReadUint64(offset)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// WriteFloat64 writes a little-endian f64 at offset. Guest-side consumers
// require doubles to sit at 8-byte-aligned addresses; encoding through a
// local buffer keeps the write valid even when the slot offset is not a
// multiple of 8, so callers only need to pick an aligned target address.
func (v *View) WriteFloat64(offset uint32, value float64) error {
	return v.WriteUint64(offset, math.Float64bits(value))
}

// ReadString reads n bytes at offset and returns them as a string. The
// bytes are expected to be UTF-8; no validation is performed.
func (v *View) ReadString(offset, n uint32) (string, error) {
	b, ok := v.mem.Read(offset, n)
	if !ok {
		return "", v.outOfRange("read", offset, n)
	}
	return string(b), nil
}

// ReadCString reads bytes at offset up to (not including) the first NUL,
// scanning at most max bytes.
func (v *View) ReadCString(offset, max uint32) (string, error) {
	b, ok := v.mem.Read(offset, max)
	if !ok {
		// The string may sit near the end of memory; retry byte-wise.
		var out []byte
		for i := uint32(0); i < max; i++ {
			c, err := v.ReadUint8(offset + i)
			if err != nil {
				return "", err
			}
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
		}
		return string(out), nil
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

// WriteString writes the UTF-8 bytes of s at offset and returns the
// number of bytes written.
func (v *View) WriteString(offset uint32, s string) (uint32, error) {
	if err := v.WriteBytes(offset, []byte(s)); err != nil {
		return 0, err
	}
	return uint32(len(s)), nil
}
