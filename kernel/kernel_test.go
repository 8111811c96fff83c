package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/meshforge-dev/meshforge/memview"
)

// fakeKernel simulates the kernel module: a byte slice for linear
// memory and a table of export behaviors.
type fakeKernel struct {
	mem     []byte
	exports map[string]fakeExport
	calls   []fakeCall
}

type fakeExport struct {
	params []api.ValueType
	fn     func(raw []uint64) uint64
}

type fakeCall struct {
	name string
	raw  []uint64
}

func (f *fakeKernel) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(f.mem)) {
		return nil, false
	}
	return f.mem[offset:end], true
}

func (f *fakeKernel) Write(offset uint32, b []byte) bool {
	end := uint64(offset) + uint64(len(b))
	if end > uint64(len(f.mem)) {
		return false
	}
	copy(f.mem[offset:], b)
	return true
}

func (f *fakeKernel) client() *Client {
	return newClient(
		memview.New(f),
		func(_ context.Context, name string, raw []uint64) ([]uint64, error) {
			f.calls = append(f.calls, fakeCall{name: name, raw: raw})
			return []uint64{f.exports[name].fn(raw)}, nil
		},
		func(name string) ([]api.ValueType, bool) {
			exp, ok := f.exports[name]
			if !ok {
				return nil, false
			}
			return exp.params, true
		},
	)
}

func packFat(offset, size uint32) uint64 {
	return uint64(offset)<<32 | uint64(size)
}

func packError(code ErrorCode) uint64 {
	return 1<<32 | uint64(uint32(code))
}

func TestCallSuccessValue(t *testing.T) {
	fk := &fakeKernel{
		mem: make([]byte, 1<<17),
		exports: map[string]fakeExport{
			"node_new": {fn: func([]uint64) uint64 { return 7 }},
		},
	}

	got, err := fk.client().Call(context.Background(), "node_new")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got)
}

func TestCallErrorCode(t *testing.T) {
	fk := &fakeKernel{
		mem: make([]byte, 1<<17),
		exports: map[string]fakeExport{
			"geometry_delete_vtx": {
				params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
				fn:     func([]uint64) uint64 { return packError(CodeVertexOutOfBounds) },
			},
		},
	}

	_, err := fk.client().Call(context.Background(), "geometry_delete_vtx", 0, 99)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeVertexOutOfBounds, ce.Code)
	assert.Equal(t, "geometry_delete_vtx", ce.Fn)
}

func TestCallUnknownErrorCodeCollapses(t *testing.T) {
	fk := &fakeKernel{
		mem: make([]byte, 1<<17),
		exports: map[string]fakeExport{
			"init": {fn: func([]uint64) uint64 { return 1<<32 | 999 }},
		},
	}

	_, err := fk.client().Call(context.Background(), "init")
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeUnrecognized, ce.Code)
}

func TestArgumentCoercion(t *testing.T) {
	fk := &fakeKernel{
		mem: make([]byte, 1<<17),
		exports: map[string]fakeExport{
			"geometry_translate": {
				params: []api.ValueType{
					api.ValueTypeI32, api.ValueTypeF64, api.ValueTypeF64, api.ValueTypeF64,
				},
				fn: func([]uint64) uint64 { return 0 },
			},
		},
	}

	_, err := fk.client().Call(context.Background(), "geometry_translate", 3, 1.5, -2.0, 0)
	require.NoError(t, err)

	require.Len(t, fk.calls, 1)
	raw := fk.calls[0].raw
	assert.Equal(t, uint64(3), raw[0])
	assert.Equal(t, 1.5, api.DecodeF64(raw[1]))
	assert.Equal(t, -2.0, api.DecodeF64(raw[2]))
}

func TestCallArgumentCountMismatch(t *testing.T) {
	fk := &fakeKernel{
		mem: make([]byte, 1<<17),
		exports: map[string]fakeExport{
			"node_new": {fn: func([]uint64) uint64 { return 0 }},
		},
	}

	_, err := fk.client().Call(context.Background(), "node_new", 1, 2)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeParameterCount, ce.Code)
}

func TestSerializeFatPointerRoundTrip(t *testing.T) {
	// A fixed, pre-computed container for a single-triangle model.
	container := []byte("glTF\x02\x00\x00\x00triangle-container-bytes")
	const offset = 0x20000

	fk := &fakeKernel{
		mem: make([]byte, offset+1024),
		exports: map[string]fakeExport{
			"serialize": {fn: func([]uint64) uint64 {
				return packFat(offset, uint32(len(container)))
			}},
		},
	}
	copy(fk.mem[offset:], container)

	got, err := fk.client().Serialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, container, got, "bytes at [o, o+n) must match byte for byte")
}

func TestCallFatRejectsPlainValue(t *testing.T) {
	fk := &fakeKernel{
		mem: make([]byte, 1<<17),
		exports: map[string]fakeExport{
			"serialize": {fn: func([]uint64) uint64 { return 42 }},
		},
	}

	_, err := fk.client().CallFat(context.Background(), "serialize")
	require.Error(t, err)
}

func TestWriteStringTruncatesToTransportMax(t *testing.T) {
	const bufOffset = 0x20000
	var gotSize uint64

	fk := &fakeKernel{mem: make([]byte, bufOffset+1024)}
	fk.exports = map[string]fakeExport{
		"string_transport": {
			params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			fn: func(raw []uint64) uint64 {
				gotSize = raw[1]
				return packFat(bufOffset, uint32(raw[1]))
			},
		},
	}

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	err := fk.client().WriteString(context.Background(), 0, string(long))
	require.NoError(t, err)
	assert.Equal(t, uint64(MaxTransportBytes), gotSize)
	assert.Equal(t, long[:MaxTransportBytes], fk.mem[bufOffset:bufOffset+MaxTransportBytes])
}

func TestReadStringUsesCurrentSize(t *testing.T) {
	const bufOffset = 0x20000
	fk := &fakeKernel{mem: make([]byte, bufOffset+1024)}
	copy(fk.mem[bufOffset:], "payload")
	fk.exports = map[string]fakeExport{
		"string_transport": {
			params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			fn: func(raw []uint64) uint64 {
				if uint32(raw[1]) != 0xffffffff {
					return packError(CodeSizeOutOfBounds)
				}
				return packFat(bufOffset, 7)
			},
		},
	}

	got, err := fk.client().ReadString(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestInitPrimesTransportsBeforeInit(t *testing.T) {
	const bufOffset = 0x20000
	fk := &fakeKernel{mem: make([]byte, bufOffset+1024)}
	fk.exports = map[string]fakeExport{
		"string_transport": {
			params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			fn: func(raw []uint64) uint64 {
				return packFat(bufOffset+uint32(raw[0])*64, uint32(raw[1]))
			},
		},
		"init": {fn: func([]uint64) uint64 { return 0 }},
	}

	require.NoError(t, fk.client().Init(context.Background()))

	var names []string
	for _, call := range fk.calls {
		names = append(names, call.name)
	}
	assert.Equal(t, []string{
		"string_transport", "string_transport",
		"string_transport", "string_transport",
		"init",
	}, names)
	for slot := uint32(0); slot < TransportSlots; slot++ {
		assert.Equal(t, byte('.'), fk.mem[bufOffset+slot*64])
	}
}

func TestErrorCodeStrings(t *testing.T) {
	assert.Equal(t, "model generator not found", CodeGeneratorNotFound.String())
	assert.Equal(t, "code 999", ErrorCode(999).String())
}
