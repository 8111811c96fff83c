package guest

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge-dev/meshforge/memview"
	"github.com/meshforge-dev/meshforge/proxy"
	"github.com/meshforge-dev/meshforge/vfs"
)

type sliceMem []byte

func (m sliceMem) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m)) {
		return nil, false
	}
	return m[offset:end], true
}

func (m sliceMem) Write(offset uint32, b []byte) bool {
	end := uint64(offset) + uint64(len(b))
	if end > uint64(len(m)) {
		return false
	}
	copy(m[offset:], b)
	return true
}

// bumpAlloc hands out sequential addresses from a fixed base, standing in
// for the guest's exported allocator.
type bumpAlloc struct {
	next uint32
}

func (a *bumpAlloc) Allocate(_ context.Context, size uint32) (uint32, error) {
	ptr := a.next
	a.next += size
	return ptr, nil
}

type stubBridge struct {
	attrs map[string]proxy.Value
	call  func(handle uint32, args []proxy.Value) (proxy.Value, error)
}

func (b *stubBridge) LookupAttr(name string) (proxy.Value, bool) {
	v, ok := b.attrs[name]
	return v, ok
}

func (b *stubBridge) Call(_ context.Context, handle uint32, args []proxy.Value) (proxy.Value, error) {
	return b.call(handle, args)
}

type fixture struct {
	vm    *VM
	mem   *memview.View
	codec *proxy.Codec
	raw   sliceMem
	lines []string
}

func newFixture(t *testing.T, files *vfs.Table, bridge Bridge) *fixture {
	t.Helper()
	if files == nil {
		files = vfs.NewTable()
	}
	f := &fixture{raw: make(sliceMem, 1<<16)}
	f.mem = memview.New(f.raw)
	f.codec = proxy.NewCodec(f.mem, &bumpAlloc{next: 0x8000}, nil)
	f.vm = &VM{
		files:  files,
		bridge: bridge,
		mem:    f.mem,
		log:    slog.Default(),
	}
	f.vm.stdout = newLineBuffer(func(line string) { f.lines = append(f.lines, "out:"+line) })
	f.vm.stderr = newLineBuffer(func(line string) { f.lines = append(f.lines, "err:"+line) })
	return f
}

func (f *fixture) putCString(t *testing.T, addr uint32, s string) {
	t.Helper()
	require.NoError(t, f.mem.WriteBytes(addr, append([]byte(s), 0)))
}

func (f *fixture) putIovec(t *testing.T, table, i, ptr, length uint32) {
	t.Helper()
	require.NoError(t, f.mem.WriteUint32(table+i*8, ptr))
	require.NoError(t, f.mem.WriteUint32(table+i*8+4, length))
}

func TestLineBufferSplitsOnNewlines(t *testing.T) {
	var got []string
	b := newLineBuffer(func(line string) { got = append(got, line) })

	b.Write([]byte("hel"))
	assert.Empty(t, got, "partial line must be held back")
	b.Write([]byte("lo\nwor"))
	assert.Equal(t, []string{"hello\n"}, got)
	b.Write([]byte("ld\ntail"))
	assert.Equal(t, []string{"hello\n", "world\n"}, got)

	b.Flush()
	assert.Equal(t, []string{"hello\n", "world\n", "tail"}, got)
	b.Flush()
	assert.Len(t, got, 3, "flush of an empty buffer emits nothing")
}

func TestFdWriteRoutesStreams(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.putIovec(t, 0x100, 0, 0x200, 4)
	f.putIovec(t, 0x100, 1, 0x300, 3)
	require.NoError(t, f.mem.WriteBytes(0x200, []byte("ab\nc")))
	require.NoError(t, f.mem.WriteBytes(0x300, []byte("d\ne")))

	rc := f.vm.fdWrite(f.mem, 1, 0x100, 2, 0x400)
	assert.Equal(t, int32(wasiSuccess), rc)

	n, err := f.mem.ReadUint32(0x400)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), n)
	assert.Equal(t, []string{"out:ab\n", "out:cd\n"}, f.lines)

	rc = f.vm.fdWrite(f.mem, 2, 0x100, 1, 0x400)
	assert.Equal(t, int32(wasiSuccess), rc)
	f.vm.stderr.Flush()
	assert.Contains(t, f.lines, "err:c")
}

func TestFdWriteRejectsFileDescriptors(t *testing.T) {
	f := newFixture(t, nil, nil)
	assert.Equal(t, int32(wasiEBADF), f.vm.fdWrite(f.mem, 5, 0x100, 0, 0x400))
	assert.Equal(t, int32(wasiEBADF), f.vm.fdWrite(f.mem, 0, 0x100, 0, 0x400))
}

func TestFdReadScattersFileBytes(t *testing.T) {
	files := vfs.NewTable()
	files.Add("/pkg/mod.py", []byte("0123456789"))
	f := newFixture(t, files, nil)

	fd, err := files.Open("/pkg/mod.py")
	require.NoError(t, err)

	f.putIovec(t, 0x100, 0, 0x200, 4)
	f.putIovec(t, 0x100, 1, 0x300, 16)

	rc := f.vm.fdRead(f.mem, int32(fd), 0x100, 2, 0x400)
	assert.Equal(t, int32(wasiSuccess), rc)

	n, err := f.mem.ReadUint32(0x400)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), n)

	head, err := f.mem.ReadBytes(0x200, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), head)
	tail, err := f.mem.ReadBytes(0x300, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789"), tail)

	// Cursor is exhausted; the next read reports zero bytes.
	rc = f.vm.fdRead(f.mem, int32(fd), 0x100, 2, 0x400)
	assert.Equal(t, int32(wasiSuccess), rc)
	n, err = f.mem.ReadUint32(0x400)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFdReadStdioIsImmediateEOF(t *testing.T) {
	f := newFixture(t, nil, nil)
	rc := f.vm.fdRead(f.mem, 0, 0x100, 1, 0x400)
	assert.Equal(t, int32(wasiSuccess), rc)
	n, err := f.mem.ReadUint32(0x400)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFdReadBadDescriptor(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.putIovec(t, 0x100, 0, 0x200, 4)
	assert.Equal(t, int32(wasiEBADF), f.vm.fdRead(f.mem, 9, 0x100, 1, 0x400))
}

func TestFdCloseSemantics(t *testing.T) {
	files := vfs.NewTable()
	files.Add("/a", []byte("x"))
	f := newFixture(t, files, nil)

	fd, err := files.Open("/a")
	require.NoError(t, err)

	assert.Equal(t, int32(wasiSuccess), f.vm.fdClose(int32(fd)))
	assert.Equal(t, int32(wasiEBADF), f.vm.fdClose(int32(fd)), "double close")
	assert.Equal(t, int32(wasiSuccess), f.vm.fdClose(1), "stdio close is a no-op")
}

func TestSysOpenErrnos(t *testing.T) {
	files := vfs.NewTable()
	files.Add("/pkg/mod.py", []byte("pass"))
	files.AddDir("/pkg")
	f := newFixture(t, files, nil)

	f.putCString(t, 0x100, "/pkg/mod.py")
	fd := f.vm.sysOpen(f.mem, 0x100)
	assert.GreaterOrEqual(t, fd, int32(3))

	f.putCString(t, 0x140, "/missing.py")
	assert.Equal(t, int32(-libcENOENT), f.vm.sysOpen(f.mem, 0x140))

	f.putCString(t, 0x180, "/pkg")
	assert.Equal(t, int32(-libcEISDIR), f.vm.sysOpen(f.mem, 0x180))
}

func TestSysStatWritesRecord(t *testing.T) {
	files := vfs.NewTable()
	files.Add("/pkg/mod.py", []byte("12345"))
	files.AddDir("/pkg")
	f := newFixture(t, files, nil)

	f.putCString(t, 0x100, "/pkg/mod.py")
	rc := f.vm.sysStatPath(f.mem, 0x100, 0x200)
	require.Zero(t, rc)

	rec, err := f.mem.ReadBytes(0x200, vfs.StatRecordSize)
	require.NoError(t, err)
	mode := binary.LittleEndian.Uint32(rec[0:4])
	size := binary.LittleEndian.Uint64(rec[8:16])
	assert.Equal(t, uint32(0o100000|0o444), mode)
	assert.Equal(t, uint64(5), size)

	f.putCString(t, 0x140, "/nope")
	assert.Equal(t, int32(-libcENOENT), f.vm.sysStatPath(f.mem, 0x140, 0x200))
}

func TestSysStatFd(t *testing.T) {
	files := vfs.NewTable()
	files.Add("/a", []byte("xy"))
	f := newFixture(t, files, nil)

	fd, err := files.Open("/a")
	require.NoError(t, err)
	require.Zero(t, f.vm.sysStatFd(f.mem, int32(fd), 0x200))

	rec, rerr := f.mem.ReadBytes(0x200, vfs.StatRecordSize)
	require.NoError(t, rerr)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(rec[8:16]))

	assert.Equal(t, int32(-libcEBADF), f.vm.sysStatFd(f.mem, 99, 0x200))
}

func TestBridgeLookupEncodesAttr(t *testing.T) {
	bridge := &stubBridge{attrs: map[string]proxy.Value{
		"mesh_call": proxy.Object(3),
	}}
	f := newFixture(t, nil, bridge)
	require.NoError(t, f.mem.WriteBytes(0x100, []byte("mesh_call")))

	found := f.vm.bridgeLookup(context.Background(), f.codec, f.mem,
		proxy.NamespaceHandle, 0x100, 9, 0x200)
	require.Equal(t, int32(1), found)

	got, err := f.codec.DecodeAt(context.Background(), 0x200)
	require.NoError(t, err)
	assert.Equal(t, proxy.Object(3), got)
}

func TestBridgeLookupMissOrWrongHandle(t *testing.T) {
	bridge := &stubBridge{attrs: map[string]proxy.Value{}}
	f := newFixture(t, nil, bridge)
	require.NoError(t, f.mem.WriteBytes(0x100, []byte("nope")))

	assert.Zero(t, f.vm.bridgeLookup(context.Background(), f.codec, f.mem,
		proxy.NamespaceHandle, 0x100, 4, 0x200))
	assert.Zero(t, f.vm.bridgeLookup(context.Background(), f.codec, f.mem,
		7, 0x100, 4, 0x200), "lookup is only defined on the namespace handle")
}

func TestBridgeCallRoundTrip(t *testing.T) {
	bridge := &stubBridge{
		call: func(handle uint32, args []proxy.Value) (proxy.Value, error) {
			require.Equal(t, uint32(2), handle)
			require.Equal(t, []proxy.Value{proxy.Int(7), proxy.Double(1.5)}, args)
			return proxy.Double(8.5), nil
		},
	}
	f := newFixture(t, nil, bridge)

	require.NoError(t, f.codec.EncodeAt(context.Background(), 0x100, proxy.Int(7)))
	require.NoError(t, f.codec.EncodeAt(context.Background(), 0x100+proxy.SlotSize, proxy.Double(1.5)))

	f.vm.bridgeCall(context.Background(), f.codec, 2, 2, 0x100, 0x200)

	got, err := f.codec.DecodeAt(context.Background(), 0x200)
	require.NoError(t, err)
	assert.Equal(t, proxy.Double(8.5), got)
}

func TestBridgeCallGuestErrorBecomesExceptionSlot(t *testing.T) {
	bridge := &stubBridge{
		call: func(uint32, []proxy.Value) (proxy.Value, error) {
			return proxy.Value{}, &proxy.GuestError{Type: "ValueError", Message: "bad slot"}
		},
	}
	f := newFixture(t, nil, bridge)

	f.vm.bridgeCall(context.Background(), f.codec, 2, 0, 0x100, 0x200)

	_, err := f.codec.DecodeAt(context.Background(), 0x200)
	var ge *proxy.GuestError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "ValueError", ge.Type)
	assert.Equal(t, "bad slot", ge.Message)
}

func TestBridgeCallHostFaultPanics(t *testing.T) {
	hostErr := errors.New("backend unreachable")
	bridge := &stubBridge{
		call: func(uint32, []proxy.Value) (proxy.Value, error) {
			return proxy.Value{}, hostErr
		},
	}
	f := newFixture(t, nil, bridge)

	assert.PanicsWithError(t, hostErr.Error(), func() {
		f.vm.bridgeCall(context.Background(), f.codec, 2, 0, 0x100, 0x200)
	})
}

func TestReadIovecLayout(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.putIovec(t, 0x100, 3, 0xdead, 42)

	ptr, length, err := readIovec(f.mem, 0x100, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdead), ptr)
	assert.Equal(t, uint32(42), length)
}
