package guest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/meshforge-dev/meshforge/memview"
	"github.com/meshforge-dev/meshforge/proxy"
	"github.com/meshforge-dev/meshforge/trampoline"
	"github.com/meshforge-dev/meshforge/vfs"
)

const maxPathBytes = 4096

// Errno values for the two import families. The __syscall_* imports
// speak the guest libc's numbering, the fd_* imports the WASI one; the
// two sets are not interchangeable.
const (
	libcENOENT = 2
	libcEBADF  = 9
	libcEISDIR = 21

	wasiSuccess = 0
	wasiEBADF   = 8
)

// Reserved descriptor bound shared with the file table: 0-2 are the
// conventional stdio slots.
const stdioDescriptors = 3

// invokeSignatures is the set of indirect-call shims the bundled
// runtime build links against.
var invokeSignatures = []string{
	"v", "vi", "vii", "viii", "viiii",
	"i", "ii", "iii", "iiii", "iiiii",
}

// loud stubs: imports the bundled runtime build links but never calls.
// Hitting one is a build mismatch, not a recoverable condition.
var envStubs = []stubDef{
	{"__syscall_mkdirat", 3},
	{"__syscall_unlinkat", 3},
	{"__syscall_renameat", 4},
	{"__syscall_getcwd", 2},
}

type stubDef struct {
	name   string
	params int
}

func (v *VM) memFor(mod api.Module) *memview.View {
	if v.mem != nil {
		return v.mem
	}
	return memview.New(mod.Memory())
}

func (v *VM) codecFor(mod api.Module) *proxy.Codec {
	return proxy.NewCodec(v.memFor(mod), v, nil)
}

func (v *VM) trampolineFor(mod api.Module) *trampoline.Trampoline {
	if v.tramp != nil {
		return v.tramp
	}
	t, err := trampoline.New(mod)
	if err != nil {
		panic(err)
	}
	return t
}

func valueType(c byte) api.ValueType {
	switch c {
	case 'j':
		return api.ValueTypeI64
	case 'f':
		return api.ValueTypeF32
	case 'd':
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

func (v *VM) registerEnvModule(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder("env")
	i32 := api.ValueTypeI32

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.sysOpen(v.memFor(mod), uint32(stack[1])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("__syscall_openat")

	statPath := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(v.sysStatPath(v.memFor(mod), uint32(stack[0]), uint32(stack[1])))
	})
	b.NewFunctionBuilder().
		WithGoModuleFunction(statPath, []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("__syscall_stat64")
	b.NewFunctionBuilder().
		WithGoModuleFunction(statPath, []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("__syscall_lstat64")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.sysStatFd(v.memFor(mod), int32(stack[0]), uint32(stack[1])))
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("__syscall_fstat64")

	b.NewFunctionBuilder().
		WithFunc(trampoline.Throw).
		Export("_emscripten_throw_longjmp")

	b.NewFunctionBuilder().
		WithFunc(func() float64 {
			return float64(time.Since(v.start)) / float64(time.Millisecond)
		}).
		Export("emscripten_get_now")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.getEntropy(v.memFor(mod), uint32(stack[0]), uint32(stack[1])))
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("getentropy")

	b.NewFunctionBuilder().
		WithFunc(func() {
			panic(errors.New("guest: abort called"))
		}).
		Export("abort")

	for _, sig := range invokeSignatures {
		sig := sig
		params := []api.ValueType{i32}
		for i := 1; i < len(sig); i++ {
			params = append(params, valueType(sig[i]))
		}
		var results []api.ValueType
		if sig[0] != 'v' {
			results = []api.ValueType{valueType(sig[0])}
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				args := make([]uint64, len(sig)-1)
				copy(args, stack[1:len(sig)])
				res, err := v.trampolineFor(mod).Invoke(ctx, sig, uint32(stack[0]), args...)
				if err != nil {
					panic(err)
				}
				if sig[0] != 'v' {
					if len(res) > 0 {
						stack[0] = res[0]
					} else {
						stack[0] = 0
					}
				}
			}), params, results).
			Export("invoke_" + sig)
	}

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			found := v.bridgeLookup(ctx, v.codecFor(mod), v.memFor(mod),
				uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]))
			stack[0] = api.EncodeI32(found)
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("bridge_lookup_attr")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			v.bridgeCall(ctx, v.codecFor(mod),
				uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]))
		}), []api.ValueType{i32, i32, i32, i32}, nil).
		Export("bridge_call")

	for _, s := range envStubs {
		s := s
		params := make([]api.ValueType, s.params)
		for i := range params {
			params[i] = i32
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(context.Context, api.Module, []uint64) {
				panic(fmt.Errorf("%w: %s (runtime build mismatch)", ErrNotImplemented, s.name))
			}), params, []api.ValueType{i32}).
			Export(s.name)
	}

	_, err := b.Instantiate(ctx)
	return err
}

func (v *VM) registerWASIModule(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder("wasi_snapshot_preview1")
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.fdWrite(v.memFor(mod),
				int32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("fd_write")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.fdRead(v.memFor(mod),
				int32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("fd_read")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.fdClose(int32(stack[0])))
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("fd_close")

	// The file table is read-only and cursors only advance on read;
	// a seek indicates a runtime build this host was not built for.
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(context.Context, api.Module, []uint64) {
			panic(fmt.Errorf("%w: fd_seek (runtime build mismatch)", ErrNotImplemented))
		}), []api.ValueType{i32, i64, i32, i32}, []api.ValueType{i32}).
		Export("fd_seek")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			mem := v.memFor(mod)
			// No environment is exposed to the guest.
			if err := mem.WriteUint32(uint32(stack[0]), 0); err != nil {
				panic(err)
			}
			if err := mem.WriteUint32(uint32(stack[1]), 0); err != nil {
				panic(err)
			}
			stack[0] = wasiSuccess
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("environ_sizes_get")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = wasiSuccess
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("environ_get")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			if err := v.memFor(mod).WriteUint64(uint32(stack[2]), uint64(time.Now().UnixNano())); err != nil {
				panic(err)
			}
			stack[0] = wasiSuccess
		}), []api.ValueType{i32, i64, i32}, []api.ValueType{i32}).
		Export("clock_time_get")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(v.getEntropy(v.memFor(mod), uint32(stack[0]), uint32(stack[1])))
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("random_get")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			panic(fmt.Errorf("guest: proc_exit(%d)", uint32(stack[0])))
		}), []api.ValueType{i32}, nil).
		Export("proc_exit")

	_, err := b.Instantiate(ctx)
	return err
}

// sysOpen resolves the path and allocates a descriptor. Failures return
// a negative libc errno so the guest runtime's own error handling
// proceeds; nothing is thrown across the boundary.
func (v *VM) sysOpen(mem *memview.View, pathPtr uint32) int32 {
	path, err := mem.ReadCString(pathPtr, maxPathBytes)
	if err != nil {
		panic(err)
	}
	fd, err := v.files.Open(path)
	switch {
	case err == nil:
		return int32(fd)
	case errors.Is(err, vfs.ErrIsDirectory):
		return -libcEISDIR
	default:
		return -libcENOENT
	}
}

func (v *VM) sysStatPath(mem *memview.View, pathPtr, bufPtr uint32) int32 {
	path, err := mem.ReadCString(pathPtr, maxPathBytes)
	if err != nil {
		panic(err)
	}
	st := v.files.Stat(path)
	if !st.Exists {
		return -libcENOENT
	}
	return v.writeStat(mem, bufPtr, st)
}

func (v *VM) sysStatFd(mem *memview.View, fd int32, bufPtr uint32) int32 {
	path, ok := v.files.PathOf(int(fd))
	if !ok {
		return -libcEBADF
	}
	return v.writeStat(mem, bufPtr, v.files.Stat(path))
}

func (v *VM) writeStat(mem *memview.View, bufPtr uint32, st vfs.Stat) int32 {
	rec := vfs.EncodeStatRecord(st)
	if err := mem.WriteBytes(bufPtr, rec[:]); err != nil {
		panic(err)
	}
	return 0
}

// fdWrite drains iovecs into the stdio line buffers. Only the stdout
// and stderr slots accept writes; the file table itself is read-only.
func (v *VM) fdWrite(mem *memview.View, fd int32, iovs, iovCount, nwrittenPtr uint32) int32 {
	var sink *lineBuffer
	switch fd {
	case 1:
		sink = v.stdout
	case 2:
		sink = v.stderr
	default:
		return wasiEBADF
	}

	total := uint32(0)
	for i := uint32(0); i < iovCount; i++ {
		ptr, length, err := readIovec(mem, iovs, i)
		if err != nil {
			panic(err)
		}
		if length == 0 {
			continue
		}
		data, err := mem.ReadBytes(ptr, length)
		if err != nil {
			panic(err)
		}
		sink.Write(data)
		total += length
	}
	if err := mem.WriteUint32(nwrittenPtr, total); err != nil {
		panic(err)
	}
	return wasiSuccess
}

// fdRead scatters file-table bytes into the guest's iovecs. The stdio
// slots read as immediate end-of-file.
func (v *VM) fdRead(mem *memview.View, fd int32, iovs, iovCount, nreadPtr uint32) int32 {
	writeCount := func(n uint32) int32 {
		if err := mem.WriteUint32(nreadPtr, n); err != nil {
			panic(err)
		}
		return wasiSuccess
	}
	if fd >= 0 && fd < stdioDescriptors {
		return writeCount(0)
	}

	total := uint32(0)
	for i := uint32(0); i < iovCount; i++ {
		ptr, length, err := readIovec(mem, iovs, i)
		if err != nil {
			panic(err)
		}
		data, rerr := v.files.Read(int(fd), length)
		if rerr != nil {
			return wasiEBADF
		}
		if len(data) == 0 {
			break
		}
		if err := mem.WriteBytes(ptr, data); err != nil {
			panic(err)
		}
		total += uint32(len(data))
		if uint32(len(data)) < length {
			break
		}
	}
	return writeCount(total)
}

func (v *VM) fdClose(fd int32) int32 {
	if fd >= 0 && fd < stdioDescriptors {
		// Reserved slots close as a no-op.
		return wasiSuccess
	}
	if err := v.files.Close(int(fd)); err != nil {
		return wasiEBADF
	}
	return wasiSuccess
}

func (v *VM) getEntropy(mem *memview.View, ptr, size uint32) int32 {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	if err := mem.WriteBytes(ptr, buf); err != nil {
		panic(err)
	}
	return 0
}

// readIovec returns the i-th (ptr, len) pair of an iovec array.
func readIovec(mem *memview.View, iovs, i uint32) (uint32, uint32, error) {
	base := iovs + i*8
	ptr, err := mem.ReadUint32(base)
	if err != nil {
		return 0, 0, err
	}
	length, err := mem.ReadUint32(base + 4)
	if err != nil {
		return 0, 0, err
	}
	return ptr, length, nil
}

// bridgeLookup resolves an attribute on the namespace object. Lookup is
// only defined for handle 0; everything else, and every name outside
// the closed set, reports "not found" rather than raising.
func (v *VM) bridgeLookup(ctx context.Context, codec *proxy.Codec, mem *memview.View, handle, namePtr, nameLen, resultAddr uint32) int32 {
	if handle != proxy.NamespaceHandle {
		return 0
	}
	name, err := mem.ReadString(namePtr, nameLen)
	if err != nil {
		panic(err)
	}
	val, ok := v.bridge.LookupAttr(name)
	if !ok {
		v.log.Debug("guest: bridge attribute not found", "name", name)
		return 0
	}
	if err := codec.EncodeAt(ctx, resultAddr, val); err != nil {
		panic(err)
	}
	return 1
}

// bridgeCall invokes a bridge callable with argc decoded slots. Guest
// errors encode back as an exception slot; anything else is a host
// fault and traps.
func (v *VM) bridgeCall(ctx context.Context, codec *proxy.Codec, handle, argc, argsAddr, resultAddr uint32) {
	args := make([]proxy.Value, 0, argc)
	for i := uint32(0); i < argc; i++ {
		val, err := codec.DecodeAt(ctx, argsAddr+i*proxy.SlotSize)
		if err != nil {
			// Arguments originate guest-side; a decode failure here is
			// protocol misuse, not a guest exception.
			panic(err)
		}
		args = append(args, val)
	}

	result, err := v.bridge.Call(ctx, handle, args)
	if err != nil {
		var ge *proxy.GuestError
		if errors.As(err, &ge) {
			if encErr := codec.EncodeError(ctx, resultAddr, ge); encErr != nil {
				panic(encErr)
			}
			return
		}
		panic(err)
	}
	if err := codec.EncodeAt(ctx, resultAddr, result); err != nil {
		panic(err)
	}
}
