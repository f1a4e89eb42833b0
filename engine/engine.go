// Package engine abstracts the WebAssembly engine the host drives:
// sandboxed instantiation, linear-memory quotas, and bounded execution
// time. The host does not reimplement the engine, only drives it --
// this package is that narrow seam, wrapping
// github.com/tetratelabs/wazero behind Engine/Module/Instance. The
// alloc/dealloc-export, packed-(ptr,len)-return calling convention is
// a deliberate simplification of the component-model canonical ABI:
// the host only ever moves opaque byte payloads in and out.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Limits are the per-component resource ceilings enforced at
// compilation/instantiation time.
type Limits struct {
	MaxMemoryBytes   int64
	MaxCoreInstances int
}

func (l Limits) memoryPages() uint32 {
	const pageSize = 64 << 10
	if l.MaxMemoryBytes <= 0 {
		return 0 // unset: wazero's module-declared max applies
	}
	pages := l.MaxMemoryBytes / pageSize
	if pages == 0 {
		pages = 1
	}
	return uint32(pages)
}

// Module is a precompiled artifact, ready to be instantiated many
// times against the same pool.
type Module interface {
	NewInstance(ctx context.Context) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one runtime handle out of a component's pool. Call
// invokes an exported function by name with a raw byte payload and
// returns the raw byte result; the canonical-ABI/WIT binding layer
// that would marshal typed WIT values into this byte convention is
// engine-internal and out of scope.
type Instance interface {
	Call(ctx context.Context, function string, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Engine compiles component bytes into a Module, applying the given
// resource limits to every instance the module later produces and
// binding the host-provided import set (logging, random, secrets,
// config, invocation context) alongside WASI.
type Engine interface {
	Compile(ctx context.Context, wasmBytes []byte, limits Limits, host *Host) (Module, error)
	Close(ctx context.Context) error
}

// allocFn / deallocFn are the export names a component is expected to
// provide for the host to place a request payload into its linear
// memory -- the same "cabi_realloc"-shaped convention component-model
// tooling generates, simplified to a single alloc/free pair since the
// host only ever needs a scratch buffer per call.
const (
	allocExport   = "wasmcloud_alloc"
	deallocExport = "wasmcloud_dealloc"
)

// Wazero is the production Engine. Each compiled Module owns its own
// wazero.Runtime so that MaxMemoryBytes -- a per-component ceiling --
// can be applied as that runtime's page limit; instances share the
// runtime: cheap, repeated instantiation of one precompiled module.
type Wazero struct {
	closed atomic.Bool
}

func NewWazero() *Wazero { return &Wazero{} }

func (w *Wazero) Compile(ctx context.Context, wasmBytes []byte, limits Limits, host *Host) (Module, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if pages := limits.memoryPages(); pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(err, "engine: instantiate wasi preview1")
	}
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(err, "engine: compile module")
	}
	return &wazeroModule{rt: rt, compiled: compiled, limits: limits}, nil
}

func (w *Wazero) Close(ctx context.Context) error {
	w.closed.Store(true)
	return nil
}

type wazeroModule struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	limits   Limits

	seq atomic.Uint64
}

func (m *wazeroModule) NewInstance(ctx context.Context) (Instance, error) {
	name := fmt.Sprintf("inst-%d", m.seq.Add(1))
	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions() // no implicit _start call
	mod, err := m.rt.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "engine: instantiate")
	}
	return &wazeroInstance{mod: mod}, nil
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.rt.Close(ctx)
}

type wazeroInstance struct {
	mod api.Module
}

// Call places payload into the instance's linear memory via its
// exported allocator, invokes function(ptr, len) -> packed(ptr, len),
// and reads the result back out. max_execution_time is enforced by
// the caller's ctx deadline, which
// WithCloseOnContextDone(true) turns into an aborted call rather than
// a hung goroutine.
func (i *wazeroInstance) Call(ctx context.Context, function string, payload []byte) ([]byte, error) {
	alloc := i.mod.ExportedFunction(allocExport)
	fn := i.mod.ExportedFunction(function)
	if fn == nil {
		return nil, errors.Errorf("engine: no exported function %q", function)
	}

	var ptr uint64
	if len(payload) > 0 {
		if alloc == nil {
			return nil, errors.Errorf("engine: component has no %s export but call has a payload", allocExport)
		}
		res, err := alloc.Call(ctx, uint64(len(payload)))
		if err != nil {
			return nil, errors.Wrap(err, "engine: alloc")
		}
		ptr = res[0]
		if !i.mod.Memory().Write(uint32(ptr), payload) {
			return nil, errors.New("engine: write payload out of bounds")
		}
	}

	res, err := fn.Call(ctx, ptr, uint64(len(payload)))
	if err != nil {
		return nil, &Error{Function: function, Err: err}
	}
	if len(res) == 0 {
		return nil, nil
	}
	return i.readPacked(res[0])
}

// readPacked decodes the (resultPtr<<32 | resultLen) convention into
// bytes, then frees the scratch buffer via the component's exported
// deallocator, if any.
func (i *wazeroInstance) readPacked(packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if length == 0 {
		return nil, nil
	}
	out, ok := i.mod.Memory().Read(ptr, length)
	if !ok {
		return nil, errors.New("engine: read result out of bounds")
	}
	result := make([]byte, len(out))
	copy(result, out)
	if dealloc := i.mod.ExportedFunction(deallocExport); dealloc != nil {
		_, _ = dealloc.Call(context.Background(), uint64(ptr), uint64(length))
	}
	return result, nil
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// packPtrLen builds the (ptr<<32 | len) value readPacked decodes; the
// host imports return byte results to the guest in this form.
func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}
