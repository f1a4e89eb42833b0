package engine

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import namespace components bind against for
// the host-provided functions.
const hostModuleName = "wasmcloud"

// Host is the set of host-provided imports every instance of a
// compiled module sees alongside WASI: logging, random bytes, secret
// access, and per-component config. The invocation-context imports
// (caller_id, invocation_id) answer from the call context, stamped by
// the router via WithInvocation. A nil callback leaves that import
// registered but inert, so a module compiled without secrets still
// links.
type Host struct {
	Log       func(level uint32, msg string)
	SecretGet func(name string) ([]byte, bool)
	ConfigGet func(key string) (string, bool)
}

type invocationKey struct{}

type invocationInfo struct {
	callerID     string
	invocationID string
}

// WithInvocation stamps the caller and invocation ids of an inbound
// call onto ctx so the caller_id/invocation_id host imports can answer
// from inside the guest.
func WithInvocation(ctx context.Context, callerID, invocationID string) context.Context {
	return context.WithValue(ctx, invocationKey{}, invocationInfo{callerID: callerID, invocationID: invocationID})
}

func invocationFrom(ctx context.Context) invocationInfo {
	v, _ := ctx.Value(invocationKey{}).(invocationInfo)
	return v
}

// instantiateHostModule registers the "wasmcloud" import module on rt.
// Functions that hand bytes back to the guest allocate through the
// guest's own exported allocator and return a packed (ptr, len); a
// zero return means absent.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host *Host) error {
	if host == nil {
		host = &Host{}
	}
	b := rt.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, mod api.Module, level, ptr, length uint32) {
		if host.Log == nil {
			return
		}
		msg, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return
		}
		host.Log(level, string(msg))
	}).Export("log")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) uint32 {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return 1
		}
		if !mod.Memory().Write(ptr, buf) {
			return 1
		}
		return 0
	}).Export("random")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
		if host.SecretGet == nil {
			return 0
		}
		name, ok := mod.Memory().Read(namePtr, nameLen)
		if !ok {
			return 0
		}
		value, ok := host.SecretGet(string(name))
		if !ok {
			return 0
		}
		packed, err := writeViaAlloc(ctx, mod, value)
		if err != nil {
			return 0
		}
		return packed
	}).Export("secret_get")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
		if host.ConfigGet == nil {
			return 0
		}
		key, ok := mod.Memory().Read(keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, ok := host.ConfigGet(string(key))
		if !ok {
			return 0
		}
		packed, err := writeViaAlloc(ctx, mod, []byte(value))
		if err != nil {
			return 0
		}
		return packed
	}).Export("config_get")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module) uint64 {
		info := invocationFrom(ctx)
		if info.callerID == "" {
			return 0
		}
		packed, err := writeViaAlloc(ctx, mod, []byte(info.callerID))
		if err != nil {
			return 0
		}
		return packed
	}).Export("caller_id")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module) uint64 {
		info := invocationFrom(ctx)
		if info.invocationID == "" {
			return 0
		}
		packed, err := writeViaAlloc(ctx, mod, []byte(info.invocationID))
		if err != nil {
			return 0
		}
		return packed
	}).Export("invocation_id")

	_, err := b.Instantiate(ctx)
	return errors.Wrap(err, "engine: instantiate host module")
}

// writeViaAlloc places data into the guest's linear memory through its
// exported allocator and returns the packed (ptr, len) the host-import
// convention hands back.
func writeViaAlloc(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction(allocExport)
	if alloc == nil {
		return 0, errors.Errorf("engine: guest has no %s export", allocExport)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, errors.Wrap(err, "engine: alloc")
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, errors.New("engine: write out of bounds")
	}
	return packPtrLen(ptr, uint32(len(data))), nil
}
