package engine

import (
	"context"
	"sync"
)

// Fake is an in-process Engine for tests: Compile never touches wasm
// bytes, and every Instance's Call is dispatched to a registered Go
// function, keyed by export name. Mirrors the real wasi/wazero seam
// closely enough that the supervisor/router tests exercise the same
// control flow a real engine would drive.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, payload []byte) ([]byte, error)
	compiled int
	lastHost *Host
}

func NewFake() *Fake {
	return &Fake{handlers: make(map[string]func(context.Context, []byte) ([]byte, error))}
}

// Handle registers the function a fake instance calls function with.
func (f *Fake) Handle(function string, fn func(ctx context.Context, payload []byte) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[function] = fn
}

func (f *Fake) Compile(_ context.Context, _ []byte, limits Limits, host *Host) (Module, error) {
	f.mu.Lock()
	f.compiled++
	f.lastHost = host
	f.mu.Unlock()
	return &fakeModule{eng: f, limits: limits, host: host}, nil
}

func (f *Fake) Close(context.Context) error { return nil }

func (f *Fake) CompileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compiled
}

// LastHost returns the host-import bindings passed to the most recent
// Compile, letting tests exercise the secret/config/log callbacks a
// real guest would reach through the "wasmcloud" import module.
func (f *Fake) LastHost() *Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHost
}

type fakeModule struct {
	eng    *Fake
	limits Limits
	host   *Host
	closed bool
}

func (m *fakeModule) NewInstance(context.Context) (Instance, error) {
	return &fakeInstance{eng: m.eng}, nil
}

func (m *fakeModule) Close(context.Context) error {
	m.closed = true
	return nil
}

type fakeInstance struct {
	eng    *Fake
	closed bool
}

func (i *fakeInstance) Call(ctx context.Context, function string, payload []byte) ([]byte, error) {
	i.eng.mu.Lock()
	fn, ok := i.eng.handlers[function]
	i.eng.mu.Unlock()
	if !ok {
		return nil, &Error{Function: function, Err: errNotLinked}
	}
	return fn(ctx, payload)
}

func (i *fakeInstance) Close(context.Context) error {
	i.closed = true
	return nil
}

// Error reports an engine-level call failure distinct from a
// component's own typed Err result.
type Error struct {
	Function string
	Err      error
}

func (e *Error) Error() string { return "engine: " + e.Function + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

var errNotLinked = errNotLinkedErr{}

type errNotLinkedErr struct{}

func (errNotLinkedErr) Error() string { return "no such exported function" }
