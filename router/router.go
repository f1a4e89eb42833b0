// Package router implements the host's RPC router: the symmetric
// outbound/inbound path that turns a host-import call from a component
// into a bus request, and a bus request from a peer into an invocation
// on a local component instance borrowed from its pool.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tinylib/msgp/msgp"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/engine"
	"github.com/wasmcloud/host/log"
	"github.com/wasmcloud/host/metrics"
	"github.com/wasmcloud/host/supervisor"
)

// Deps wires the router to the bus, the local component table, and
// the event sink.
type Deps struct {
	HostID     string
	Lattice    string
	Bus        bus.Conn
	Components *supervisor.ComponentSupervisor
	Metrics    *metrics.Registry
	Events     supervisor.Publisher
	Log        *log.Logger

	// CallTimeout bounds the execution-time budget of an outbound
	// request-reply.
	CallTimeout time.Duration
	// AcquireWait bounds how long an inbound invocation waits for an
	// idle instance before failing fast.
	AcquireWait time.Duration
}

// Router is one per host, subscribing per local component and
// dispatching outbound calls from every component's instance pool.
type Router struct {
	deps Deps
	sid  *shortid.Shortid

	mu   sync.Mutex
	subs map[string]bus.Subscription // componentID -> local inbound subscription
}

func New(deps Deps) (*Router, error) {
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = 5 * time.Second
	}
	if deps.AcquireWait <= 0 {
		deps.AcquireWait = 200 * time.Millisecond
	}
	sid, err := shortid.New(1, shortid.DefaultABC, 2166)
	if err != nil {
		return nil, errors.Wrap(err, "router: shortid")
	}
	return &Router{deps: deps, sid: sid, subs: make(map[string]bus.Subscription)}, nil
}

// Kind distinguishes a failure inside the component's own execution
// from a failure the host introduced.
type Kind string

const (
	KindComponent Kind = "component"
	KindHost      Kind = "host"
)

// RPCError is what a failed Call/dispatch surfaces to its caller.
type RPCError struct {
	Kind    Kind
	Message string
}

func (e *RPCError) Error() string { return string(e.Kind) + ": " + e.Message }

func hostErr(msg string) *RPCError { return &RPCError{Kind: KindHost, Message: msg} }

// envelope is the wire shape of an RPC invocation, hand-encoded with
// msgp's low-level append/read helpers rather than generated
// marshalers -- there is no struct worth code-generating for, only a
// fixed seven-field array, and this keeps the hot path allocation-free
// beyond the payload copy itself.
type envelope struct {
	InvocationID string
	SourceID     string
	LinkName     string
	Function     string
	TraceParent  string
	TraceState   string
	Payload      []byte
}

func encodeEnvelope(e envelope) []byte {
	b := msgp.AppendArrayHeader(nil, 7)
	b = msgp.AppendString(b, e.InvocationID)
	b = msgp.AppendString(b, e.SourceID)
	b = msgp.AppendString(b, e.LinkName)
	b = msgp.AppendString(b, e.Function)
	b = msgp.AppendString(b, e.TraceParent)
	b = msgp.AppendString(b, e.TraceState)
	b = msgp.AppendBytes(b, e.Payload)
	return b
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return e, errors.Wrap(err, "envelope: array header")
	}
	if sz != 7 {
		return e, errors.Errorf("envelope: expected 7 fields, got %d", sz)
	}
	if e.InvocationID, b, err = msgp.ReadStringBytes(b); err != nil {
		return e, err
	}
	if e.SourceID, b, err = msgp.ReadStringBytes(b); err != nil {
		return e, err
	}
	if e.LinkName, b, err = msgp.ReadStringBytes(b); err != nil {
		return e, err
	}
	if e.Function, b, err = msgp.ReadStringBytes(b); err != nil {
		return e, err
	}
	if e.TraceParent, b, err = msgp.ReadStringBytes(b); err != nil {
		return e, err
	}
	if e.TraceState, b, err = msgp.ReadStringBytes(b); err != nil {
		return e, err
	}
	if e.Payload, _, err = msgp.ReadBytesBytes(b, nil); err != nil {
		return e, err
	}
	return e, nil
}

// reply is the wire shape of an RPC response: either a payload or an
// error classified by Kind.
type reply struct {
	InvocationID string
	Payload      []byte
	ErrKind      string
	ErrMessage   string
}

func encodeReply(r reply) []byte {
	b := msgp.AppendArrayHeader(nil, 4)
	b = msgp.AppendString(b, r.InvocationID)
	b = msgp.AppendBytes(b, r.Payload)
	b = msgp.AppendString(b, r.ErrKind)
	b = msgp.AppendString(b, r.ErrMessage)
	return b
}

func decodeReply(b []byte) (reply, error) {
	var r reply
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return r, errors.Wrap(err, "reply: array header")
	}
	if sz != 4 {
		return r, errors.Errorf("reply: expected 4 fields, got %d", sz)
	}
	if r.InvocationID, b, err = msgp.ReadStringBytes(b); err != nil {
		return r, err
	}
	if r.Payload, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
		return r, err
	}
	if r.ErrKind, b, err = msgp.ReadStringBytes(b); err != nil {
		return r, err
	}
	if r.ErrMessage, _, err = msgp.ReadStringBytes(b); err != nil {
		return r, err
	}
	return r, nil
}

// subject builds the RPC subject for one hop:
// <lattice>.<target>.<wit-namespace>.<wit-package>.<interface>.<function>.
func (r *Router) subject(targetID, fnSubject string) string {
	return r.deps.Lattice + "." + targetID + "." + fnSubject
}

func fnSubject(ns, pkg, iface, function string) string {
	return ns + "." + pkg + "." + iface + "." + function
}

// Call performs an outbound host-import call on behalf of a component
// instance. im is the caller's import map
// snapshot taken at instantiation.
func (r *Router) Call(ctx context.Context, callerID string, im cluster.ImportMap, ns, pkg, iface, nameHint, function string, payload []byte) ([]byte, error) {
	link, ok := im.Resolve(ns, pkg, iface, nameHint)
	if !ok {
		return nil, hostErr("not linked")
	}

	id, err := r.sid.Generate()
	if err != nil {
		return nil, hostErr("invocation id: " + err.Error())
	}
	env := envelope{InvocationID: id, SourceID: callerID, LinkName: link.Name, Function: fnSubject(ns, pkg, iface, function), Payload: payload}
	traceparent, tracestate := traceContext(ctx)
	env.TraceParent, env.TraceState = traceparent, tracestate

	cctx, cancel := context.WithTimeout(ctx, r.deps.CallTimeout)
	defer cancel()
	raw, err := r.deps.Bus.Request(cctx, r.subject(link.Target, env.Function), encodeEnvelope(env))
	if err != nil {
		return nil, hostErr("rpc request: " + err.Error())
	}
	rep, err := decodeReply(raw)
	if err != nil {
		r.countRPC("outbound", "error")
		return nil, hostErr("rpc decode: " + err.Error())
	}
	if rep.ErrKind != "" {
		r.countRPC("outbound", "error")
		return nil, &RPCError{Kind: Kind(rep.ErrKind), Message: rep.ErrMessage}
	}
	r.countRPC("outbound", "ok")
	return rep.Payload, nil
}

func (r *Router) countRPC(direction, result string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RPCInvocations.WithLabelValues(direction, result).Inc()
	}
}

// AddComponent starts the inbound subscription for a newly-scaled-up
// local component.
func (r *Router) AddComponent(componentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[componentID]; ok {
		return nil
	}
	subject := r.deps.Lattice + "." + componentID + ".>"
	sub, err := r.deps.Bus.Subscribe(subject, func(m bus.Msg) {
		r.handleInbound(componentID, m)
	})
	if err != nil {
		return errors.Wrap(err, "router: subscribe")
	}
	r.subs[componentID] = sub
	return nil
}

// RemoveComponent tears down the inbound subscription, called when the
// component is drained to zero instances.
func (r *Router) RemoveComponent(componentID string) {
	r.mu.Lock()
	sub, ok := r.subs[componentID]
	if ok {
		delete(r.subs, componentID)
	}
	r.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (r *Router) handleInbound(componentID string, m bus.Msg) {
	prefix := r.deps.Lattice + "." + componentID + "."
	function := strings.TrimPrefix(m.Subject, prefix)

	if m.Reply == "" {
		return // fire-and-forget notifications carry no reply subject
	}

	env, err := decodeEnvelope(m.Data)
	if err != nil {
		r.countRPC("inbound", "error")
		r.deps.Bus.Publish(m.Reply, encodeReply(reply{ErrKind: string(KindHost), ErrMessage: "bad envelope: " + err.Error()}))
		return
	}

	result, rerr := r.dispatch(componentID, function, env)
	invocationID := env.InvocationID
	if rerr != nil {
		var rpcErr *RPCError
		if !errors.As(rerr, &rpcErr) {
			rpcErr = hostErr(rerr.Error())
		}
		r.countRPC("inbound", "error")
		r.deps.Bus.Publish(m.Reply, encodeReply(reply{InvocationID: invocationID, ErrKind: string(rpcErr.Kind), ErrMessage: rpcErr.Message}))
		return
	}
	r.countRPC("inbound", "ok")
	r.deps.Bus.Publish(m.Reply, encodeReply(reply{InvocationID: invocationID, Payload: result}))
}

// dispatch borrows an instance from the destination component's pool
// and invokes the exported function. Host-side failures -- pool
// exhaustion, an unknown destination -- surface as KindHost; a trap
// inside the component itself surfaces as KindComponent, and the
// faulted instance is discarded from the pool rather than released
// back into it.
func (r *Router) dispatch(componentID, function string, env envelope) ([]byte, error) {
	handle, ok := r.deps.Components.Get(componentID)
	if !ok {
		return nil, hostErr("not_running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.deps.CallTimeout)
	defer cancel()
	// Stamp the invocation context so the caller_id/invocation_id host
	// imports answer correctly inside the guest.
	ctx = engine.WithInvocation(ctx, env.SourceID, env.InvocationID)

	inst, release, err := handle.Acquire(ctx, r.deps.AcquireWait)
	if err != nil {
		if errors.Is(err, supervisor.ErrPoolSaturated) {
			r.emitPoolSaturated(componentID)
			return nil, hostErr("pool saturated")
		}
		return nil, hostErr(err.Error())
	}

	out, err := inst.Call(ctx, function, env.Payload)
	if err != nil {
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			handle.Discard(ctx, inst)
			return nil, &RPCError{Kind: KindComponent, Message: engErr.Error()}
		}
		release()
		return nil, hostErr(err.Error())
	}
	release()
	return out, nil
}

func (r *Router) emitPoolSaturated(componentID string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RPCPoolSaturated.WithLabelValues(componentID).Inc()
	}
	if r.deps.Events == nil {
		return
	}
	r.deps.Events.Publish(cluster.NewEvent(r.deps.HostID, cluster.EventPoolSaturated, map[string]interface{}{"component_id": componentID}))
}

// traceContext reads W3C trace headers stashed on the context by the
// caller; absent any, both are empty and the envelope simply carries
// no trace linkage.
func traceContext(ctx context.Context) (traceparent, tracestate string) {
	if v, ok := ctx.Value(traceParentKey{}).(string); ok {
		traceparent = v
	}
	if v, ok := ctx.Value(traceStateKey{}).(string); ok {
		tracestate = v
	}
	return traceparent, tracestate
}

type traceParentKey struct{}
type traceStateKey struct{}

// WithTraceContext attaches W3C trace headers to a context so an
// outbound Call propagates them.
func WithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	ctx = context.WithValue(ctx, traceParentKey{}, traceparent)
	ctx = context.WithValue(ctx, traceStateKey{}, tracestate)
	return ctx
}
