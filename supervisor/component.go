// Package supervisor implements the component and provider
// supervisors: the per-id runtime state the host owns for every live
// component (instance pool, import map, claims) and provider (child
// process, health). Each table guards its entries with per-entry
// locking; no code path ever holds more than one entry's lock at a
// time.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/engine"
	"github.com/wasmcloud/host/fetch"
	"github.com/wasmcloud/host/log"
	"github.com/wasmcloud/host/metrics"
	"github.com/wasmcloud/host/policy"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
)

// Publisher emits lattice events; satisfied by the control-plane
// adapter in production, a recording fake in tests.
type Publisher interface {
	Publish(ev cluster.LatticeEvent)
}

// ComponentDeps wires the component supervisor to its collaborators:
// fetcher, claims/policy gate, secrets resolver, data store, link
// table, engine, and the host's own limits/identity.
type ComponentDeps struct {
	HostID  string
	// HostJWT is the host's self-signed claims token, presented to
	// secrets backends alongside the entity's token.
	HostJWT string
	Limits  cluster.HostLimits
	Fetcher *fetch.Fetcher
	Claims  *claims.Verifier
	Policy  *policy.Gate
	Secrets *secrets.Resolver
	Store   *store.Store
	Links   *cluster.LinkTable
	Engine  engine.Engine
	Metrics *metrics.Registry
	Events  Publisher
	Log     *log.Logger

	// AcquireWait is defaulted to 200ms but not read by Acquire, which
	// takes its wait as an argument from the caller.
	AcquireWait time.Duration
}

// ScaleRequest is the input to Scale.
type ScaleRequest struct {
	ComponentID      string
	ArtifactRef      string
	DesiredInstances int
	Annotations      map[string]string
	ConfigNames      []string
	SecretNames      []string
	AllowedClaims    []string
}

// ComponentSupervisor owns every live component on this host.
type ComponentSupervisor struct {
	deps ComponentDeps

	mu    sync.RWMutex
	comps map[string]*component
}

func NewComponentSupervisor(deps ComponentDeps) *ComponentSupervisor {
	if deps.AcquireWait <= 0 {
		deps.AcquireWait = 200 * time.Millisecond
	}
	return &ComponentSupervisor{deps: deps, comps: make(map[string]*component)}
}

// component is one id's runtime entry: artifact, pool, import map.
// Every field access outside of construction takes mu, and this is
// the only lock Scale/Acquire/OnLinksChanged ever hold.
type component struct {
	mu sync.RWMutex

	id          string
	url         string
	module      engine.Module
	annotations map[string]string
	claimsV     *cluster.VerifiedClaims
	limits      engine.Limits

	// secretVals/configVals back the instance's secret_get/config_get
	// host imports; secretNames/configNames are kept so an artifact
	// update re-resolves the same references.
	secretVals  map[string]*secrets.Value
	configVals  map[string]string
	secretNames []string
	configNames []string

	importMap cluster.ImportMap

	idle  chan engine.Instance
	all   []engine.Instance
	sem   *semaphore.Weighted // not set; resize bounds scale-up with a local semaphore
	count int

	sup *ComponentSupervisor
}

func (c *component) ListenerID() string { return c.id }

// OnLinksChanged atomically rebuilds the import-map snapshot the
// router consults on the hot path.
func (c *component) OnLinksChanged() {
	m := c.sup.deps.Links.BuildImportMap(c.id)
	c.mu.Lock()
	c.importMap = m
	c.mu.Unlock()
}

// ImportMap returns the current snapshot for outbound routing.
func (c *component) ImportMap() cluster.ImportMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.importMap
}

// Get returns the supervision entry for id, if the component is
// currently running locally.
func (s *ComponentSupervisor) Get(id string) (*ComponentHandle, bool) {
	s.mu.RLock()
	c, ok := s.comps[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &ComponentHandle{c: c}, true
}

// ComponentHandle is the narrow read-only view router/ctl use.
type ComponentHandle struct{ c *component }

func (h *ComponentHandle) ImportMap() cluster.ImportMap { return h.c.ImportMap() }
func (h *ComponentHandle) MaxInstances() int {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return h.c.count
}
func (h *ComponentHandle) Claims() *cluster.VerifiedClaims {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	return h.c.claimsV
}

// Count reports how many components are currently supervised locally
// -- the auction handler's "limits fit" check against max_components.
func (s *ComponentSupervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.comps)
}

// Acquire borrows an idle instance, blocking up to wait before failing
// fast with ErrPoolSaturated.
func (h *ComponentHandle) Acquire(ctx context.Context, wait time.Duration) (engine.Instance, func(), error) {
	select {
	case inst := <-h.c.idle:
		return inst, func() { h.c.idle <- inst }, nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case inst := <-h.c.idle:
		return inst, func() { h.c.idle <- inst }, nil
	case <-timer.C:
		return nil, nil, ErrPoolSaturated
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Discard closes a borrowed instance instead of returning it to the
// pool -- the path for a component trap, which may leave the
// instance's linear memory poisoned. A fresh instance is instantiated
// in its place so the pool keeps its size; if that fails, the pool
// runs one short until the next scale reconciles it.
func (h *ComponentHandle) Discard(ctx context.Context, inst engine.Instance) {
	inst.Close(ctx)
	h.c.mu.RLock()
	module := h.c.module
	h.c.mu.RUnlock()
	if module == nil {
		return
	}
	fresh, err := module.NewInstance(ctx)
	if err != nil {
		return
	}
	select {
	case h.c.idle <- fresh:
	default:
		fresh.Close(ctx)
	}
}

var ErrPoolSaturated = errors.New("supervisor: instance pool saturated")
var ErrNotRunning = errors.New("supervisor: component not running")

// Scale reconciles the component's instance pool to the desired
// count, creating or updating its persisted specification first.
func (s *ComponentSupervisor) Scale(ctx context.Context, req ScaleRequest) error {
	spec, _, err := s.deps.Store.GetComponent(ctx, req.ComponentID)
	if err != nil {
		spec = &cluster.ComponentSpecification{ID: req.ComponentID}
	}
	if req.ArtifactRef != "" {
		spec.URL = req.ArtifactRef
	}
	if _, err := s.deps.Store.PutComponent(ctx, spec); err != nil {
		return s.fail(req.ComponentID, errors.Wrap(err, "persist component spec"))
	}

	if req.DesiredInstances == 0 {
		s.drain(ctx, req.ComponentID)
		s.emit(cluster.EventComponentScaled, map[string]interface{}{"component_id": req.ComponentID, "count": 0})
		return nil
	}

	target := s.deps.Limits.ClampInstances(req.DesiredInstances)

	artifact, err := s.deps.Fetcher.Fetch(ctx, spec.URL)
	if err != nil {
		return s.fail(req.ComponentID, errors.Wrap(err, "fetch artifact"))
	}

	vc, err := s.deps.Claims.Verify(artifact.Claims)
	if err != nil {
		return s.fail(req.ComponentID, errors.Wrap(err, "verify claims"))
	}
	if !claimsAllowed(vc, req.AllowedClaims) {
		return s.fail(req.ComponentID, errors.New("claims capabilities exceed allowed set"))
	}
	decision, reason, err := s.deps.Policy.Evaluate(ctx, s.deps.HostID, vc, claims.ActionStartComponent, req.ComponentID)
	if err != nil {
		return s.fail(req.ComponentID, errors.Wrap(err, "policy evaluate"))
	}
	if decision == policy.Deny {
		return s.fail(req.ComponentID, errors.Errorf("policy denied: %s", reason))
	}

	secretVals, err := s.resolveSecrets(ctx, req.SecretNames, string(artifact.Claims), req.Annotations)
	if err != nil {
		return s.fail(req.ComponentID, errors.Wrapf(err, "resolve secrets"))
	}
	configVals, err := s.resolveConfig(ctx, req.ConfigNames)
	if err != nil {
		zeroSecrets(secretVals)
		return s.fail(req.ComponentID, errors.Wrap(err, "resolve config"))
	}

	limits := engine.Limits{
		MaxMemoryBytes:   s.deps.Limits.MaxLinearMemoryBytesPerComp,
		MaxCoreInstances: s.deps.Limits.MaxCoreInstancesPerComponent,
	}
	module, err := s.deps.Engine.Compile(ctx, artifact.Bytes, limits, s.hostBindings(req.ComponentID, secretVals, configVals))
	if err != nil {
		zeroSecrets(secretVals)
		return s.fail(req.ComponentID, errors.Wrap(err, "compile"))
	}

	c := s.getOrCreate(req.ComponentID)
	c.mu.Lock()
	c.url = spec.URL
	c.module = module
	c.annotations = req.Annotations
	c.claimsV = vc
	c.limits = limits
	replaced := c.secretVals
	c.secretVals = secretVals
	c.configVals = configVals
	c.secretNames = req.SecretNames
	c.configNames = req.ConfigNames
	c.mu.Unlock()
	zeroSecrets(replaced)
	c.OnLinksChanged()

	if err := s.resize(ctx, c, target); err != nil {
		return s.fail(req.ComponentID, errors.Wrap(err, "resize pool"))
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ComponentInstances.WithLabelValues(req.ComponentID).Set(float64(target))
	}
	s.emit(cluster.EventComponentScaled, map[string]interface{}{"component_id": req.ComponentID, "count": target})
	return nil
}

// Update swaps the artifact reference of a running component while
// preserving its id and current scale.
func (s *ComponentSupervisor) Update(ctx context.Context, id, newRef string) error {
	s.mu.RLock()
	c, ok := s.comps[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotRunning
	}
	c.mu.RLock()
	currentCount := c.count
	anno := c.annotations
	secretNames := c.secretNames
	configNames := c.configNames
	c.mu.RUnlock()
	return s.Scale(ctx, ScaleRequest{
		ComponentID:      id,
		ArtifactRef:      newRef,
		DesiredInstances: currentCount,
		Annotations:      anno,
		ConfigNames:      configNames,
		SecretNames:      secretNames,
	})
}

func (s *ComponentSupervisor) getOrCreate(id string) *component {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.comps[id]; ok {
		return c
	}
	capacity := s.deps.Limits.MaxComponentInstances
	if capacity <= 0 {
		capacity = 1024
	}
	c := &component{id: id, sup: s, idle: make(chan engine.Instance, capacity)}
	s.comps[id] = c
	s.deps.Links.Reg(id, c)
	return c
}

// resize instantiates fresh instances concurrently, at most four at a
// time, on scale-up, or cancels idle instances and waits for in-flight calls
// up to max_execution_time on scale-down.
func (s *ComponentSupervisor) resize(ctx context.Context, c *component, target int) error {
	c.mu.Lock()
	module := c.module
	current := c.count
	c.mu.Unlock()

	if target > current {
		sem := semaphore.NewWeighted(4) // bounded concurrency
		var mu sync.Mutex
		var firstErr error
		var wg sync.WaitGroup
		for i := current; i < target; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				inst, err := module.NewInstance(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					return
				}
				c.all = append(c.all, inst)
				c.idle <- inst
			}()
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
		c.mu.Lock()
		c.count = target
		c.mu.Unlock()
		return nil
	}

	if target < current {
		toRemove := current - target
		deadline := time.Duration(s.deps.Limits.MaxExecutionTime)
		if deadline <= 0 {
			deadline = 10 * time.Second
		}
		for i := 0; i < toRemove; i++ {
			select {
			case inst := <-c.idle:
				cctx, cancel := context.WithTimeout(context.Background(), deadline)
				inst.Close(cctx)
				cancel()
			case <-time.After(deadline):
				// in-flight call overran the deadline; drop it anyway
			}
		}
		c.mu.Lock()
		c.count = target
		c.mu.Unlock()
	}
	return nil
}

// drain tears down the supervision entry entirely (desired==0): a
// scale of 0 deletes the component's runtime presence but preserves
// its specification.
func (s *ComponentSupervisor) drain(ctx context.Context, id string) {
	s.mu.Lock()
	c, ok := s.comps[id]
	if ok {
		delete(s.comps, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deps.Links.Unreg(id, c)

	deadline := time.Duration(s.deps.Limits.MaxExecutionTime)
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	c.mu.Lock()
	count := c.count
	c.count = 0
	c.mu.Unlock()
	// The channel is never closed: an in-flight call that releases its
	// instance after we stopped waiting just parks it in the buffer of a
	// channel nothing references anymore. Closing would turn that late
	// release into a panic.
	for i := 0; i < count; i++ {
		select {
		case inst := <-c.idle:
			cctx, cancel := context.WithTimeout(ctx, deadline)
			inst.Close(cctx)
			cancel()
		case <-time.After(deadline):
			// in-flight call overran the drain deadline; abandon it
		}
	}
	c.mu.Lock()
	if c.module != nil {
		c.module.Close(context.Background())
	}
	vals := c.secretVals
	c.secretVals = nil
	c.configVals = nil
	c.mu.Unlock()
	zeroSecrets(vals)

	if s.deps.Metrics != nil {
		s.deps.Metrics.ComponentInstances.WithLabelValues(id).Set(0)
	}
}

// Drain forcibly tears down every running component, used by the Host
// Core on graceful shutdown. Mirrors ProviderSupervisor.StopAll's bounded fan-out, an
// errgroup here since no per-drain error needs reporting back past a
// log line.
func (s *ComponentSupervisor) Drain(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.comps))
	for id := range s.comps {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	const boundedConcurrency = 8
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(boundedConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			s.drain(gctx, id)
			return nil
		})
	}
	g.Wait()
}

func (s *ComponentSupervisor) resolveSecrets(ctx context.Context, names []string, entityJWT string, annotations map[string]string) (map[string]*secrets.Value, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return s.deps.Secrets.Resolve(ctx, secrets.Request{
		Names:       names,
		EntityJWT:   entityJWT,
		HostJWT:     s.deps.HostJWT,
		Application: annotations[AnnotationApplication],
	})
}

// AnnotationApplication names the application a component/provider
// belongs to, set by the orchestrator that issued the command and
// forwarded to secrets backends that scope authorization by app.
const AnnotationApplication = "wasmcloud.dev/appspec"

// resolveConfig merges the named config blobs left-to-right into the
// flat key/value view the config_get host import serves. A name
// carrying the secret prefix is a secret reference resolved separately
// through resolveSecrets; here it only needs an existing descriptor.
func (s *ComponentSupervisor) resolveConfig(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range names {
		if store.IsSecretName(name) {
			if _, err := s.deps.Store.GetSecretDescriptor(ctx, name); err != nil {
				return nil, err
			}
			continue
		}
		cfg, err := s.deps.Store.GetConfig(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "config %q", name)
		}
		for k, v := range cfg.Values {
			out[k] = v
		}
	}
	return out, nil
}

// hostBindings builds the host-import surface an instance of this
// component sees: log lines tagged with the component id, and
// secret/config lookups answered from the maps resolved at scale time.
// The engine adds random and invocation-context imports itself.
func (s *ComponentSupervisor) hostBindings(id string, secretVals map[string]*secrets.Value, configVals map[string]string) *engine.Host {
	logger := s.deps.Log
	return &engine.Host{
		Log: func(level uint32, msg string) {
			if logger == nil {
				return
			}
			switch level {
			case 0:
				logger.Infof("component %s: %s", id, msg)
			case 1:
				logger.Warnf("component %s: %s", id, msg)
			default:
				logger.Errorf("component %s: %s", id, msg)
			}
		},
		SecretGet: func(name string) ([]byte, bool) {
			v, ok := secretVals[name]
			if !ok {
				return nil, false
			}
			return v.Bytes(), true
		},
		ConfigGet: func(key string) (string, bool) {
			v, ok := configVals[key]
			return v, ok
		},
	}
}

func zeroSecrets(vals map[string]*secrets.Value) {
	for _, v := range vals {
		v.Zero()
	}
}

func claimsAllowed(vc *cluster.VerifiedClaims, allowed []string) bool {
	if vc == nil || len(allowed) == 0 {
		return true
	}
	permitted := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		permitted[a] = true
	}
	for _, capability := range vc.Caps {
		if !permitted[capability] {
			return false
		}
	}
	return true
}

func (s *ComponentSupervisor) fail(id string, err error) error {
	s.emit(cluster.EventComponentScaleFailed, map[string]interface{}{"component_id": id, "reason": err.Error()})
	if s.deps.Log != nil {
		s.deps.Log.Errorf("component %s scale failed: %v", id, err)
	}
	return err
}

func (s *ComponentSupervisor) emit(typ cluster.EventType, data interface{}) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(cluster.NewEvent(s.deps.HostID, typ, data))
}

// Inventory returns component summaries for heartbeats.
func (s *ComponentSupervisor) Inventory() []cluster.ComponentSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.ComponentSummary, 0, len(s.comps))
	for id, c := range s.comps {
		c.mu.RLock()
		out = append(out, cluster.ComponentSummary{ID: id, MaxInstances: c.count})
		c.mu.RUnlock()
	}
	return out
}
