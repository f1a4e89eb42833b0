// Package host implements the host core: construction of every
// collaborator, state replay at startup, and the ordered graceful
// shutdown sequence. One struct owns every long-lived subsystem, built
// once at startup and torn down together on the first stop signal.
// The two shutdown steps that are genuinely parallel-bounded (stop
// providers, drain components) each fan out internally (a bounded
// channel semaphore for providers, a golang.org/x/sync errgroup for
// components), so shutdown here only needs to sequence the two calls.
package host

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/cmn/config"
	"github.com/wasmcloud/host/ctl"
	"github.com/wasmcloud/host/engine"
	"github.com/wasmcloud/host/fetch"
	"github.com/wasmcloud/host/log"
	"github.com/wasmcloud/host/metrics"
	"github.com/wasmcloud/host/policy"
	"github.com/wasmcloud/host/router"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
	"github.com/wasmcloud/host/supervisor"
)

// eventProxy lets supervisor/router construction happen before the
// Control Plane Adapter exists to receive their events, and vice versa:
// every collaborator is handed the proxy as its Publisher, and the real
// Adapter is installed as its target once built. Unlike ctl's own test
// fixture (which can assign the Adapter's unexported deps field
// directly, being in-package), host.go is an external package and only
// ever sees ctl's exported surface, so the indirection happens here
// instead.
type eventProxy struct {
	mu     sync.RWMutex
	target supervisor.Publisher
}

func (p *eventProxy) Publish(ev cluster.LatticeEvent) {
	p.mu.RLock()
	t := p.target
	p.mu.RUnlock()
	if t != nil {
		t.Publish(ev)
	}
}

func (p *eventProxy) setTarget(t supervisor.Publisher) {
	p.mu.Lock()
	p.target = t
	p.mu.Unlock()
}

// Core is the live C10 instance: every collaborator plus the state this
// process needs to sequence startup and shutdown.
type Core struct {
	cfg      *config.Owner
	identity *cluster.HostIdentity
	limits   cluster.HostLimits
	log      *log.Logger

	ctlConn bus.Conn
	rpcConn bus.Conn
	kvClose io.Closer

	store   *store.Store
	links   *cluster.LinkTable
	metrics *metrics.Registry

	components *supervisor.ComponentSupervisor
	providers  *supervisor.ProviderSupervisor
	router     *router.Router
	ctl        *ctl.Adapter

	startedAt time.Time

	mu              sync.Mutex
	stopRequested   bool
	stopCh          chan struct{}
	shutdownTimeout time.Duration
}

// New constructs and wires every collaborator but starts nothing:
// call Run to replay state, subscribe, and block until stopped.
func New(cfg *config.HostConfig) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "host: invalid config")
	}

	ctlConn, err := bus.Connect(cfg.Net.CtlNATSURL)
	if err != nil {
		return nil, errors.Wrap(err, "host: connect ctl bus")
	}
	rpcConn := ctlConn
	if cfg.Net.RPCNATSURL != "" && cfg.Net.RPCNATSURL != cfg.Net.CtlNATSURL {
		rpcConn, err = bus.Connect(cfg.Net.RPCNATSURL)
		if err != nil {
			ctlConn.Close()
			return nil, errors.Wrap(err, "host: connect rpc bus")
		}
	}

	c, err := newCore(cfg, ctlConn, rpcConn)
	if err != nil {
		ctlConn.Close()
		if rpcConn != ctlConn {
			rpcConn.Close()
		}
		return nil, err
	}
	return c, nil
}

// newCore builds every collaborator on top of already-established bus
// connections; split out of New so tests can supply bus.MemConn in
// place of a real NATS connection without duplicating the wiring.
func newCore(cfg *config.HostConfig, ctlConn, rpcConn bus.Conn) (*Core, error) {
	identity, err := cluster.NewHostIdentity(cfg, "")
	if err != nil {
		return nil, errors.Wrap(err, "host: derive identity")
	}
	limits := cluster.NewHostLimits(cfg)
	logger := log.New(log.F("host_id", identity.ID))

	kv, kvClose, err := openStore(ctlConn, cfg)
	if err != nil {
		return nil, err
	}
	st := store.New(kv)
	links := cluster.NewLinkTable()

	cacheDir := cfg.ArtifactCacheDir
	if cacheDir == "" {
		cacheDir = config.Default().ArtifactCacheDir
	}
	cache, err := fetch.NewCache(cacheDir)
	if err != nil {
		return nil, errors.Wrap(err, "host: open artifact cache")
	}
	var extraCA []byte
	if cfg.OCI.ExtraCACertFile != "" {
		extraCA, err = os.ReadFile(cfg.OCI.ExtraCACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "host: read extra CA cert")
		}
	}
	fetcher := fetch.New(fetch.Options{
		AllowFileLoad:    cfg.Lattice.AllowFile,
		OCIAllowInsecure: cfg.OCI.AllowInsecure,
		OCIAllowLatest:   cfg.OCI.AllowLatest,
		ExtraCACertPEM:   extraCA,
		RegistryCreds:    registryCreds(cfg.OCI.Registries),
	}, cache)
	if cfg.ArtifactRemoteCacheURL != "" {
		rcCtx, rcCancel := context.WithTimeout(context.Background(), 10*time.Second)
		remote, err := fetch.OpenRemoteCache(rcCtx, cfg.ArtifactRemoteCacheURL)
		rcCancel()
		if err != nil {
			return nil, errors.Wrap(err, "host: open remote artifact cache")
		}
		fetcher.SetRemoteCache(remote)
	}

	claimsVerifier := &claims.Verifier{
		AllowUnsigned: cfg.Claims.AllowUnsigned,
		IssuerKeys:    issuerKeyLookup(cfg.Claims.IssuerKeys),
	}
	hostJWT, err := claims.SignHostToken(identity, 24*time.Hour)
	if err != nil {
		return nil, errors.Wrap(err, "host: sign host token")
	}
	policyGate := policy.New(ctlConn, cfg.Policy.Subject, policyTimeout(cfg))
	secretsResolver := secrets.NewResolver(st)
	if cfg.Secrets.Topic != "" {
		secretsResolver.SetTransport(secrets.NewBusTransport(rpcConn, cfg.Secrets.Topic, 0))
	}
	eng := engine.NewWazero()
	metricsReg := metrics.New()

	proxy := &eventProxy{}

	comps := supervisor.NewComponentSupervisor(supervisor.ComponentDeps{
		HostID:  identity.ID,
		HostJWT: hostJWT,
		Limits:  limits,
		Fetcher: fetcher,
		Claims:  claimsVerifier,
		Policy:  policyGate,
		Secrets: secretsResolver,
		Store:   st,
		Links:   links,
		Engine:  eng,
		Metrics: metricsReg,
		Events:  proxy,
		Log:     logger,
	})
	rpcURL := cfg.Net.RPCNATSURL
	if rpcURL == "" {
		rpcURL = cfg.Net.CtlNATSURL
	}
	provs := supervisor.NewProviderSupervisor(supervisor.ProviderDeps{
		HostID:        identity.ID,
		HostJWT:       hostJWT,
		Lattice:       identity.LatticeName,
		RPCURL:        rpcURL,
		Fetcher:       fetcher,
		Claims:        claimsVerifier,
		Policy:        policyGate,
		Secrets:       secretsResolver,
		Store:         st,
		Links:         links,
		Bus:           rpcConn,
		Metrics:       metricsReg,
		Events:        proxy,
		Log:           logger,
		ShutdownGrace: cfg.Timing.HostShutdownTimeout,
	})
	rt, err := router.New(router.Deps{
		HostID:      identity.ID,
		Lattice:     identity.LatticeName,
		Bus:         rpcConn,
		Components:  comps,
		Metrics:     metricsReg,
		Events:      proxy,
		Log:         logger,
		CallTimeout: cfg.Limits.MaxExecutionTime,
	})
	if err != nil {
		return nil, errors.Wrap(err, "host: build router")
	}

	owner := config.NewOwner()
	owner.Put(cfg)

	c := &Core{
		cfg:        owner,
		identity:   identity,
		limits:     limits,
		log:        logger,
		ctlConn:    ctlConn,
		rpcConn:    rpcConn,
		kvClose:    kvClose,
		store:      st,
		links:      links,
		metrics:    metricsReg,
		components: comps,
		providers:  provs,
		router:     rt,
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
	}

	ctlAdapter := ctl.New(ctl.Deps{
		Identity:          identity,
		Limits:            limits,
		Bus:               ctlConn,
		Store:             st,
		Links:             links,
		Components:        comps,
		Providers:         provs,
		Router:            rt,
		Log:               logger,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
		StartedAt:         c.startedAt,
		OnStopRequested:   c.RequestStop,
	})
	proxy.setTarget(ctlAdapter)
	c.ctl = ctlAdapter

	return c, nil
}

func registryCreds(in map[string]config.RegistryAuth) map[string]fetch.StaticCred {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]fetch.StaticCred, len(in))
	for authority, auth := range in {
		out[authority] = fetch.StaticCred{Username: auth.Username, Password: auth.Password}
	}
	return out
}

func policyTimeout(cfg *config.HostConfig) time.Duration {
	if cfg.Policy.Timeout > 0 {
		return cfg.Policy.Timeout
	}
	return 2 * time.Second
}

func issuerKeyLookup(hexKeys map[string]string) func(issuer string) (ed25519.PublicKey, bool) {
	keys := make(map[string]ed25519.PublicKey, len(hexKeys))
	for issuer, hexKey := range hexKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[issuer] = ed25519.PublicKey(raw)
	}
	return func(issuer string) (ed25519.PublicKey, bool) {
		pub, ok := keys[issuer]
		return pub, ok
	}
}

// openStore picks the state-store backend: an embedded buntdb for
// single-node deployments with no JetStream-enabled NATS server, or
// JetStream KV over the ctl bus otherwise.
func openStore(ctlConn bus.Conn, cfg *config.HostConfig) (bus.KV, io.Closer, error) {
	if cfg.Lattice.StatePath != "" {
		bunt, err := store.OpenBuntKV(cfg.Lattice.StatePath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "host: open embedded state store")
		}
		return bunt, bunt, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bucket := cfg.Lattice.Name + "_host_state"
	kv, err := ctlConn.KV(ctx, bucket)
	if err != nil {
		return nil, nil, errors.Wrap(err, "host: open jetstream kv")
	}
	return kv, nil, nil
}

// Identity returns the host's derived identity, mostly useful to tests
// and the CLI entrypoint's startup log line.
func (c *Core) Identity() *cluster.HostIdentity { return c.identity }

// Run replays persisted state, rebuilds the link table, starts the control plane
// and metrics endpoint, emits host_started, and blocks until ctx is
// canceled or a stop is requested, at which point it
// runs the graceful shutdown sequence and returns.
func (c *Core) Run(ctx context.Context) error {
	if err := c.replay(ctx); err != nil {
		return errors.Wrap(err, "host: replay state")
	}
	if err := c.store.Watch(ctx, c.applyReplayEvent); err != nil {
		return errors.Wrap(err, "host: watch state")
	}
	if err := c.ctl.Start(ctx); err != nil {
		return errors.Wrap(err, "host: start control plane")
	}

	cfg := c.cfg.Get()
	c.metrics.HeartbeatInterval.Set(cfg.Timing.HeartbeatInterval.Seconds())
	if cfg.Metrics.BindAddr != "" {
		go func() {
			if err := c.metrics.ListenAndServe(cfg.Metrics.BindAddr); err != nil {
				c.log.Warnf("metrics server exited: %v", err)
			}
		}()
	}

	c.ctl.Publish(cluster.NewEvent(c.identity.ID, cluster.EventHostStarted, map[string]interface{}{
		"friendly_name": c.identity.FriendlyName,
		"lattice":       c.identity.LatticeName,
	}))
	c.log.Infof("host %s (%s) started, lattice %s", c.identity.ID, c.identity.FriendlyName, c.identity.LatticeName)

	go func() {
		select {
		case <-ctx.Done():
			c.RequestStop(0)
		case <-c.stopCh:
		}
	}()

	<-c.stopCh
	return c.shutdown()
}

// RequestStop triggers graceful shutdown exactly once; a zero timeout
// falls back to the configured host_shutdown_timeout. Wired directly as
// ctl.Deps.OnStopRequested, so a host.stop.<host_id> control command and
// an external SIGTERM converge on the same path.
func (c *Core) RequestStop(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopRequested {
		return
	}
	c.stopRequested = true
	if timeout <= 0 {
		timeout = c.cfg.Get().Timing.HostShutdownTimeout
	}
	c.shutdownTimeout = timeout
	close(c.stopCh)
}

// shutdown runs the fixed sequence: stop accepting commands, stop
// providers (parallel, bounded), drain components (parallel, bounded),
// flush events, emit host_stopped, disconnect.
func (c *Core) shutdown() error {
	c.log.Infof("host %s stopping, deadline %s", c.identity.ID, c.shutdownTimeout)
	c.ctl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	c.providers.StopAll(ctx)
	c.components.Drain(ctx)

	log.Flush()
	c.ctl.Publish(cluster.NewEvent(c.identity.ID, cluster.EventHostStopped, nil))

	c.ctlConn.Close()
	if c.rpcConn != c.ctlConn {
		c.rpcConn.Close()
	}
	if c.kvClose != nil {
		c.kvClose.Close()
	}
	c.log.Infof("host %s stopped", c.identity.ID)
	return nil
}

// replay rebuilds the link table from every persisted component
// spec's embedded links. Component/provider processes themselves are
// not relaunched here; an external orchestrator re-issues scale/start
// commands against the specs this replay makes visible.
func (c *Core) replay(ctx context.Context) error {
	events, err := c.store.ReplayAll(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		c.applyReplayEvent(ev)
	}
	return nil
}

func (c *Core) applyReplayEvent(ev store.ReplayEvent) {
	if ev.Kind != store.ReplayComponent || ev.Deleted || ev.Spec == nil {
		return
	}
	for _, link := range ev.Spec.Links {
		c.links.Put(link)
	}
}
