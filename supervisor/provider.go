package supervisor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/fetch"
	"github.com/wasmcloud/host/log"
	"github.com/wasmcloud/host/metrics"
	"github.com/wasmcloud/host/policy"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProviderDeps wires the provider supervisor to its collaborators.
type ProviderDeps struct {
	HostID         string
	HostJWT        string
	Lattice        string
	RPCURL         string
	Fetcher        *fetch.Fetcher
	Claims         *claims.Verifier
	Policy         *policy.Gate
	Secrets        *secrets.Resolver
	Store          *store.Store
	Links          *cluster.LinkTable
	Bus            bus.Conn
	Metrics        *metrics.Registry
	Events         Publisher
	Log            *log.Logger
	HealthInterval time.Duration
	ShutdownGrace  time.Duration
}

// StartRequest is the input to Start.
type StartRequest struct {
	ProviderID    string
	ArtifactRef   string
	ConfigNames   []string
	SecretNames   []string
	AllowedClaims []string
}

// initPayload is what the host pipes into the provider process on
// launch: identity, bus credentials (the URL; credentials proper are
// transport-specific and out of scope here), its links, config, and
// secrets.
type initPayload struct {
	HostID     string                   `json:"host_id"`
	Lattice    string                   `json:"lattice"`
	RPCNATSURL string                   `json:"rpc_nats_url"`
	ProviderID string                   `json:"provider_id"`
	Links      []cluster.LinkDefinition `json:"links"`
	Config     map[string]string        `json:"config"`
	// Secrets carries the decrypted values, not references: the
	// provider process has no store or backend access of its own.
	Secrets map[string]string `json:"secrets,omitempty"`
}

type providerProc struct {
	mu sync.RWMutex

	id          string
	url         string
	archivePath string
	claimsV     *cluster.VerifiedClaims
	cmd         *exec.Cmd
	startedAt   time.Time
	lastHealth  time.Time
	healthy     bool

	stopCh chan struct{}
	sup    *ProviderSupervisor
}

func (p *providerProc) ListenerID() string { return p.id }

// OnLinksChanged re-publishes the full current link set touching this
// provider as fire-and-forget refresh messages. The link has already
// been persisted by the time the table notifies us: persist first,
// notify second, always.
func (p *providerProc) OnLinksChanged() {
	links := append(p.sup.deps.Links.LinksFrom(p.id), p.sup.deps.Links.LinksTo(p.id)...)
	for _, l := range links {
		body, err := json.Marshal(l)
		if err != nil {
			continue
		}
		_ = p.sup.deps.Bus.Publish(p.subject("linkdef_put"), body)
	}
}

func (p *providerProc) subject(verb string) string {
	return p.sup.deps.Lattice + "." + p.id + "." + verb
}

// ProviderSupervisor owns every live provider process on this host.
type ProviderSupervisor struct {
	deps ProviderDeps

	mu    sync.RWMutex
	procs map[string]*providerProc
}

func NewProviderSupervisor(deps ProviderDeps) *ProviderSupervisor {
	if deps.HealthInterval <= 0 {
		deps.HealthInterval = 30 * time.Second
	}
	if deps.ShutdownGrace <= 0 {
		deps.ShutdownGrace = 5 * time.Second
	}
	return &ProviderSupervisor{deps: deps, procs: make(map[string]*providerProc)}
}

// Start fetches, verifies, and launches the provider binary, piping
// its initial payload in on stdin. A duplicate start (handle already
// present) is a no-op success.
func (s *ProviderSupervisor) Start(ctx context.Context, req StartRequest) error {
	s.mu.RLock()
	_, exists := s.procs[req.ProviderID]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	artifact, err := s.deps.Fetcher.Fetch(ctx, req.ArtifactRef)
	if err != nil {
		return s.fail(req.ProviderID, errors.Wrap(err, "fetch artifact"))
	}
	if artifact.Kind != fetch.ArtifactProvider {
		return s.fail(req.ProviderID, errors.New("artifact is not a provider archive"))
	}
	binPath, err := fetch.VerifyUnpacked(artifact.ArchivePath)
	if err != nil {
		return s.fail(req.ProviderID, errors.Wrap(err, "verify unpacked archive"))
	}

	vc, err := s.deps.Claims.Verify(artifact.Claims)
	if err != nil {
		return s.fail(req.ProviderID, errors.Wrap(err, "verify claims"))
	}
	decision, reason, err := s.deps.Policy.Evaluate(ctx, s.deps.HostID, vc, claims.ActionStartProvider, req.ProviderID)
	if err != nil {
		return s.fail(req.ProviderID, errors.Wrap(err, "policy evaluate"))
	}
	if decision == policy.Deny {
		return s.fail(req.ProviderID, errors.Errorf("policy denied: %s", reason))
	}

	payload, secretVals, err := s.buildInitPayload(ctx, req, string(artifact.Claims))
	if err != nil {
		return s.fail(req.ProviderID, err)
	}

	p := &providerProc{
		id:          req.ProviderID,
		url:         req.ArtifactRef,
		archivePath: artifact.ArchivePath,
		claimsV:     vc,
		startedAt:   time.Now(),
		stopCh:      make(chan struct{}),
		sup:         s,
	}

	cmd := exec.Command(binPath) // outlives the request context; stopped explicitly via Stop
	// Its own process group, so a grace-period timeout kills any
	// children the provider binary itself spawned, not just it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		scrubPayload(payload, secretVals)
		return s.fail(req.ProviderID, errors.Wrap(err, "open stdin"))
	}
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		scrubPayload(payload, secretVals)
		return s.fail(req.ProviderID, errors.Wrap(err, "start process"))
	}
	if _, err := stdin.Write(payload); err != nil {
		if s.deps.Log != nil {
			s.deps.Log.Warnf("provider %s: failed writing init payload: %v", req.ProviderID, err)
		}
	}
	stdin.Close()
	// The payload carried decrypted secrets; scrub our copies now that
	// they have crossed into the child.
	scrubPayload(payload, secretVals)
	p.cmd = cmd

	go forwardLog(s.deps.Log, req.ProviderID, "stdout", stdout)
	go forwardLog(s.deps.Log, req.ProviderID, "stderr", stderr)

	s.mu.Lock()
	s.procs[req.ProviderID] = p
	s.mu.Unlock()
	s.deps.Links.Reg(req.ProviderID, p)

	go s.healthLoop(p)

	s.emit(cluster.EventProviderStarted, map[string]interface{}{"provider_id": req.ProviderID})
	return nil
}

func forwardLog(logger *log.Logger, id, stream string, r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Infof("provider %s [%s]: %s", id, stream, scanner.Text())
	}
}

// healthLoop periodically issues a bounded health-check RPC and
// translates transitions/periodic status into lattice events.
// Repeated failures never cause the host to restart the provider; an
// external controller decides that from the events.
func (s *ProviderSupervisor) healthLoop(p *providerProc) {
	ticker := time.NewTicker(s.deps.HealthInterval)
	defer ticker.Stop()
	statusEvery := 5
	tick := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			tick++
			ctx, cancel := context.WithTimeout(context.Background(), s.deps.HealthInterval/2)
			_, err := s.deps.Bus.Request(ctx, p.subject("health"), nil)
			cancel()

			p.mu.Lock()
			wasHealthy := p.healthy
			p.healthy = err == nil
			p.lastHealth = time.Now()
			p.mu.Unlock()

			if s.deps.Metrics != nil {
				v := 0.0
				if p.healthy {
					v = 1.0
				}
				s.deps.Metrics.ProviderHealth.WithLabelValues(p.id).Set(v)
			}
			switch {
			case p.healthy && !wasHealthy:
				s.emit(cluster.EventHealthCheckPassed, map[string]interface{}{"provider_id": p.id})
			case !p.healthy && wasHealthy:
				s.emit(cluster.EventHealthCheckFailed, map[string]interface{}{"provider_id": p.id})
			}
			if tick%statusEvery == 0 {
				s.emit(cluster.EventHealthCheckStatus, map[string]interface{}{"provider_id": p.id, "healthy": p.healthy})
			}
		}
	}
}

// Stop sends shutdown on the provider's subject, waits a bounded
// grace period, then terminates the child.
func (s *ProviderSupervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.deps.Links.Unreg(id, p)
	close(p.stopCh)

	_ = s.deps.Bus.Publish(p.subject("shutdown"), nil)

	done := make(chan struct{})
	go func() {
		if p.cmd != nil {
			p.cmd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.deps.ShutdownGrace):
		if p.cmd != nil && p.cmd.Process != nil {
			if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil {
				p.cmd.Process.Kill()
			}
		}
	}

	s.emit(cluster.EventProviderStopped, map[string]interface{}{"provider_id": id})
	return nil
}

// StopAll is used by the Host Core on graceful shutdown.
func (s *ProviderSupervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	const boundedConcurrency = 8
	sem := make(chan struct{}, boundedConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// buildInitPayload assembles what the host pipes into the provider on
// launch: identity, bus endpoint, every link touching the provider id,
// merged config, and its decrypted secrets. The caller owns scrubbing
// both the payload bytes and the returned values once the child has
// consumed them.
func (s *ProviderSupervisor) buildInitPayload(ctx context.Context, req StartRequest, entityJWT string) ([]byte, map[string]*secrets.Value, error) {
	config, err := s.mergedConfig(ctx, req.ConfigNames)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve config")
	}
	var secretVals map[string]*secrets.Value
	if len(req.SecretNames) > 0 {
		secretVals, err = s.deps.Secrets.Resolve(ctx, secrets.Request{
			Names:     req.SecretNames,
			EntityJWT: entityJWT,
			HostJWT:   s.deps.HostJWT,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "resolve secrets")
		}
	}
	secretsOut := make(map[string]string, len(secretVals))
	for name, v := range secretVals {
		secretsOut[name] = string(v.Bytes())
	}

	links := append(s.deps.Links.LinksFrom(req.ProviderID), s.deps.Links.LinksTo(req.ProviderID)...)
	payload, err := json.Marshal(initPayload{
		HostID:     s.deps.HostID,
		Lattice:    s.deps.Lattice,
		RPCNATSURL: s.deps.RPCURL,
		ProviderID: req.ProviderID,
		Links:      links,
		Config:     config,
		Secrets:    secretsOut,
	})
	if err != nil {
		zeroSecrets(secretVals)
		return nil, nil, errors.Wrap(err, "marshal init payload")
	}
	return payload, secretVals, nil
}

func scrubPayload(payload []byte, secretVals map[string]*secrets.Value) {
	for i := range payload {
		payload[i] = 0
	}
	zeroSecrets(secretVals)
}

// mergedConfig resolves each named config blob from the store,
// left-to-right, the same merge rule links apply to source_config and
// target_config. Providers themselves are never persisted, but their
// config references are.
func (s *ProviderSupervisor) mergedConfig(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range names {
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

func (s *ProviderSupervisor) fail(id string, err error) error {
	s.emit(cluster.EventProviderStartFailed, map[string]interface{}{"provider_id": id, "reason": err.Error()})
	if s.deps.Log != nil {
		s.deps.Log.Errorf("provider %s start failed: %v", id, err)
	}
	return err
}

func (s *ProviderSupervisor) emit(typ cluster.EventType, data interface{}) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(cluster.NewEvent(s.deps.HostID, typ, data))
}

// NotifyLinkDel publishes linkdef_del on the subject of every running
// provider the deleted link touched, so the provider drops the route
// instead of waiting for it to merely stop appearing in refreshes.
// Fire-and-forget, like linkdef_put; the provider owns its own
// idempotence. The link has already been removed from the store by the
// time this is called.
func (s *ProviderSupervisor) NotifyLinkDel(link cluster.LinkDefinition) {
	body, err := json.Marshal(link)
	if err != nil {
		return
	}
	notified := make(map[string]bool, 2)
	for _, id := range []string{link.SourceID, link.Target} {
		if notified[id] {
			continue
		}
		notified[id] = true
		s.mu.RLock()
		p, ok := s.procs[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		_ = s.deps.Bus.Publish(p.subject("linkdef_del"), body)
	}
}

// Running reports whether a provider with this id is already started
// locally -- used by the auction handler's duplicate-id check.
func (s *ProviderSupervisor) Running(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.procs[id]
	return ok
}

// Claims returns the verified claims of a running provider, for
// claims.get.
func (s *ProviderSupervisor) Claims(id string) (*cluster.VerifiedClaims, bool) {
	s.mu.RLock()
	p, ok := s.procs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.claimsV, true
}

// Inventory returns provider summaries for heartbeats.
func (s *ProviderSupervisor) Inventory() []cluster.ProviderSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.ProviderSummary, 0, len(s.procs))
	for id, p := range s.procs {
		p.mu.RLock()
		out = append(out, cluster.ProviderSummary{ID: id, Healthy: p.healthy})
		p.mu.RUnlock()
	}
	return out
}
