// Package ctl implements the control-plane adapter: the subject table
// a host subscribes to for lattice-wide lifecycle commands, the
// auction/inventory query responders, and the heartbeat ticker. The
// table is built once at Start and ranged over to subscribe.
package ctl

import (
	"context"
	"math/rand"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/log"
	"github.com/wasmcloud/host/router"
	"github.com/wasmcloud/host/store"
	"github.com/wasmcloud/host/supervisor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Deps wires the adapter to every collaborator it dispatches into.
type Deps struct {
	Identity *cluster.HostIdentity
	Limits   cluster.HostLimits

	Bus        bus.Conn
	Store      *store.Store
	Links      *cluster.LinkTable
	Components *supervisor.ComponentSupervisor
	Providers  *supervisor.ProviderSupervisor
	Router     *router.Router
	Log        *log.Logger

	// SubjectPrefix defaults to "<lattice>.ctl.v1.".
	SubjectPrefix string

	HeartbeatInterval time.Duration
	StartedAt         time.Time

	// OnStopRequested is invoked (async, after the command replies) when
	// a host.stop.<host_id> command targets this host; the host core
	// supplies the real shutdown orchestration.
	OnStopRequested func(timeout time.Duration)
}

// Adapter is the live control-plane endpoint of one host.
type Adapter struct {
	deps Deps
	hub  string // deps.SubjectPrefix, resolved

	mu       sync.Mutex
	subs     []bus.Subscription
	stopping bool

	heartbeatStop chan struct{}
}

func New(deps Deps) *Adapter {
	if deps.SubjectPrefix == "" {
		deps.SubjectPrefix = deps.Identity.LatticeName + ".ctl.v1."
	}
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 30 * time.Second
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &Adapter{deps: deps, hub: deps.SubjectPrefix}
}

// Publish implements supervisor.Publisher: every lattice event the
// supervisors emit is both logged and republished on a dedicated
// per-type subject.
func (a *Adapter) Publish(ev cluster.LatticeEvent) {
	if a.deps.Log != nil {
		a.deps.Log.Infof("event %s: %+v", ev.Type, ev.Data)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = a.deps.Bus.Publish(a.hub+"event."+string(ev.Type), body)
}

func (a *Adapter) sub(subject string, handler func(bus.Msg)) error {
	s, err := a.deps.Bus.Subscribe(subject, handler)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs = append(a.subs, s)
	a.mu.Unlock()
	return nil
}

// Start subscribes the full control subject table and begins the
// heartbeat ticker.
func (a *Adapter) Start(ctx context.Context) error {
	hostID := a.deps.Identity.ID
	table := []struct {
		subject string
		handler func(bus.Msg)
	}{
		{a.hub + "component.auction", a.handleComponentAuction},
		{a.hub + "component.scale." + hostID, a.reply(a.handleScale)},
		{a.hub + "component.update." + hostID, a.reply(a.handleUpdate)},
		{a.hub + "provider.auction", a.handleProviderAuction},
		{a.hub + "provider.start." + hostID, a.reply(a.handleProviderStart)},
		{a.hub + "provider.stop." + hostID, a.reply(a.handleProviderStop)},
		{a.hub + "link.put", a.reply(a.handleLinkPut)},
		{a.hub + "link.del", a.reply(a.handleLinkDel)},
		{a.hub + "config.put", a.reply(a.handleConfigPut)},
		{a.hub + "config.del", a.reply(a.handleConfigDel)},
		{a.hub + "host.stop." + hostID, a.reply(a.handleHostStop)},
		{a.hub + "host.ping", a.reply(a.handlePing)},
		{a.hub + "claims.get", a.reply(a.handleClaimsGet)},
		{a.hub + "links.get", a.reply(a.handleLinksGet)},
		{a.hub + "hosts.get", a.reply(a.handleHostsGet)},
		{a.hub + "inventory.get." + hostID, a.reply(a.handleInventoryGet)},
	}
	for _, entry := range table {
		if err := a.sub(entry.subject, entry.handler); err != nil {
			return errors.Wrapf(err, "ctl: subscribe %s", entry.subject)
		}
	}

	a.heartbeatStop = make(chan struct{})
	go a.heartbeatLoop()
	return nil
}

// Stop unsubscribes every control subject and halts the heartbeat --
// the "stop accepting new commands" step of shutdown. It does not
// tear down components or providers; the host core sequences that
// separately.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.stopping = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if a.heartbeatStop != nil {
		close(a.heartbeatStop)
	}
}

// reply wraps a command handler so every non-auction subject always
// publishes a CtlResponse on m.Reply.
func (a *Adapter) reply(fn func(bus.Msg) CtlResponse) func(bus.Msg) {
	return func(m bus.Msg) {
		resp := fn(m)
		if m.Reply == "" {
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			body, _ = json.Marshal(fail(err))
		}
		_ = a.deps.Bus.Publish(m.Reply, body)
	}
}

func (a *Adapter) handleScale(m bus.Msg) CtlResponse {
	var cmd ScaleCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode scale command"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := a.deps.Components.Scale(ctx, supervisor.ScaleRequest{
		ComponentID:      cmd.ComponentID,
		ArtifactRef:      cmd.ArtifactRef,
		DesiredInstances: cmd.Instances,
		Annotations:      cmd.Annotations,
		ConfigNames:      cmd.Config,
		SecretNames:      cmd.Secrets,
		AllowedClaims:    cmd.AllowedClaims,
	})
	if err != nil {
		return fail(err)
	}
	if cmd.Instances == 0 {
		if a.deps.Router != nil {
			a.deps.Router.RemoveComponent(cmd.ComponentID)
		}
	} else if a.deps.Router != nil {
		if err := a.deps.Router.AddComponent(cmd.ComponentID); err != nil {
			return fail(errors.Wrap(err, "subscribe inbound"))
		}
	}
	return okMsg("scaled")
}

func (a *Adapter) handleUpdate(m bus.Msg) CtlResponse {
	var cmd UpdateCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode update command"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.deps.Components.Update(ctx, cmd.ComponentID, cmd.ArtifactRef); err != nil {
		return fail(err)
	}
	return okMsg("updated")
}

func (a *Adapter) handleProviderStart(m bus.Msg) CtlResponse {
	var cmd ProviderStartCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode provider start command"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := a.deps.Providers.Start(ctx, supervisor.StartRequest{
		ProviderID:    cmd.ProviderID,
		ArtifactRef:   cmd.ArtifactRef,
		ConfigNames:   cmd.Config,
		SecretNames:   cmd.Secrets,
		AllowedClaims: cmd.AllowedClaims,
	})
	if err != nil {
		return fail(err)
	}
	return okMsg("started")
}

func (a *Adapter) handleProviderStop(m bus.Msg) CtlResponse {
	var cmd ProviderStopCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode provider stop command"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.deps.Providers.Stop(ctx, cmd.ProviderID); err != nil {
		return fail(err)
	}
	return okMsg("stopped")
}

// handleLinkPut persists the link into the source component's stored
// specification first, then updates the in-memory table, which in turn
// notifies affected running components and providers.
func (a *Adapter) handleLinkPut(m bus.Msg) CtlResponse {
	var link cluster.LinkDefinition
	if err := json.Unmarshal(m.Data, &link); err != nil {
		return fail(errors.Wrap(err, "decode link"))
	}
	if link.SourceID == "" || link.Target == "" || len(link.Interfaces) == 0 {
		return failMsg("source_id, target, and interfaces are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.persistLinkAdd(ctx, link); err != nil {
		return fail(err)
	}
	a.deps.Links.Put(link)
	a.publish(cluster.EventLinkdefSet, link)
	return okMsg("linked")
}

func (a *Adapter) handleLinkDel(m bus.Msg) CtlResponse {
	var cmd LinkDelCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode link del"))
	}
	key := cluster.LinkKey{SourceID: cmd.SourceID, WITNS: cmd.WITNS, WITPkg: cmd.WITPkg, Name: cmd.Name}
	if key.Name == "" {
		key.Name = "default"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.persistLinkRemove(ctx, key); err != nil {
		return fail(err)
	}
	if removed := a.deps.Links.Delete(key); removed != nil && a.deps.Providers != nil {
		a.deps.Providers.NotifyLinkDel(*removed)
	}
	a.publish(cluster.EventLinkdefDeleted, key)
	return okMsg("unlinked")
}

// persistLinkAdd rewrites the link list embedded in the source
// component's persisted spec.
func (a *Adapter) persistLinkAdd(ctx context.Context, link cluster.LinkDefinition) error {
	spec, _, err := a.deps.Store.GetComponent(ctx, link.SourceID)
	if err != nil {
		spec = &cluster.ComponentSpecification{ID: link.SourceID}
	}
	key := link.Key()
	replaced := false
	for i, l := range spec.Links {
		if (&l).Key() == key {
			spec.Links[i] = link
			replaced = true
			break
		}
	}
	if !replaced {
		spec.Links = append(spec.Links, link)
	}
	_, err = a.deps.Store.PutComponent(ctx, spec)
	return err
}

func (a *Adapter) persistLinkRemove(ctx context.Context, key cluster.LinkKey) error {
	spec, _, err := a.deps.Store.GetComponent(ctx, key.SourceID)
	if err != nil {
		return nil // nothing persisted for this source; idempotent delete
	}
	out := spec.Links[:0]
	for _, l := range spec.Links {
		if (&l).Key() != key {
			out = append(out, l)
		}
	}
	spec.Links = out
	_, err = a.deps.Store.PutComponent(ctx, spec)
	return err
}

func (a *Adapter) handleConfigPut(m bus.Msg) CtlResponse {
	var cmd ConfigPutCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode config put"))
	}
	if cmd.Name == "" {
		return failMsg("name is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if store.IsSecretName(cmd.Name) {
		desc := &cluster.SecretDescriptor{Backend: cmd.Backend, Key: cmd.Key, Version: cmd.Version}
		if err := a.deps.Store.PutSecretDescriptor(ctx, cmd.Name, desc); err != nil {
			return fail(err)
		}
	} else {
		cfg := &cluster.NamedConfig{Name: cmd.Name, Values: cmd.Values}
		if err := a.deps.Store.PutConfig(ctx, cfg); err != nil {
			return fail(err)
		}
	}
	a.publish(cluster.EventConfigSet, cmd.Name)
	return okMsg("config set")
}

func (a *Adapter) handleConfigDel(m bus.Msg) CtlResponse {
	var cmd ConfigDelCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return fail(errors.Wrap(err, "decode config del"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Store.DeleteConfig(ctx, cmd.Name); err != nil {
		return fail(err)
	}
	a.publish(cluster.EventConfigDeleted, cmd.Name)
	return okMsg("config deleted")
}

func (a *Adapter) handleHostStop(m bus.Msg) CtlResponse {
	var cmd HostStopCommand
	_ = json.Unmarshal(m.Data, &cmd) // empty body is valid: use default timeout
	timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if a.deps.OnStopRequested != nil {
		go a.deps.OnStopRequested(timeout)
	}
	return okMsg("stopping")
}

func (a *Adapter) handlePing(m bus.Msg) CtlResponse {
	return ok(a.inventory())
}

func (a *Adapter) handleInventoryGet(m bus.Msg) CtlResponse {
	return ok(a.inventory())
}

func (a *Adapter) handleHostsGet(m bus.Msg) CtlResponse {
	return ok(HostInfo{
		HostID:       a.deps.Identity.ID,
		FriendlyName: a.deps.Identity.FriendlyName,
		Lattice:      a.deps.Identity.LatticeName,
		Labels:       cluster.SortedLabels(a.deps.Identity.Labels),
		UptimeSecs:   int64(time.Since(a.deps.StartedAt).Seconds()),
	})
}

func (a *Adapter) handleLinksGet(m bus.Msg) CtlResponse {
	return ok(a.deps.Links.All())
}

func (a *Adapter) handleClaimsGet(m bus.Msg) CtlResponse {
	var out []ClaimsInfo
	for _, c := range a.deps.Components.Inventory() {
		handle, found := a.deps.Components.Get(c.ID)
		if !found {
			continue
		}
		if vc := handle.Claims(); vc != nil {
			out = append(out, ClaimsInfo{EntityID: c.ID, Kind: "component", Subject: vc.Subject, Issuer: vc.Issuer, Caps: vc.Caps})
		}
	}
	for _, p := range a.deps.Providers.Inventory() {
		if vc, found := a.deps.Providers.Claims(p.ID); found && vc != nil {
			out = append(out, ClaimsInfo{EntityID: p.ID, Kind: "provider", Subject: vc.Subject, Issuer: vc.Issuer, Caps: vc.Caps})
		}
	}
	return ok(out)
}

// inventory builds the heartbeat/host.ping/inventory.get payload;
// labels are emitted in lexicographic key order.
func (a *Adapter) inventory() cluster.Inventory {
	return cluster.Inventory{
		HostID:     a.deps.Identity.ID,
		Labels:     a.deps.Identity.Labels,
		UptimeSecs: int64(time.Since(a.deps.StartedAt).Seconds()),
		Components: a.deps.Components.Inventory(),
		Providers:  a.deps.Providers.Inventory(),
	}
}

// handleComponentAuction replies only if this host is a valid
// candidate; silence is the negative answer.
func (a *Adapter) handleComponentAuction(m bus.Msg) {
	var req AuctionRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		return
	}
	if !a.labelsMatch(req.Constraints) {
		return
	}
	if _, running := a.deps.Components.Get(req.ComponentID); running {
		return
	}
	if a.deps.Limits.MaxComponents > 0 && a.deps.Components.Count() >= a.deps.Limits.MaxComponents {
		return
	}
	if req.RequestedInstances > 0 && a.deps.Limits.MaxComponentInstances > 0 && req.RequestedInstances > a.deps.Limits.MaxComponentInstances {
		return
	}
	if req.RequestedMaxMemoryBytes > 0 && a.deps.Limits.MaxLinearMemoryBytesPerComp > 0 && req.RequestedMaxMemoryBytes > a.deps.Limits.MaxLinearMemoryBytesPerComp {
		return
	}
	a.publishAuctionReply(m, AuctionReply{HostID: a.deps.Identity.ID, ComponentID: req.ComponentID})
}

func (a *Adapter) handleProviderAuction(m bus.Msg) {
	var req AuctionRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		return
	}
	if !a.labelsMatch(req.Constraints) {
		return
	}
	if a.deps.Providers.Running(req.ProviderID) {
		return
	}
	a.publishAuctionReply(m, AuctionReply{HostID: a.deps.Identity.ID, ProviderID: req.ProviderID})
}

func (a *Adapter) publishAuctionReply(m bus.Msg, reply AuctionReply) {
	if m.Reply == "" {
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = a.deps.Bus.Publish(m.Reply, body)
}

// labelsMatch requires every constraint key to be present in the host
// labels with the exact requested value.
func (a *Adapter) labelsMatch(constraints map[string]string) bool {
	for k, v := range constraints {
		if a.deps.Identity.Labels[k] != v {
			return false
		}
	}
	return true
}

func (a *Adapter) publish(typ cluster.EventType, data interface{}) {
	a.Publish(cluster.NewEvent(a.deps.Identity.ID, typ, data))
}

// heartbeatLoop emits host_heartbeat on a fixed interval, jittered so
// a fleet of hosts does not thunder in step.
func (a *Adapter) heartbeatLoop() {
	for {
		jitter := time.Duration(rand.Int63n(int64(a.deps.HeartbeatInterval) / 5))
		select {
		case <-a.heartbeatStop:
			return
		case <-time.After(a.deps.HeartbeatInterval + jitter):
			a.publish(cluster.EventHostHeartbeat, a.inventory())
		}
	}
}
