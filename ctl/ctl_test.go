package ctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/engine"
	"github.com/wasmcloud/host/fetch"
	"github.com/wasmcloud/host/policy"
	"github.com/wasmcloud/host/router"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
	"github.com/wasmcloud/host/supervisor"
)

type testFixture struct {
	conn     *bus.MemConn
	comps    *supervisor.ComponentSupervisor
	provs    *supervisor.ProviderSupervisor
	links    *cluster.LinkTable
	st       *store.Store
	fake     *engine.Fake
	adapter  *Adapter
	identity *cluster.HostIdentity
}

func newFixture(t *testing.T, labels map[string]string) *testFixture {
	t.Helper()
	conn := bus.NewMemConn()
	kv, err := conn.KV(context.Background(), "lattice-data")
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	st := store.New(kv)
	links := cluster.NewLinkTable()
	cache, err := fetch.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	fetcher := fetch.New(fetch.Options{AllowFileLoad: true}, cache)
	fake := engine.NewFake()

	identity := &cluster.HostIdentity{
		ID:           "host1",
		FriendlyName: "friendly-host1",
		LatticeName:  "lattice",
		Labels:       labels,
	}
	limits := cluster.HostLimits{MaxComponents: 2, MaxComponentInstances: 8}

	// Adapter is wired in two steps: the bare pointer is handed to the
	// supervisors as their event sink before its own deps (which need
	// the supervisors) are filled in below.
	a := &Adapter{}

	comps := supervisor.NewComponentSupervisor(supervisor.ComponentDeps{
		HostID:      identity.ID,
		Limits:      limits,
		Fetcher:     fetcher,
		Claims:      &claims.Verifier{AllowUnsigned: true},
		Policy:      policy.New(conn, "", 0),
		Secrets:     secrets.NewResolver(st),
		Store:       st,
		Links:       links,
		Engine:      fake,
		Events:      a,
		AcquireWait: 30 * time.Millisecond,
	})
	provs := supervisor.NewProviderSupervisor(supervisor.ProviderDeps{
		HostID:  identity.ID,
		Lattice: identity.LatticeName,
		Fetcher: fetcher,
		Claims:  &claims.Verifier{AllowUnsigned: true},
		Policy:  policy.New(conn, "", 0),
		Secrets: secrets.NewResolver(st),
		Store:   st,
		Links:   links,
		Bus:     conn,
		Events:  a,
	})
	rt, err := router.New(router.Deps{
		HostID:     identity.ID,
		Lattice:    identity.LatticeName,
		Bus:        conn,
		Components: comps,
		Events:     a,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	a.deps = Deps{
		Identity:          identity,
		Limits:            limits,
		Bus:               conn,
		Store:             st,
		Links:             links,
		Components:        comps,
		Providers:         provs,
		Router:            rt,
		HeartbeatInterval: time.Hour,
		StartedAt:         time.Now(),
	}
	a.hub = identity.LatticeName + ".ctl.v1."
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start adapter: %v", err)
	}
	t.Cleanup(a.Stop)

	return &testFixture{conn: conn, comps: comps, provs: provs, links: links, st: st, fake: fake, adapter: a, identity: identity}
}

var minimalWasm = []byte("\x00asm\x01\x00\x00\x00")

func writeComponentFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "component.wasm")
	if err := os.WriteFile(path, minimalWasm, 0o644); err != nil {
		t.Fatalf("write component: %v", err)
	}
	return path
}

func request(t *testing.T, f *testFixture, subject string, body interface{}) CtlResponse {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := f.conn.Request(context.Background(), subject, raw)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var out CtlResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return out
}

func TestScaleThenInventoryThenScaleToZero(t *testing.T) {
	f := newFixture(t, nil)
	path := writeComponentFile(t)

	resp := request(t, f, "lattice.ctl.v1.component.scale.host1", ScaleCommand{
		ComponentID: "comp1",
		ArtifactRef: "file://" + path,
		Instances:   2,
	})
	if !resp.Success {
		t.Fatalf("scale up failed: %s", resp.Message)
	}

	inv := request(t, f, "lattice.ctl.v1.inventory.get.host1", struct{}{})
	if !inv.Success {
		t.Fatalf("inventory.get failed: %s", inv.Message)
	}

	resp = request(t, f, "lattice.ctl.v1.component.scale.host1", ScaleCommand{
		ComponentID: "comp1",
		Instances:   0,
	})
	if !resp.Success {
		t.Fatalf("scale down failed: %s", resp.Message)
	}
	if f.comps.Count() != 0 {
		t.Fatalf("expected 0 components running, got %d", f.comps.Count())
	}
}

func TestLinkPutOverwritesByPrimaryKey(t *testing.T) {
	f := newFixture(t, nil)
	link := cluster.LinkDefinition{SourceID: "src", Target: "t1", WITNS: "wasi", WITPkg: "keyvalue", Interfaces: []string{"store"}, Name: "default"}

	resp := request(t, f, "lattice.ctl.v1.link.put", link)
	if !resp.Success {
		t.Fatalf("link.put failed: %s", resp.Message)
	}

	link.Target = "t2"
	resp = request(t, f, "lattice.ctl.v1.link.put", link)
	if !resp.Success {
		t.Fatalf("link.put overwrite failed: %s", resp.Message)
	}

	links := f.links.LinksFrom("src")
	if len(links) != 1 {
		t.Fatalf("expected exactly 1 link after overwrite, got %d", len(links))
	}
	if links[0].Target != "t2" {
		t.Fatalf("expected overwritten target t2, got %s", links[0].Target)
	}

	spec, _, err := f.st.GetComponent(context.Background(), "src")
	if err != nil {
		t.Fatalf("get persisted component: %v", err)
	}
	if len(spec.Links) != 1 || spec.Links[0].Target != "t2" {
		t.Fatalf("expected persisted link to reflect overwrite, got %+v", spec.Links)
	}
}

func TestLinkDelRemovesLink(t *testing.T) {
	f := newFixture(t, nil)
	link := cluster.LinkDefinition{SourceID: "src", Target: "t1", WITNS: "wasi", WITPkg: "keyvalue", Interfaces: []string{"store"}, Name: "default"}
	if resp := request(t, f, "lattice.ctl.v1.link.put", link); !resp.Success {
		t.Fatalf("link.put failed: %s", resp.Message)
	}

	resp := request(t, f, "lattice.ctl.v1.link.del", LinkDelCommand{SourceID: "src", WITNS: "wasi", WITPkg: "keyvalue", Name: "default"})
	if !resp.Success {
		t.Fatalf("link.del failed: %s", resp.Message)
	}
	if links := f.links.LinksFrom("src"); len(links) != 0 {
		t.Fatalf("expected no links after delete, got %+v", links)
	}
}

func TestHostsGetLabelsSortedLexicographically(t *testing.T) {
	f := newFixture(t, map[string]string{"zone": "us", "arch": "arm64"})
	resp := request(t, f, "lattice.ctl.v1.hosts.get", struct{}{})
	if !resp.Success {
		t.Fatalf("hosts.get failed: %s", resp.Message)
	}
	raw, _ := json.Marshal(resp.Data)
	var info HostInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("unmarshal host info: %v", err)
	}
	if len(info.Labels) != 2 || info.Labels[0].Key != "arch" || info.Labels[1].Key != "zone" {
		t.Fatalf("expected labels sorted arch, zone; got %+v", info.Labels)
	}
}

func TestComponentAuctionSilentWhenLabelsDontMatch(t *testing.T) {
	f := newFixture(t, map[string]string{"zone": "us"})
	replies := 0
	sub, err := f.conn.Subscribe("_INBOX.auction-test", func(m bus.Msg) { replies++ })
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	defer sub.Unsubscribe()

	req := AuctionRequest{ComponentID: "comp1", Constraints: map[string]string{"zone": "eu"}}
	raw, _ := json.Marshal(req)
	msg := bus.Msg{Subject: "lattice.ctl.v1.component.auction", Reply: "_INBOX.auction-test", Data: raw}
	f.adapter.handleComponentAuction(msg)

	time.Sleep(20 * time.Millisecond)
	if replies != 0 {
		t.Fatalf("expected silence on label mismatch, got %d replies", replies)
	}
}

func TestComponentAuctionRepliesWhenEligible(t *testing.T) {
	f := newFixture(t, map[string]string{"zone": "us"})
	replyCh := make(chan AuctionReply, 1)
	sub, err := f.conn.Subscribe("_INBOX.auction-test2", func(m bus.Msg) {
		var rep AuctionReply
		json.Unmarshal(m.Data, &rep)
		replyCh <- rep
	})
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	defer sub.Unsubscribe()

	req := AuctionRequest{ComponentID: "comp1", Constraints: map[string]string{"zone": "us"}}
	raw, _ := json.Marshal(req)
	msg := bus.Msg{Subject: "lattice.ctl.v1.component.auction", Reply: "_INBOX.auction-test2", Data: raw}
	f.adapter.handleComponentAuction(msg)

	select {
	case rep := <-replyCh:
		if rep.HostID != "host1" || rep.ComponentID != "comp1" {
			t.Fatalf("unexpected auction reply: %+v", rep)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an auction reply from an eligible host")
	}
}

func TestComponentAuctionSilentWhenOverMaxComponents(t *testing.T) {
	f := newFixture(t, nil) // MaxComponents: 2
	path := writeComponentFile(t)
	for _, id := range []string{"a", "b"} {
		if resp := request(t, f, "lattice.ctl.v1.component.scale.host1", ScaleCommand{ComponentID: id, ArtifactRef: "file://" + path, Instances: 1}); !resp.Success {
			t.Fatalf("scale %s failed: %s", id, resp.Message)
		}
	}

	replies := 0
	sub, err := f.conn.Subscribe("_INBOX.auction-test3", func(m bus.Msg) { replies++ })
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	defer sub.Unsubscribe()

	req := AuctionRequest{ComponentID: "c"}
	raw, _ := json.Marshal(req)
	msg := bus.Msg{Subject: "lattice.ctl.v1.component.auction", Reply: "_INBOX.auction-test3", Data: raw}
	f.adapter.handleComponentAuction(msg)

	time.Sleep(20 * time.Millisecond)
	if replies != 0 {
		t.Fatalf("expected silence once max_components is reached, got %d replies", replies)
	}
}

func TestConfigPutAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	resp := request(t, f, "lattice.ctl.v1.config.put", ConfigPutCommand{Name: "default", Values: map[string]string{"a": "1"}})
	if !resp.Success {
		t.Fatalf("config.put failed: %s", resp.Message)
	}
	cfg, err := f.st.GetConfig(context.Background(), "default")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.Values["a"] != "1" {
		t.Fatalf("unexpected config values: %+v", cfg.Values)
	}

	resp = request(t, f, "lattice.ctl.v1.config.del", ConfigDelCommand{Name: "default"})
	if !resp.Success {
		t.Fatalf("config.del failed: %s", resp.Message)
	}
	if _, err := f.st.GetConfig(context.Background(), "default"); err == nil {
		t.Fatal("expected config to be gone after delete")
	}
}

func TestConfigPutSecretDescriptor(t *testing.T) {
	f := newFixture(t, nil)
	resp := request(t, f, "lattice.ctl.v1.config.put", ConfigPutCommand{Name: "SECRET_db", Backend: "vault", Key: "db/password"})
	if !resp.Success {
		t.Fatalf("config.put secret failed: %s", resp.Message)
	}
	desc, err := f.st.GetSecretDescriptor(context.Background(), "SECRET_db")
	if err != nil {
		t.Fatalf("get secret descriptor: %v", err)
	}
	if desc.Backend != "vault" || desc.Key != "db/password" {
		t.Fatalf("unexpected secret descriptor: %+v", desc)
	}
}

func TestHostPingReturnsInventory(t *testing.T) {
	f := newFixture(t, nil)
	resp := request(t, f, "lattice.ctl.v1.host.ping", struct{}{})
	if !resp.Success {
		t.Fatalf("host.ping failed: %s", resp.Message)
	}
}

func TestHostStopInvokesCallback(t *testing.T) {
	conn := bus.NewMemConn()
	called := make(chan time.Duration, 1)
	identity := &cluster.HostIdentity{ID: "host1", LatticeName: "lattice"}
	a := New(Deps{
		Identity:        identity,
		Bus:             conn,
		Components:      supervisor.NewComponentSupervisor(supervisor.ComponentDeps{HostID: "host1"}),
		Providers:       supervisor.NewProviderSupervisor(supervisor.ProviderDeps{HostID: "host1", Lattice: "lattice", Bus: conn}),
		Links:           cluster.NewLinkTable(),
		OnStopRequested: func(timeout time.Duration) { called <- timeout },
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop()

	raw, _ := json.Marshal(HostStopCommand{TimeoutSeconds: 3})
	resp, err := conn.Request(context.Background(), "lattice.ctl.v1.host.stop.host1", raw)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out CtlResponse
	json.Unmarshal(resp, &out)
	if !out.Success {
		t.Fatalf("host.stop failed: %s", out.Message)
	}

	select {
	case d := <-called:
		if d != 3*time.Second {
			t.Fatalf("expected 3s timeout, got %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnStopRequested to be invoked")
	}
}
