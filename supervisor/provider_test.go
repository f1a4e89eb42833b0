package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/fetch"
	"github.com/wasmcloud/host/policy"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
)

type provFixture struct {
	sup   *ProviderSupervisor
	st    *store.Store
	links *cluster.LinkTable
	rec   *recorder
	conn  *bus.MemConn
	sec   *secrets.Resolver
}

func newProvFixture(t *testing.T) *provFixture {
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
	rec := &recorder{}
	sec := secrets.NewResolver(st)
	sup := NewProviderSupervisor(ProviderDeps{
		HostID:        "host1",
		Lattice:       "lattice",
		RPCURL:        "nats://127.0.0.1:4222",
		Fetcher:       fetch.New(fetch.Options{AllowFileLoad: true}, cache),
		Claims:        &claims.Verifier{AllowUnsigned: true},
		Policy:        policy.New(conn, "", 0),
		Secrets:       sec,
		Store:         st,
		Links:         links,
		Bus:           conn,
		Events:        rec,
		ShutdownGrace: 100 * time.Millisecond,
	})
	return &provFixture{sup: sup, st: st, links: links, rec: rec, conn: conn, sec: sec}
}

// seedProc installs a handle as if Start had succeeded, without a real
// child process; cmd stays nil so Stop's Wait returns immediately.
func (f *provFixture) seedProc(id string) *providerProc {
	p := &providerProc{
		id:        id,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		sup:       f.sup,
	}
	f.sup.mu.Lock()
	f.sup.procs[id] = p
	f.sup.mu.Unlock()
	f.links.Reg(id, p)
	return p
}

func TestDuplicateProviderStartIsNoopSuccess(t *testing.T) {
	f := newProvFixture(t)
	f.seedProc("http-server")

	err := f.sup.Start(context.Background(), StartRequest{ProviderID: "http-server", ArtifactRef: "file:///never/fetched.par"})
	if err != nil {
		t.Fatalf("duplicate start = %v, want nil", err)
	}
	if len(f.rec.all()) != 0 {
		t.Fatalf("duplicate start emitted events: %+v", f.rec.all())
	}
}

func TestProviderStartFetchFailureEmitsEvent(t *testing.T) {
	f := newProvFixture(t)

	err := f.sup.Start(context.Background(), StartRequest{ProviderID: "p1", ArtifactRef: "file:///no/such/archive.par"})
	if err == nil {
		t.Fatal("expected start to fail")
	}
	last, ok := f.rec.last()
	if !ok || last.Type != cluster.EventProviderStartFailed {
		t.Fatalf("last event = %v, want provider_start_failed", last.Type)
	}
	if f.sup.Running("p1") {
		t.Fatal("failed start must not record a handle")
	}
}

func TestProviderStopPublishesShutdownThenEmitsStopped(t *testing.T) {
	f := newProvFixture(t)
	f.seedProc("p1")

	var mu sync.Mutex
	var gotShutdown bool
	f.conn.Subscribe("lattice.p1.shutdown", func(bus.Msg) {
		mu.Lock()
		gotShutdown = true
		mu.Unlock()
	})

	if err := f.sup.Stop(context.Background(), "p1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !gotShutdown {
		t.Fatal("shutdown message not published before terminate")
	}
	last, _ := f.rec.last()
	if last.Type != cluster.EventProviderStopped {
		t.Fatalf("last event = %s, want provider_stopped", last.Type)
	}
	if f.sup.Running("p1") {
		t.Fatal("handle should be removed after stop")
	}
}

func TestProviderStopUnknownIsNoop(t *testing.T) {
	f := newProvFixture(t)
	if err := f.sup.Stop(context.Background(), "ghost"); err != nil {
		t.Fatalf("stop unknown = %v, want nil", err)
	}
	if len(f.rec.all()) != 0 {
		t.Fatalf("stop of unknown provider emitted events: %+v", f.rec.all())
	}
}

func TestProviderNotifiedOnLinkPut(t *testing.T) {
	f := newProvFixture(t)
	f.seedProc("httpserver")

	got := make(chan cluster.LinkDefinition, 4)
	f.conn.Subscribe("lattice.httpserver.linkdef_put", func(m bus.Msg) {
		var l cluster.LinkDefinition
		if err := json.Unmarshal(m.Data, &l); err == nil {
			got <- l
		}
	})

	// Put into the link table; it notifies the registered provider listener,
	// which re-publishes the link set on the provider's subject.
	f.links.Put(cluster.LinkDefinition{
		SourceID: "httpserver", Target: "hello", WITNS: "wasi", WITPkg: "http",
		Interfaces: []string{"incoming-handler"}, Name: "default",
	})

	select {
	case l := <-got:
		if l.Target != "hello" {
			t.Fatalf("notified link target = %q, want hello", l.Target)
		}
	case <-time.After(time.Second):
		t.Fatal("provider was not notified of link put")
	}
}

func TestProviderNotifiedOnLinkDel(t *testing.T) {
	f := newProvFixture(t)
	f.seedProc("httpserver")

	got := make(chan cluster.LinkDefinition, 1)
	f.conn.Subscribe("lattice.httpserver.linkdef_del", func(m bus.Msg) {
		var l cluster.LinkDefinition
		if err := json.Unmarshal(m.Data, &l); err == nil {
			got <- l
		}
	})

	link := cluster.LinkDefinition{
		SourceID: "httpserver", Target: "hello", WITNS: "wasi", WITPkg: "http",
		Interfaces: []string{"incoming-handler"}, Name: "default",
	}
	f.links.Put(link)
	removed := f.links.Delete(link.Key())
	if removed == nil {
		t.Fatal("delete returned nil for a present link")
	}
	f.sup.NotifyLinkDel(*removed)

	select {
	case l := <-got:
		if l.Target != "hello" {
			t.Fatalf("linkdef_del target = %q, want hello", l.Target)
		}
	case <-time.After(time.Second):
		t.Fatal("provider was not notified of link delete")
	}
}

func TestMergedConfigLeftToRight(t *testing.T) {
	f := newProvFixture(t)
	ctx := context.Background()
	if err := f.st.PutConfig(ctx, &cluster.NamedConfig{Name: "base", Values: map[string]string{"addr": "0.0.0.0", "port": "80"}}); err != nil {
		t.Fatalf("put base: %v", err)
	}
	if err := f.st.PutConfig(ctx, &cluster.NamedConfig{Name: "override", Values: map[string]string{"port": "8080"}}); err != nil {
		t.Fatalf("put override: %v", err)
	}

	merged, err := f.sup.mergedConfig(ctx, []string{"base", "override"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged["addr"] != "0.0.0.0" || merged["port"] != "8080" {
		t.Fatalf("merge = %v, want later names to win", merged)
	}

	if _, err := f.sup.mergedConfig(ctx, []string{"base", "missing"}); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("missing config should fail naming it, got %v", err)
	}
}

func TestStopAllStopsEveryProvider(t *testing.T) {
	f := newProvFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.seedProc(id)
	}
	f.sup.StopAll(context.Background())
	for _, id := range []string{"a", "b", "c"} {
		if f.sup.Running(id) {
			t.Fatalf("provider %s still running after StopAll", id)
		}
	}
}

func TestProviderInventoryAndClaims(t *testing.T) {
	f := newProvFixture(t)
	p := f.seedProc("p1")
	p.mu.Lock()
	p.healthy = true
	p.claimsV = &cluster.VerifiedClaims{Subject: "MBPROV", Issuer: "ACCT", Caps: []string{"httpserver"}}
	p.mu.Unlock()

	inv := f.sup.Inventory()
	if len(inv) != 1 || inv[0].ID != "p1" || !inv[0].Healthy {
		t.Fatalf("inventory = %+v", inv)
	}
	vc, found := f.sup.Claims("p1")
	if !found || vc.Subject != "MBPROV" {
		t.Fatalf("claims = %+v found=%v", vc, found)
	}
	if _, found := f.sup.Claims("ghost"); found {
		t.Fatal("claims for unknown provider should report not found")
	}
}
