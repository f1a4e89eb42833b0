package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/engine"
	"github.com/wasmcloud/host/fetch"
	"github.com/wasmcloud/host/policy"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
)

// recorder captures every emitted lattice event in order.
type recorder struct {
	mu     sync.Mutex
	events []cluster.LatticeEvent
}

func (r *recorder) Publish(ev cluster.LatticeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []cluster.LatticeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cluster.LatticeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) last() (cluster.LatticeEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return cluster.LatticeEvent{}, false
	}
	return r.events[len(r.events)-1], true
}

type compFixture struct {
	sup   *ComponentSupervisor
	st    *store.Store
	links *cluster.LinkTable
	rec   *recorder
	conn  *bus.MemConn
	sec   *secrets.Resolver
	fake  *engine.Fake
}

func newCompFixture(t *testing.T, limits cluster.HostLimits) *compFixture {
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
	fake := engine.NewFake()
	sup := NewComponentSupervisor(ComponentDeps{
		HostID:      "host1",
		Limits:      limits,
		Fetcher:     fetch.New(fetch.Options{AllowFileLoad: true}, cache),
		Claims:      &claims.Verifier{AllowUnsigned: true},
		Policy:      policy.New(conn, "", 0),
		Secrets:     sec,
		Store:       st,
		Links:       links,
		Engine:      fake,
		Events:      rec,
		AcquireWait: 30 * time.Millisecond,
	})
	return &compFixture{sup: sup, st: st, links: links, rec: rec, conn: conn, sec: sec, fake: fake}
}

func writeWasm(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c.wasm")
	if err := os.WriteFile(path, []byte("\x00asm\x01\x00\x00\x00"), 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}
	return path
}

func TestScaleClampsToMaxComponentInstances(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 3})
	ref := "file://" + writeWasm(t)

	err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 10})
	if err != nil {
		t.Fatalf("scale: %v", err)
	}

	h, ok := f.sup.Get("hello")
	if !ok {
		t.Fatal("expected supervision entry for hello")
	}
	if got := h.MaxInstances(); got != 3 {
		t.Fatalf("pool size = %d, want clamp to 3", got)
	}
	last, _ := f.rec.last()
	if last.Type != cluster.EventComponentScaled {
		t.Fatalf("last event = %s, want component_scaled", last.Type)
	}
	if data := last.Data.(map[string]interface{}); data["count"] != 3 {
		t.Fatalf("event count = %v, want 3", data["count"])
	}
}

func TestScaleToZeroRemovesEntryPreservesSpec(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 8})
	ref := "file://" + writeWasm(t)

	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 5}); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", DesiredInstances: 0}); err != nil {
		t.Fatalf("scale to zero: %v", err)
	}

	if _, ok := f.sup.Get("hello"); ok {
		t.Fatal("supervision entry should be removed at scale 0")
	}
	spec, _, err := f.st.GetComponent(context.Background(), "hello")
	if err != nil {
		t.Fatalf("spec should survive scale 0: %v", err)
	}
	if spec.URL != ref {
		t.Fatalf("spec url = %q, want %q", spec.URL, ref)
	}

	// Emitted event sequence ends with component_scaled count=0.
	last, ok := f.rec.last()
	if !ok || last.Type != cluster.EventComponentScaled {
		t.Fatalf("last event = %v, want component_scaled", last.Type)
	}
	if data := last.Data.(map[string]interface{}); data["count"] != 0 {
		t.Fatalf("final event count = %v, want 0", data["count"])
	}
}

func TestScaleMissingSecretIsFatal(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 8})
	ref := "file://" + writeWasm(t)

	err := f.sup.Scale(context.Background(), ScaleRequest{
		ComponentID:      "hello",
		ArtifactRef:      ref,
		DesiredInstances: 1,
		SecretNames:      []string{"SECRET_api_token"},
	})
	if err == nil {
		t.Fatal("expected scale to fail on unresolvable secret")
	}
	if !strings.Contains(err.Error(), "SECRET_api_token") {
		t.Fatalf("error should mention the secret name, got: %v", err)
	}
	if _, ok := f.sup.Get("hello"); ok {
		t.Fatal("no supervision entry may be created on failure")
	}
	last, ok := f.rec.last()
	if !ok || last.Type != cluster.EventComponentScaleFailed {
		t.Fatalf("last event = %v, want component_scale_failed", last.Type)
	}
	reason := last.Data.(map[string]interface{})["reason"].(string)
	if !strings.Contains(reason, "SECRET_api_token") {
		t.Fatalf("failure event should mention the secret name, got: %q", reason)
	}
}

func TestScaleMissingConfigFails(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 8})
	ref := "file://" + writeWasm(t)

	err := f.sup.Scale(context.Background(), ScaleRequest{
		ComponentID:      "hello",
		ArtifactRef:      ref,
		DesiredInstances: 1,
		ConfigNames:      []string{"no-such-config"},
	})
	if err == nil {
		t.Fatal("expected scale to fail on missing config")
	}
	if _, ok := f.sup.Get("hello"); ok {
		t.Fatal("no supervision entry may be created on failure")
	}
}

func TestScaleDownShrinksPool(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 16})
	ref := "file://" + writeWasm(t)

	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 6}); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 2}); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	h, _ := f.sup.Get("hello")
	if got := h.MaxInstances(); got != 2 {
		t.Fatalf("pool size = %d, want 2", got)
	}
}

func TestUpdateSwapsArtifactPreservesScale(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 8})
	refA := "file://" + writeWasm(t)
	refB := "file://" + writeWasm(t)

	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: refA, DesiredInstances: 4}); err != nil {
		t.Fatalf("scale: %v", err)
	}
	if err := f.sup.Update(context.Background(), "hello", refB); err != nil {
		t.Fatalf("update: %v", err)
	}

	h, _ := f.sup.Get("hello")
	if got := h.MaxInstances(); got != 4 {
		t.Fatalf("update changed scale: %d, want 4", got)
	}
	spec, _, err := f.st.GetComponent(context.Background(), "hello")
	if err != nil {
		t.Fatalf("get spec: %v", err)
	}
	if spec.URL != refB {
		t.Fatalf("spec url = %q, want updated ref %q", spec.URL, refB)
	}
}

func TestUpdateUnknownComponentFails(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 8})
	if err := f.sup.Update(context.Background(), "ghost", "file:///tmp/x.wasm"); err != ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestAcquireFailsFastWhenPoolSaturated(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 4})
	ref := "file://" + writeWasm(t)

	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 1}); err != nil {
		t.Fatalf("scale: %v", err)
	}
	h, _ := f.sup.Get("hello")

	_, release, err := h.Acquire(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, _, err := h.Acquire(context.Background(), 20*time.Millisecond); err != ErrPoolSaturated {
		t.Fatalf("second acquire err = %v, want ErrPoolSaturated", err)
	}
	release()
	inst, release2, err := h.Acquire(context.Background(), 20*time.Millisecond)
	if err != nil || inst == nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestDiscardBackfillsPool(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 4})
	ref := "file://" + writeWasm(t)

	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 1}); err != nil {
		t.Fatalf("scale: %v", err)
	}
	h, _ := f.sup.Get("hello")

	inst, _, err := h.Acquire(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Discard(context.Background(), inst)

	// The discarded instance was replaced; the pool still serves.
	fresh, release, err := h.Acquire(context.Background(), 20*time.Millisecond)
	if err != nil || fresh == nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if fresh == inst {
		t.Fatal("discarded instance must not return to the pool")
	}
	release()
}

func TestScaleRebuildsImportMapFromLinkTable(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 4})
	ref := "file://" + writeWasm(t)

	f.links.Put(cluster.LinkDefinition{
		SourceID: "hello", Target: "kv", WITNS: "wasi", WITPkg: "keyvalue",
		Interfaces: []string{"store"}, Name: "default",
	})
	if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: "hello", ArtifactRef: ref, DesiredInstances: 1}); err != nil {
		t.Fatalf("scale: %v", err)
	}
	h, _ := f.sup.Get("hello")
	link, ok := h.ImportMap().Resolve("wasi", "keyvalue", "store", "")
	if !ok || link.Target != "kv" {
		t.Fatalf("import map missing pre-existing link, got %+v ok=%v", link, ok)
	}

	// A later link put must atomically refresh the running component's map.
	f.links.Put(cluster.LinkDefinition{
		SourceID: "hello", Target: "cache", WITNS: "wasi", WITPkg: "keyvalue",
		Interfaces: []string{"store"}, Name: "cache",
	})
	link, ok = h.ImportMap().Resolve("wasi", "keyvalue", "store", "cache")
	if !ok || link.Target != "cache" {
		t.Fatalf("import map not rebuilt on link put, got %+v ok=%v", link, ok)
	}
}

func TestClaimsAllowed(t *testing.T) {
	tests := []struct {
		name    string
		vc      *cluster.VerifiedClaims
		allowed []string
		want    bool
	}{
		{"unsigned artifact passes", nil, []string{"kv"}, true},
		{"empty allow-list passes", &cluster.VerifiedClaims{Caps: []string{"kv"}}, nil, true},
		{"capabilities within set", &cluster.VerifiedClaims{Caps: []string{"kv"}}, []string{"kv", "http"}, true},
		{"capability outside set", &cluster.VerifiedClaims{Caps: []string{"kv", "blob"}}, []string{"kv"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := claimsAllowed(tt.vc, tt.allowed); got != tt.want {
				t.Fatalf("claimsAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDrainTearsDownEverything(t *testing.T) {
	f := newCompFixture(t, cluster.HostLimits{MaxComponents: 100, MaxComponentInstances: 4})
	ref := "file://" + writeWasm(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := f.sup.Scale(context.Background(), ScaleRequest{ComponentID: id, ArtifactRef: ref, DesiredInstances: 2}); err != nil {
			t.Fatalf("scale %s: %v", id, err)
		}
	}
	if got := f.sup.Count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	f.sup.Drain(context.Background())
	if got := f.sup.Count(); got != 0 {
		t.Fatalf("count after drain = %d, want 0", got)
	}
}
