package secrets_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
)

// serveBackendOnBus exposes a fakeBackend on the subjects the bus
// transport expects: <topic>.<backend>.server_xkey and
// <topic>.<backend>.get.
func serveBackendOnBus(t *testing.T, conn *bus.MemConn, topic, name string, serverPub *[32]byte, b *fakeBackend) {
	t.Helper()
	_, err := conn.Subscribe(topic+"."+name+".server_xkey", func(m bus.Msg) {
		conn.Publish(m.Reply, serverPub[:])
	})
	if err != nil {
		t.Fatalf("subscribe server_xkey: %v", err)
	}
	_, err = conn.Subscribe(topic+"."+name+".get", func(m bus.Msg) {
		resp, ferr := b.Fetch(context.Background(), m.Data)
		if ferr != nil {
			return
		}
		conn.Publish(m.Reply, resp)
	})
	if err != nil {
		t.Fatalf("subscribe get: %v", err)
	}
}

func TestResolveOpensUnregisteredBackendOverBus(t *testing.T) {
	ctx := context.Background()
	conn := bus.NewMemConn()
	kv, err := conn.KV(ctx, "lattice-data")
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	st := store.New(kv)

	serverPub, serverPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("server key: %v", err)
	}
	backend := newFakeBackend(serverPriv, map[string][]byte{"db/password": []byte("hunter2")})
	serveBackendOnBus(t, conn, "wasmcloud.secrets", "vault", serverPub, backend)

	if err := st.PutSecretDescriptor(ctx, "SECRET_db", &cluster.SecretDescriptor{Backend: "vault", Key: "db/password"}); err != nil {
		t.Fatalf("put descriptor: %v", err)
	}

	r := secrets.NewResolver(st)
	r.SetTransport(secrets.NewBusTransport(conn, "wasmcloud.secrets", time.Second))

	vals, err := r.Resolve(ctx, secrets.Request{Names: []string{"SECRET_db"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := string(vals["SECRET_db"].Bytes()); got != "hunter2" {
		t.Fatalf("resolved value = %q, want hunter2", got)
	}
}

func TestResolveUnknownBackendWithoutTransportFails(t *testing.T) {
	ctx := context.Background()
	conn := bus.NewMemConn()
	kv, err := conn.KV(ctx, "lattice-data")
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	st := store.New(kv)
	if err := st.PutSecretDescriptor(ctx, "SECRET_db", &cluster.SecretDescriptor{Backend: "vault", Key: "k"}); err != nil {
		t.Fatalf("put descriptor: %v", err)
	}

	r := secrets.NewResolver(st)
	if _, err := r.Resolve(ctx, secrets.Request{Names: []string{"SECRET_db"}}); err == nil {
		t.Fatal("expected resolve to fail with no registered backend and no transport")
	}
}
