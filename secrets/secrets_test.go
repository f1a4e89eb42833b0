package secrets_test

import (
	"context"
	"crypto/rand"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/nacl/box"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/secrets"
	"github.com/wasmcloud/host/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fakeBackend implements secrets.Backend by actually running the
// nacl/box handshake, so the test exercises the real envelope format
// end to end rather than a stub.
type fakeBackend struct {
	priv   *[32]byte
	values map[string][]byte
}

func newFakeBackend(priv *[32]byte, values map[string][]byte) *fakeBackend {
	return &fakeBackend{priv: priv, values: values}
}

func (b *fakeBackend) Fetch(_ context.Context, envelope []byte) ([]byte, error) {
	var clientEphPub [32]byte
	copy(clientEphPub[:], envelope[:32])
	rest := envelope[32:]
	var nonce [24]byte
	copy(nonce[:], rest[:24])
	sealed := rest[24:]

	plain, ok := box.Open(nil, sealed, &nonce, &clientEphPub, b.priv)
	if !ok {
		panic("fakeBackend: failed to open request")
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(plain, &req); err != nil {
		panic(err)
	}
	value := b.values[req.Key]

	respEphPub, respEphPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	var respNonce [24]byte
	if _, err := rand.Read(respNonce[:]); err != nil {
		panic(err)
	}
	sealedResp := box.Seal(respNonce[:], value, &respNonce, &clientEphPub, respEphPriv)
	return append(respEphPub[:], sealedResp...), nil
}

func TestResolveDecryptsThroughBackend(t *testing.T) {
	serverPub, serverPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	backend := newFakeBackend(serverPriv, map[string][]byte{
		"db-password": []byte("hunter2"),
	})

	ctx := context.Background()
	kv, _ := bus.NewMemConn().KV(ctx, "test")
	st := store.New(kv)
	if err := st.PutConfig(ctx, &cluster.NamedConfig{Name: "SECRET_db", Values: nil}); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	desc := &cluster.SecretDescriptor{Backend: "vault", Key: "db-password"}
	raw, err := store.Encode(desc)
	if err != nil {
		t.Fatalf("encode descriptor: %v", err)
	}
	if _, err := kv.Put(ctx, "CONFIG_SECRET_db", raw); err != nil {
		t.Fatalf("put descriptor: %v", err)
	}

	r := secrets.NewResolver(st)
	r.RegisterBackend("vault", backend, serverPub)

	values, err := r.Resolve(ctx, secrets.Request{Names: []string{"SECRET_db"}, EntityJWT: "entity", HostJWT: "host"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := string(values["SECRET_db"].Bytes())
	if got != "hunter2" {
		t.Fatalf("value = %q, want %q", got, "hunter2")
	}
}

func TestResolveFailsEntireBatchOnMissingSecret(t *testing.T) {
	ctx := context.Background()
	kv, _ := bus.NewMemConn().KV(ctx, "test")
	st := store.New(kv)
	r := secrets.NewResolver(st)

	_, err := r.Resolve(ctx, secrets.Request{Names: []string{"SECRET_nope"}})
	if err == nil {
		t.Fatal("expected error for unresolvable secret")
	}
}
