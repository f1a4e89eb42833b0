// Package secrets resolves secret references for components and
// providers: descriptor lookup via the store, an encrypted per-request
// envelope to the named backend, and a value container that never
// leaks its contents to logs.
package secrets

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"

	"github.com/wasmcloud/host/cluster"
	"github.com/wasmcloud/host/store"
)

// Value wraps a decrypted secret. Bytes copies out; Zero must be
// called once the caller is done with it, and Value never implements
// fmt.Stringer/error so it can't accidentally end up in a log line.
type Value struct {
	mu   sync.Mutex
	data []byte
}

func (v *Value) Bytes() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

func (v *Value) Zero() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.data {
		v.data[i] = 0
	}
	v.data = nil
}

// Backend is a secrets backend's request/response transport. Each
// implementation speaks whatever wire protocol that backend uses
// underneath the shared encrypted envelope this package builds.
type Backend interface {
	// Fetch sends the encrypted request envelope and returns the
	// encrypted response envelope.
	Fetch(ctx context.Context, envelope []byte) ([]byte, error)
}

// Resolver resolves a set of secret reference names to decrypted
// values, per-backend, failing the whole batch if any one reference
// cannot be resolved.
type Resolver struct {
	store      *store.Store
	transport  *BusTransport
	backends   map[string]Backend
	serverKeys map[string]*[32]byte

	mu      sync.Mutex
	clients map[string]*backendClient
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{
		store:      st,
		backends:   make(map[string]Backend),
		serverKeys: make(map[string]*[32]byte),
		clients:    make(map[string]*backendClient),
	}
}

// RegisterBackend registers a secrets backend under name, along with
// the long-lived box public key its Fetch implementation decrypts
// requests with (obtained out of band, e.g. from host config).
func (r *Resolver) RegisterBackend(name string, b Backend, serverPubKey *[32]byte) {
	r.backends[name] = b
	r.serverKeys[name] = serverPubKey
}

// SetTransport installs the bus transport used to open any backend a
// descriptor names that was not registered explicitly; nil (the
// default, when no secrets_topic is configured) makes every such
// backend an error.
func (r *Resolver) SetTransport(t *BusTransport) { r.transport = t }

// Request is a batch of secret reference names plus the identities
// the backend needs to authorize the request.
type Request struct {
	Names       []string
	EntityJWT   string
	HostJWT     string
	Application string
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (map[string]*Value, error) {
	out := make(map[string]*Value, len(req.Names))
	for _, name := range req.Names {
		desc, err := r.store.GetSecretDescriptor(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "secrets: missing descriptor for %q", name)
		}
		v, err := r.resolveOne(ctx, name, desc, req)
		if err != nil {
			// Fail the entire request on any single unresolved secret.
			for _, prior := range out {
				prior.Zero()
			}
			return nil, errors.Wrapf(err, "secrets: failed to resolve %q", name)
		}
		out[name] = v
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, name string, desc *cluster.SecretDescriptor, req Request) (*Value, error) {
	backend, ok := r.backends[desc.Backend]
	if !ok {
		if r.transport == nil {
			return nil, fmt.Errorf("unknown secrets backend %q", desc.Backend)
		}
		opened, key, err := r.transport.Open(ctx, desc.Backend)
		if err != nil {
			return nil, err
		}
		r.RegisterBackend(desc.Backend, opened, key)
		backend = opened
	}
	client, err := r.clientFor(desc.Backend, backend, r.serverKeys[desc.Backend])
	if err != nil {
		return nil, err
	}
	plain, err := client.fetch(ctx, requestBody{
		Key:         desc.Key,
		Version:     desc.Version,
		EntityJWT:   req.EntityJWT,
		HostJWT:     req.HostJWT,
		Application: req.Application,
	})
	if err != nil {
		return nil, err
	}
	return &Value{data: plain}, nil
}

func (r *Resolver) clientFor(name string, b Backend, serverPub *[32]byte) (*backendClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	if serverPub == nil {
		return nil, fmt.Errorf("secrets: backend %q has no configured server key", name)
	}
	c := &backendClient{transport: b, serverPubKey: serverPub}
	r.clients[name] = c
	return c, nil
}

// backendClient speaks nacl/box request/response per request, using a
// fresh ephemeral key pair each call so a compromised backend session
// can't replay or decrypt past traffic.
type backendClient struct {
	transport    Backend
	serverPubKey *[32]byte
}

type requestBody struct {
	Key         string `json:"key"`
	Version     string `json:"version,omitempty"`
	EntityJWT   string `json:"entity_jwt"`
	HostJWT     string `json:"host_jwt"`
	Application string `json:"application,omitempty"`
}

func (c *backendClient) fetch(ctx context.Context, body requestBody) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "secrets: generate ephemeral key")
	}

	plain, err := marshalRequest(body)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := box.Seal(nonce[:], plain, &nonce, c.serverPubKey, ephPriv)
	envelope := append(ephPub[:], sealed...)

	respEnvelope, err := c.transport.Fetch(ctx, envelope)
	if err != nil {
		return nil, errors.Wrap(err, "secrets: backend fetch")
	}

	return unsealResponse(respEnvelope, ephPriv)
}

func unsealResponse(envelope []byte, ephPriv *[32]byte) ([]byte, error) {
	if len(envelope) < 32+24 {
		return nil, errors.New("secrets: response envelope too short")
	}
	var peerPub [32]byte
	copy(peerPub[:], envelope[:32])
	rest := envelope[32:]
	var nonce [24]byte
	copy(nonce[:], rest[:24])
	sealed := rest[24:]

	plain, ok := box.Open(nil, sealed, &nonce, &peerPub, ephPriv)
	if !ok {
		return nil, errors.New("secrets: failed to decrypt response")
	}
	return plain, nil
}
