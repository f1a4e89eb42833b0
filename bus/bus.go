// Package bus wraps github.com/nats-io/nats.go into the narrow surface
// the host needs: request-reply and pub-sub for the control and RPC
// planes, plus a JetStream KV handle for the lattice data store.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

// Conn is the bus connection the rest of the host depends on -- small
// enough to fake in tests without a real NATS server.
type Conn interface {
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject string, handler func(Msg)) (Subscription, error)
	KV(ctx context.Context, bucket string) (KV, error)
	Close()
}

// Msg is the inbound envelope a subject handler receives.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Header  map[string][]string
}

func (m Msg) Header1(key string) string {
	vs := m.Header[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

type Subscription interface {
	Unsubscribe() error
}

// KV is the subset of JetStream KV semantics the lattice data store
// needs: get/put/delete/list-prefix/watch.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, uint64, error) // value, revision
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Watch(ctx context.Context, prefix string) (KVWatcher, error)
}

type KVUpdate struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

type KVWatcher interface {
	Updates() <-chan KVUpdate
	Stop() error
}

// natsConn is the real, deployment Conn backed by nats.go + JetStream.
type natsConn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func Connect(url string) (Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1), // retry indefinitely; the host never gives up on the bus
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "bus: connect")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "bus: jetstream")
	}
	return &natsConn{nc: nc, js: js}, nil
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Subscribe(subject string, handler func(Msg)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		hdr := make(map[string][]string, len(m.Header))
		for k, v := range m.Header {
			hdr[k] = v
		}
		handler(Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data, Header: hdr})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *natsConn) KV(ctx context.Context, bucket string) (KV, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, err
	}
	return &jsKV{kv: kv}, nil
}

func (c *natsConn) Close() { c.nc.Close() }

type jsKV struct{ kv jetstream.KeyValue }

func (k *jsKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (k *jsKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return k.kv.Put(ctx, key, value)
}

func (k *jsKV) Delete(ctx context.Context, key string) error {
	return k.kv.Delete(ctx, key)
}

// ListKeys filters client-side: KV keys are single tokens (no "."),
// so a server-side subject filter like "<prefix>>" cannot express a
// string-prefix match.
func (k *jsKV) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := k.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Watch subscribes to the whole bucket and applies the string-prefix
// filter client-side, for the same token-vs-prefix reason as ListKeys.
func (k *jsKV) Watch(ctx context.Context, prefix string) (KVWatcher, error) {
	w, err := k.kv.WatchAll(ctx)
	if err != nil {
		return nil, err
	}
	updates := make(chan KVUpdate, 64)
	go func() {
		defer close(updates)
		for entry := range w.Updates() {
			if entry == nil {
				continue // end-of-initial-state marker
			}
			if !strings.HasPrefix(entry.Key(), prefix) {
				continue
			}
			updates <- KVUpdate{
				Key:      entry.Key(),
				Value:    entry.Value(),
				Revision: entry.Revision(),
				Deleted:  entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge,
			}
		}
	}()
	return &jsWatcher{w: w, updates: updates}, nil
}

type jsWatcher struct {
	w       jetstream.KeyWatcher
	updates chan KVUpdate
}

func (w *jsWatcher) Updates() <-chan KVUpdate { return w.updates }
func (w *jsWatcher) Stop() error              { return w.w.Stop() }
