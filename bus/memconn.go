package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemConn is an in-process fake of Conn for unit tests -- no NATS
// server required. Subject matching supports NATS-style "." segments,
// "*" for a single segment, and a trailing ">" for one-or-more
// remaining segments, the shape the router subscribes with for its
// per-component inbound catch-all.
type MemConn struct {
	mu   sync.RWMutex
	subs map[string][]*memSub
	kvs  map[string]*memKV
}

func NewMemConn() *MemConn {
	return &MemConn{subs: make(map[string][]*memSub), kvs: make(map[string]*memKV)}
}

type memSub struct {
	conn    *MemConn
	subject string
	handler func(Msg)
}

func (s *memSub) Unsubscribe() error {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []*memSub
	for _, cur := range c.subs[s.subject] {
		if cur != s {
			kept = append(kept, cur)
		}
	}
	if len(kept) == 0 {
		delete(c.subs, s.subject)
	} else {
		c.subs[s.subject] = kept
	}
	return nil
}

func (c *MemConn) Publish(subject string, data []byte) error {
	c.deliver(Msg{Subject: subject, Data: data})
	return nil
}

func (c *MemConn) deliver(m Msg) {
	c.mu.RLock()
	var matched []*memSub
	for pattern, subs := range c.subs {
		if subjectMatch(pattern, m.Subject) {
			matched = append(matched, subs...)
		}
	}
	c.mu.RUnlock()
	for _, s := range matched {
		s.handler(m)
	}
}

func (c *MemConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	replyCh := make(chan []byte, 1)
	reply := "_INBOX." + subject
	sub, _ := c.Subscribe(reply, func(m Msg) {
		select {
		case replyCh <- m.Data:
		default:
		}
	})
	defer sub.Unsubscribe()

	c.deliver(Msg{Subject: subject, Reply: reply, Data: data})
	select {
	case b := <-replyCh:
		return b, nil
	case <-ctx.Done():
		return nil, errors.New("bus: request timed out")
	}
}

func (c *MemConn) Subscribe(subject string, handler func(Msg)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &memSub{conn: c, subject: subject, handler: handler}
	c.subs[subject] = append(c.subs[subject], s)
	return s, nil
}

func (c *MemConn) KV(_ context.Context, bucket string) (KV, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kv, ok := c.kvs[bucket]; ok {
		return kv, nil
	}
	kv := &memKV{data: make(map[string]memEntry), watchers: make(map[*memWatcher]string)}
	c.kvs[bucket] = kv
	return kv, nil
}

func (c *MemConn) Close() {}

func subjectMatch(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, tok := range pp {
		if tok == ">" {
			return i < len(sp) // ">" must match at least one segment
		}
		if i >= len(sp) {
			return false
		}
		if tok == "*" {
			continue
		}
		if tok != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}

type memEntry struct {
	value    []byte
	revision uint64
}

type memKV struct {
	mu       sync.RWMutex
	data     map[string]memEntry
	rev      uint64
	watchers map[*memWatcher]string
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, uint64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.data[key]
	if !ok {
		return nil, 0, errors.Errorf("key not found: %s", key)
	}
	return e.value, e.revision, nil
}

func (k *memKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	k.mu.Lock()
	k.rev++
	rev := k.rev
	k.data[key] = memEntry{value: value, revision: rev}
	watchers := k.matchingWatchersLocked(key)
	k.mu.Unlock()

	for _, w := range watchers {
		w.push(KVUpdate{Key: key, Value: value, Revision: rev})
	}
	return rev, nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	delete(k.data, key)
	k.rev++
	rev := k.rev
	watchers := k.matchingWatchersLocked(key)
	k.mu.Unlock()

	for _, w := range watchers {
		w.push(KVUpdate{Key: key, Revision: rev, Deleted: true})
	}
	return nil
}

func (k *memKV) ListKeys(_ context.Context, prefix string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []string
	for key := range k.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (k *memKV) matchingWatchersLocked(key string) []*memWatcher {
	var out []*memWatcher
	for w, prefix := range k.watchers {
		if strings.HasPrefix(key, prefix) {
			out = append(out, w)
		}
	}
	return out
}

func (k *memKV) Watch(_ context.Context, prefix string) (KVWatcher, error) {
	w := &memWatcher{updates: make(chan KVUpdate, 64)}
	k.mu.Lock()
	k.watchers[w] = prefix
	for key, e := range k.data {
		if strings.HasPrefix(key, prefix) {
			w.updates <- KVUpdate{Key: key, Value: e.value, Revision: e.revision}
		}
	}
	k.mu.Unlock()
	w.stop = func() {
		k.mu.Lock()
		delete(k.watchers, w)
		k.mu.Unlock()
	}
	return w, nil
}

type memWatcher struct {
	updates chan KVUpdate
	stop    func()
}

func (w *memWatcher) push(u KVUpdate) {
	select {
	case w.updates <- u:
	default:
	}
}

func (w *memWatcher) Updates() <-chan KVUpdate { return w.updates }
func (w *memWatcher) Stop() error              { w.stop(); return nil }
