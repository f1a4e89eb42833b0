package store

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/wasmcloud/host/bus"
)

// BuntKV is a bus.KV implementation backed by an embedded buntdb
// database: a single-node host can run without a NATS JetStream
// deployment by pointing its state store directly at local disk (or
// ":memory:" for tests), at the cost of losing cross-host
// replication. Revisions
// are a process-local monotonic counter rather than a server-assigned
// one, which is sufficient for the single host this backend serves.
type BuntKV struct {
	db *buntdb.DB

	mu       sync.Mutex
	rev      uint64
	watchers map[*buntWatcher]string
}

// OpenBuntKV opens (or creates) a buntdb database at path. Use
// ":memory:" for an ephemeral, non-persistent store.
func OpenBuntKV(path string) (*BuntKV, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "store: open buntdb")
	}
	return &BuntKV{db: db, watchers: make(map[*buntWatcher]string)}, nil
}

func (b *BuntKV) Close() error { return b.db.Close() }

func (b *BuntKV) Get(_ context.Context, key string) ([]byte, uint64, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		value = v
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, 0, errors.Errorf("key not found: %s", key)
	}
	if err != nil {
		return nil, 0, err
	}
	return []byte(value), b.revisionOf(key), nil
}

func (b *BuntKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	rev := b.bumpRevision(key)
	b.notify(key, value, false)
	return rev, nil
}

func (b *BuntKV) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	b.bumpRevision(key)
	b.notify(key, nil, true)
	return nil
}

func (b *BuntKV) ListKeys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			out = append(out, key)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Watch polls nothing; it relies on Put/Delete pushing updates directly
// to registered watchers, matching the single-process nature of this
// backend (there is no second writer to observe).
func (b *BuntKV) Watch(_ context.Context, prefix string) (bus.KVWatcher, error) {
	w := &buntWatcher{updates: make(chan bus.KVUpdate, 64)}
	b.mu.Lock()
	b.watchers[w] = prefix
	b.mu.Unlock()
	w.stop = func() {
		b.mu.Lock()
		delete(b.watchers, w)
		b.mu.Unlock()
	}
	return w, nil
}

func (b *BuntKV) bumpRevision(key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rev++
	return b.rev
}

// revisionOf is intentionally coarse: BuntKV is for single-node
// deployments where callers care about "has this changed since I last
// looked," not a precise per-key version history.
func (b *BuntKV) revisionOf(_ string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rev
}

func (b *BuntKV) notify(key string, value []byte, deleted bool) {
	b.mu.Lock()
	rev := b.rev
	var targets []*buntWatcher
	for w, prefix := range b.watchers {
		if strings.HasPrefix(key, prefix) {
			targets = append(targets, w)
		}
	}
	b.mu.Unlock()

	for _, w := range targets {
		w.push(bus.KVUpdate{Key: key, Value: value, Revision: rev, Deleted: deleted})
	}
}

type buntWatcher struct {
	updates chan bus.KVUpdate
	stop    func()
}

func (w *buntWatcher) push(u bus.KVUpdate) {
	select {
	case w.updates <- u:
	default:
	}
}

func (w *buntWatcher) Updates() <-chan bus.KVUpdate { return w.updates }
func (w *buntWatcher) Stop() error                  { w.stop(); return nil }
