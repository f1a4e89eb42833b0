package store

import (
	"context"
	"fmt"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/cluster"
)

const (
	ComponentPrefix = "COMPONENT_"
	ConfigPrefix    = "CONFIG_"

	// SecretPrefix distinguishes a CONFIG_<name> value that is actually a
	// SecretDescriptor rather than plain config.
	SecretPrefix = "SECRET_"
)

// Store is the host's view of lattice state: the COMPONENT_ and CONFIG_
// keyspaces (the latter also holding secret descriptors) over one
// bus.KV.
type Store struct {
	kv bus.KV

	// seen dedups at-least-once watch redelivery of a (key, revision)
	// pair. A cuckoo filter
	// gives approximate, bounded-memory membership at the scale a
	// single host's watch stream runs at; a false-positive here just
	// means one legitimate update is skipped, which idempotent
	// re-application makes harmless.
	seenMu sync.Mutex
	seen   *cuckoo.Filter
}

func New(kv bus.KV) *Store {
	return &Store{kv: kv, seen: cuckoo.NewFilter(1 << 16)}
}

func componentKey(id string) string { return ComponentPrefix + id }
func configKey(name string) string  { return ConfigPrefix + name }

func (s *Store) GetComponent(ctx context.Context, id string) (*cluster.ComponentSpecification, uint64, error) {
	raw, rev, err := s.kv.Get(ctx, componentKey(id))
	if err != nil {
		return nil, 0, err
	}
	spec := &cluster.ComponentSpecification{ID: id}
	if err := Decode(raw, spec); err != nil {
		return nil, 0, err
	}
	return spec, rev, nil
}

func (s *Store) PutComponent(ctx context.Context, spec *cluster.ComponentSpecification) (uint64, error) {
	raw, err := Encode(spec)
	if err != nil {
		return 0, err
	}
	return s.kv.Put(ctx, componentKey(spec.ID), raw)
}

func (s *Store) DeleteComponent(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, componentKey(id))
}

func (s *Store) ListComponents(ctx context.Context) ([]string, error) {
	keys, err := s.kv.ListKeys(ctx, ComponentPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k[len(ComponentPrefix):]
	}
	return ids, nil
}

func (s *Store) GetConfig(ctx context.Context, name string) (*cluster.NamedConfig, error) {
	raw, _, err := s.kv.Get(ctx, configKey(name))
	if err != nil {
		return nil, err
	}
	cfg := &cluster.NamedConfig{Name: name}
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) PutConfig(ctx context.Context, cfg *cluster.NamedConfig) error {
	raw, err := Encode(cfg)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, configKey(cfg.Name), raw)
	return err
}

func (s *Store) DeleteConfig(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, configKey(name))
}

// IsSecretName reports whether a config name denotes a secret
// descriptor rather than plain configuration.
func IsSecretName(name string) bool {
	return len(name) >= len(SecretPrefix) && name[:len(SecretPrefix)] == SecretPrefix
}

func (s *Store) GetSecretDescriptor(ctx context.Context, name string) (*cluster.SecretDescriptor, error) {
	raw, _, err := s.kv.Get(ctx, configKey(name))
	if err != nil {
		return nil, err
	}
	desc := &cluster.SecretDescriptor{}
	if err := Decode(raw, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// PutSecretDescriptor persists the backend/key/version triple under
// the same CONFIG_<name> keyspace a plain NamedConfig would use; the
// name's reserved secret prefix is what distinguishes the two on read.
func (s *Store) PutSecretDescriptor(ctx context.Context, name string, desc *cluster.SecretDescriptor) error {
	raw, err := Encode(desc)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, configKey(name), raw)
	return err
}

// ReplayEvent is emitted for every key observed during ReplayAll or a
// live Watch, deduplicated against prior delivery of the same revision.
type ReplayEvent struct {
	Kind    ReplayKind
	ID      string // component id or config name, scheme-stripped
	Spec    *cluster.ComponentSpecification
	Config  *cluster.NamedConfig
	Deleted bool
}

type ReplayKind int

const (
	ReplayComponent ReplayKind = iota
	ReplayConfig
)

// ReplayAll reads back every key in the host's keyspaces so in-memory
// indices can be rebuilt at startup.
func (s *Store) ReplayAll(ctx context.Context) ([]ReplayEvent, error) {
	var out []ReplayEvent
	ids, err := s.ListComponents(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		spec, _, err := s.GetComponent(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, ReplayEvent{Kind: ReplayComponent, ID: id, Spec: spec})
	}
	cfgKeys, err := s.kv.ListKeys(ctx, ConfigPrefix)
	if err != nil {
		return nil, err
	}
	for _, k := range cfgKeys {
		name := k[len(ConfigPrefix):]
		cfg, err := s.GetConfig(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, ReplayEvent{Kind: ReplayConfig, ID: name, Config: cfg})
	}
	return out, nil
}

// Watch streams live updates for both keyspaces, applying the dedup
// filter before handing updates to fn.
func (s *Store) Watch(ctx context.Context, fn func(ReplayEvent)) error {
	wc, err := s.kv.Watch(ctx, "")
	if err != nil {
		return err
	}
	go func() {
		for u := range wc.Updates() {
			if s.alreadySeen(u.Key, u.Revision) {
				continue
			}
			fn(s.toReplayEvent(u))
		}
	}()
	return nil
}

func (s *Store) alreadySeen(key string, rev uint64) bool {
	token := []byte(fmt.Sprintf("%s@%d", key, rev))
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen.Lookup(token) {
		return true
	}
	s.seen.InsertUnique(token)
	return false
}

func (s *Store) toReplayEvent(u bus.KVUpdate) ReplayEvent {
	switch {
	case len(u.Key) > len(ComponentPrefix) && u.Key[:len(ComponentPrefix)] == ComponentPrefix:
		id := u.Key[len(ComponentPrefix):]
		ev := ReplayEvent{Kind: ReplayComponent, ID: id, Deleted: u.Deleted}
		if !u.Deleted {
			spec := &cluster.ComponentSpecification{ID: id}
			if err := Decode(u.Value, spec); err == nil {
				ev.Spec = spec
			}
		}
		return ev
	default:
		name := u.Key
		if len(u.Key) > len(ConfigPrefix) && u.Key[:len(ConfigPrefix)] == ConfigPrefix {
			name = u.Key[len(ConfigPrefix):]
		}
		ev := ReplayEvent{Kind: ReplayConfig, ID: name, Deleted: u.Deleted}
		if !u.Deleted {
			cfg := &cluster.NamedConfig{Name: name}
			if err := Decode(u.Value, cfg); err == nil {
				ev.Config = cfg
			}
		}
		return ev
	}
}
