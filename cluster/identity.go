// Package cluster holds the lattice-facing data model: host identity
// and limits, component/provider/link types, the in-memory link
// table, and lattice events. A host's identity is a small immutable
// value constructed once and handed around by reference, never copied
// into every subsystem.
package cluster

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/wasmcloud/host/cmn/config"
)

// HostIdentity is the host's cryptographic identity: a key pair and its
// derived public id, plus the lattice-facing metadata attached to it.
// Created once at host construction; immutable thereafter.
type HostIdentity struct {
	PublicKey    ed25519.PublicKey
	privateKey   ed25519.PrivateKey
	ID           string
	FriendlyName string
	LatticeName  string
	JSDomain     string
	Labels       map[string]string
}

// NewHostIdentity derives a host identity from host_seed when set
// (deterministic), fresh randomness otherwise.
func NewHostIdentity(cfg *config.HostConfig, friendlyName string) (*HostIdentity, error) {
	var (
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		err  error
	)
	if seed := cfg.Lattice.HostSeed; seed != "" {
		pub, priv, err = seededKeyPair(seed)
	} else {
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		return nil, err
	}
	id := encodePublicID(pub)
	if friendlyName == "" {
		// Default friendly name derived from the public key.
		friendlyName = fmt.Sprintf("host-%s", id[:8])
	}
	labels := make(map[string]string, len(cfg.Lattice.Labels))
	for k, v := range cfg.Lattice.Labels {
		labels[k] = v
	}
	return &HostIdentity{
		PublicKey:    pub,
		privateKey:   priv,
		ID:           id,
		FriendlyName: friendlyName,
		LatticeName:  cfg.Lattice.Name,
		JSDomain:     cfg.Lattice.JSDomain,
		Labels:       labels,
	}, nil
}

func seededKeyPair(seed string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	h := make([]byte, ed25519.SeedSize)
	copy(h, seed)
	priv := ed25519.NewKeyFromSeed(h)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func encodePublicID(pub ed25519.PublicKey) string {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	n := len(alphabet)
	out := make([]byte, 0, 56)
	for _, b := range pub {
		out = append(out, alphabet[int(b)%n])
	}
	return "N" + string(out[:55])
}

// PrivateKey exposes the signing half of the host's key pair, used to
// mint the host's own claims token for secrets requests and by dev
// tooling that signs local artifacts.
func (h *HostIdentity) PrivateKey() ed25519.PrivateKey { return h.privateKey }

// SortedLabelKeys returns Labels' keys in strictly ascending order,
// the order inventory responses emit them in.
func (h *HostIdentity) SortedLabelKeys() []string {
	keys := make([]string, 0, len(h.Labels))
	for k := range h.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HostLimits are the enforced resource ceilings.
type HostLimits struct {
	MaxComponents                int
	MaxComponentInstances        int
	MaxLinearMemoryBytesPerComp  int64
	MaxExecutionTime             int64 // nanoseconds, kept as int64 for atomic-friendly reads
	MaxCoreInstancesPerComponent int
	AllowFileLoad                bool
}

func NewHostLimits(cfg *config.HostConfig) HostLimits {
	return HostLimits{
		MaxComponents:                cfg.Limits.MaxComponents,
		MaxComponentInstances:        cfg.Limits.MaxComponentInstances,
		MaxLinearMemoryBytesPerComp:  cfg.Limits.MaxLinearMemoryBytes,
		MaxExecutionTime:             int64(cfg.Limits.MaxExecutionTime),
		MaxCoreInstancesPerComponent: cfg.Limits.MaxCoreInstancesPerComponent,
		AllowFileLoad:                cfg.Lattice.AllowFile,
	}
}

// ClampInstances applies the pool-size invariant: min(requested,
// max_component_instances).
func (l HostLimits) ClampInstances(requested int) int {
	if l.MaxComponentInstances > 0 && requested > l.MaxComponentInstances {
		return l.MaxComponentInstances
	}
	return requested
}
